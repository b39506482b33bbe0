package common

import (
	"fmt"
	"io"
	"log"
	"runtime"
)

// LogLevel gates LTrace/LInfo/LWarn/LFail against DefaultLogLevel. Constants and the
// DefaultLogLevel/LogCompleteEnable vars live in vars.go alongside the other tunables.
type LogLevel int

func init() {
	if DefaultLogLevel <= LOG_TRACE {
		log.SetFlags(log.Lmicroseconds)
	}
}

func SetLogger(w io.Writer) {
	log.SetOutput(w)
}

// SetLevel adjusts the minimum level a later LTrace/LInfo/LWarn/LFail call must meet
// to actually reach the underlying writer. Read from config at startup.
func SetLevel(l LogLevel) {
	DefaultLogLevel = l
}

func getCallerInfo() string {
	pc, _, _, _ := runtime.Caller(2)

	fn := runtime.FuncForPC(pc)
	return fn.Name()
}

func LTrace(format string, args ...any) {
	if DefaultLogLevel <= LOG_TRACE {
		fn := getCallerInfo()
		log.Printf(fn+" [TRACE] "+format, args...)
	}
}

func LInfo(format string, args ...any) {
	if DefaultLogLevel <= LOG_INFO {
		if LogCompleteEnable {
			fn := getCallerInfo()
			log.Printf(fmt.Sprintf("%v [INFO] ", fn)+format, args...)
		} else {
			log.Printf("[INFO] "+format, args...)
		}
	}
}

func LWarn(format string, args ...any) {
	if DefaultLogLevel <= LOG_WARN {
		if LogCompleteEnable {
			fn := getCallerInfo()
			log.Printf(fmt.Sprintf("%v [WARN] ", fn)+format, args...)
		} else {
			log.Printf("[WARN] "+format, args...)
		}
	}
}

func LFail(format string, args ...any) {
	if DefaultLogLevel <= LOG_FAIL {
		if LogCompleteEnable {
			fn := getCallerInfo()
			log.Printf(fmt.Sprintf("%v [FAIL] ", fn)+format, args...)
		} else {
			log.Printf("[FAIL] "+format, args...)
		}
	}
}
