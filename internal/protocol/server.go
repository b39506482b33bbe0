package protocol

import (
	"bufio"
	"io"
	"net"
	"strings"

	"gfsmeta/internal/common"
	"gfsmeta/internal/processor"
	"gfsmeta/internal/types"
)

// Server accepts client connections and turns each parsed Message into a
// processor.Op, blocking the connection's own goroutine on the op's reply
// so each connection has one request outstanding; the processor itself
// stays single-threaded regardless of how many connections are open.
type Server struct {
	proc *processor.Processor
}

func NewServer(proc *processor.Processor) *Server {
	return &Server{proc: proc}
}

func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	holder := nc.RemoteAddr().String()
	r := bufio.NewReader(nc)
	w := bufio.NewWriter(nc)
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			if err != io.EOF {
				common.LWarn("protocol: read from %s: %v", holder, err)
			}
			return
		}
		resp := s.dispatch(msg, holder)
		if err := WriteResponse(w, resp); err != nil {
			common.LWarn("protocol: write to %s: %v", holder, err)
			return
		}
	}
}

// dispatch decodes msg and submits the matching Op, blocking on its reply
// channel. An unknown verb or a decode failure is reported as
// StatusInvalidArgument without ever reaching the processor queue.
func (s *Server) dispatch(msg *Message, holder string) *types.Response {
	replyCh := make(chan *types.Response, 1)
	reply := func(r *types.Response) { replyCh <- r }

	op, cseq, err := s.buildOp(msg, holder, reply)
	if err != nil {
		return types.NewResponse(cseq, types.StatusInvalidArgument)
	}
	s.proc.Submit(op)
	return <-replyCh
}

func (s *Server) buildOp(msg *Message, holder string, reply processor.ReplyFunc) (processor.Op, int64, error) {
	switch msg.Verb {
	case "LOOKUP":
		var req types.LookupRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.LookupOp{Req: req, Reply: reply}, req.Cseq, nil
	case "LOOKUP_PATH":
		var req types.LookupPathRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.LookupPathOp{Req: req, Reply: reply}, req.Cseq, nil
	case "CREATE":
		var req types.CreateRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.CreateOp{Req: req, Reply: reply}, req.Cseq, nil
	case "MKDIR":
		var req types.MkdirRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.MkdirOp{Req: req, Reply: reply}, req.Cseq, nil
	case "REMOVE":
		var req types.RemoveRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.RemoveOp{Req: req, Reply: reply}, req.Cseq, nil
	case "RMDIR":
		var req types.RmdirRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.RmdirOp{Req: req, Reply: reply}, req.Cseq, nil
	case "READDIR":
		var req types.ReaddirRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.ReaddirOp{Req: req, Reply: reply}, req.Cseq, nil
	case "GETALLOC":
		var req types.GetallocRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.GetallocOp{Req: req, Reply: reply}, req.Cseq, nil
	case "GETLAYOUT":
		var req types.GetlayoutRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.GetlayoutOp{Req: req, Reply: reply}, req.Cseq, nil
	case "ALLOCATE":
		var req types.AllocateRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.AllocateOp{Req: req, Reply: reply}, req.Cseq, nil
	case "TRUNCATE":
		var req types.TruncateRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.TruncateOp{Req: req, Reply: reply}, req.Cseq, nil
	case "RENAME":
		var req types.RenameRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.RenameOp{Req: req, Reply: reply}, req.Cseq, nil
	case "LEASE_ACQUIRE":
		// Lease-type selects the grant; absent means a read lease, the
		// only kind a plain reader ever needs (writers get their lease
		// through ALLOCATE).
		var req types.LeaseAcquireRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		if strings.EqualFold(req.LeaseType, "write") {
			return &processor.LeaseAcquireWriteOp{Req: req, Holder: holder, Reply: reply}, req.Cseq, nil
		}
		return &processor.LeaseAcquireReadOp{Req: req, Holder: holder, Reply: reply}, req.Cseq, nil
	case "LEASE_RENEW":
		var req types.LeaseRenewRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.LeaseRenewOp{Req: req, Holder: holder, Reply: reply}, req.Cseq, nil
	case "HELLO":
		var req types.HelloRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		if len(msg.Body) > 0 {
			chunks, err := DecodeHelloChunks(msg.Body)
			if err != nil {
				return nil, 0, err
			}
			req.Chunks = chunks
		}
		return &processor.HelloOp{Req: req, Reply: reply}, req.Cseq, nil
	case "PING":
		var req types.PingRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.PingOp{Req: req, Reply: reply}, req.Cseq, nil
	case "STATS":
		var req types.StatsRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.StatsOp{Req: req, Reply: reply}, req.Cseq, nil
	case "REBALANCE":
		var req types.RebalanceRequest
		if err := Decode(msg, &req); err != nil {
			return nil, 0, err
		}
		return &processor.RebalanceOp{Req: req, Reply: reply}, req.Cseq, nil
	default:
		return nil, 0, errUnknownVerb(msg.Verb)
	}
}

type unknownVerbError string

func (e unknownVerbError) Error() string { return "protocol: unknown verb " + string(e) }

func errUnknownVerb(verb string) error { return unknownVerbError(verb) }
