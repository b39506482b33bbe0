// Package protocol implements the text wire format: a verb line, a run of
// "Header: value" lines, a blank line, and an optional body sized by
// Content-length — the same shape HelloRequest's chunk list rides on.
// Responses mirror the request grammar: an "OK" line, Cseq, Status (zero or
// an error code), any op-specific headers, blank line, optional body. Parsed header maps are
// decoded with mitchellh/mapstructure so each typed request struct's
// mapstructure tags double as the wire header names.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"gfsmeta/internal/types"
)

// Message is one parsed request: a verb plus its raw header map and body.
type Message struct {
	Verb    string
	Headers map[string]string
	Body    []byte
}

// ReadMessage parses one request off r. It returns io.EOF when the
// connection is closed cleanly between messages.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	verbLine, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	verb := strings.TrimSpace(verbLine)
	if verb == "" {
		return nil, fmt.Errorf("protocol: empty verb line")
	}

	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("protocol: malformed header %q", line)
		}
		headers[k] = v
	}

	var body []byte
	if cl, ok := headers["Content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, fmt.Errorf("protocol: bad Content-length: %w", err)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	return &Message{Verb: verb, Headers: headers, Body: body}, nil
}

// Decode weak-decodes a Message's headers into a typed request struct via
// its mapstructure tags. The body is not read; a HELLO chunk list goes
// through DecodeHelloChunks.
func Decode(msg *Message, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	raw := make(map[string]interface{}, len(msg.Headers))
	for k, v := range msg.Headers {
		raw[k] = v
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", msg.Verb, err)
	}
	return nil
}

// DecodeHelloChunks parses a HELLO body of space-separated "chunkId:version"
// tokens into the Chunks field Decode cannot reach through header tags.
func DecodeHelloChunks(body []byte) ([]types.ChunkIDVersion, error) {
	fields := strings.Fields(string(body))
	out := make([]types.ChunkIDVersion, 0, len(fields))
	for _, f := range fields {
		idStr, vStr, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("protocol: malformed chunk token %q", f)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseInt(vStr, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ChunkIDVersion{ChunkID: types.ChunkID(id), Version: v})
	}
	return out, nil
}

// WriteResponse renders resp in the wire grammar.
func WriteResponse(w *bufio.Writer, resp *types.Response) error {
	if _, err := fmt.Fprintf(w, "OK\r\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Cseq: %d\r\n", resp.Cseq); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Status: %d\r\n", int(resp.Status)); err != nil {
		return err
	}
	for k, v := range resp.Headers {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
			return err
		}
	}
	if len(resp.Body) > 0 {
		if _, err := fmt.Fprintf(w, "Content-length: %d\r\n", len(resp.Body)); err != nil {
			return err
		}
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			return err
		}
	}
	return w.Flush()
}
