package protocol

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gfsmeta/internal/types"
)

func TestReadMessageParsesHeadersAndBody(t *testing.T) {
	wire := "HELLO\r\n" +
		"Cseq: 7\r\n" +
		"Chunk-server-name: cs1\r\n" +
		"Chunk-server-port: 7000\r\n" +
		"Num-chunks: 2\r\n" +
		"Content-length: 7\r\n" +
		"\r\n" +
		"1:1 2:3"

	msg, err := ReadMessage(bufio.NewReader(strings.NewReader(wire)))
	require.NoError(t, err)
	require.Equal(t, "HELLO", msg.Verb)
	require.Equal(t, "7", msg.Headers["Cseq"])
	require.Equal(t, []byte("1:1 2:3"), msg.Body)

	var req types.HelloRequest
	require.NoError(t, Decode(msg, &req))
	require.Equal(t, int64(7), req.Cseq)
	require.Equal(t, "cs1", req.ChunkServerName)
	require.Equal(t, 7000, req.ChunkServerPort)

	chunks, err := DecodeHelloChunks(msg.Body)
	require.NoError(t, err)
	require.Equal(t, []types.ChunkIDVersion{{ChunkID: 1, Version: 1}, {ChunkID: 2, Version: 3}}, chunks)
}

func TestReadMessageRejectsMalformedHeader(t *testing.T) {
	wire := "LOOKUP\r\nnot-a-header\r\n\r\n"
	_, err := ReadMessage(bufio.NewReader(strings.NewReader(wire)))
	require.Error(t, err)
}

func TestWriteResponseRoundTrip(t *testing.T) {
	resp := types.NewResponse(42, types.StatusOK)
	resp.Set("File-handle", "9")
	resp.Body = []byte("payload")

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(bufio.NewWriter(&buf), resp))

	msg, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, "OK", msg.Verb)
	require.Equal(t, "42", msg.Headers["Cseq"])
	require.Equal(t, "0", msg.Headers["Status"])
	require.Equal(t, "9", msg.Headers["File-handle"])
	require.Equal(t, []byte("payload"), msg.Body)
}

func TestWriteResponseErrorWord(t *testing.T) {
	resp := types.NewResponse(1, types.StatusNotExist)

	var buf bytes.Buffer
	require.NoError(t, WriteResponse(bufio.NewWriter(&buf), resp))

	msg, err := ReadMessage(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, "OK", msg.Verb)
	require.Equal(t, "-2", msg.Headers["Status"])
}
