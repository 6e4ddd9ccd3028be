package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
)

const maxLineSize = 4 * 1024 * 1024

// StdioTransport drives a Server over newline-delimited JSON-RPC on stdin
// and stdout. All logging goes to stderr, never stdout, since stdout is the
// protocol channel.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// NewStdioTransport wires a Server to the given reader/writer pair.
func NewStdioTransport(server *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: server,
		in:     in,
		out:    out,
		logger: log.New(io.Discard, "loci: ", log.LstdFlags),
	}
}

// SetLogger overrides the transport's logger, typically to point it at
// stderr once the caller has decided on a log destination.
func (t *StdioTransport) SetLogger(logger *log.Logger) {
	t.logger = logger
}

// Serve reads one JSON-RPC request per line until ctx is cancelled or the
// input is exhausted, writing one newline-terminated response per request.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			if writeErr := t.writeResponse(internalErrorResponse(line, err)); writeErr != nil {
				return writeErr
			}
			continue
		}

		resp := t.server.HandleRequest(ctx, req)
		if err := t.writeResponse(resp); err != nil {
			return err
		}
	}
}

func (t *StdioTransport) writeResponse(resp JSONRPCResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		t.logger.Printf("marshal response: %v", err)
		return fmt.Errorf("tools: marshal response: %w", err)
	}
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("tools: write response: %w", err)
	}
	return nil
}

// internalErrorResponse builds a best-effort JSON-RPC error envelope when a
// request line can't even be parsed, recovering the request id from the raw
// bytes if possible so the client can still correlate the error.
func internalErrorResponse(line string, parseErr error) JSONRPCResponse {
	var probe struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal([]byte(line), &probe)

	return JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      probe.ID,
		Error:   &JSONRPCError{Code: ErrCodeParseError, Message: "parse error: " + parseErr.Error()},
	}
}
