// Package dbgtest provides a sample client with utilities for debug
// server testing. All client methods are synchronous.
package dbgtest

import (
	"bufio"
	"log"
	"net"
	"testing"

	"github.com/silkvm/silkdbg/service/api"
)

// Client is a debug client speaking the zero-delimited JSON protocol.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// NewClient creates a new Client over a TCP connection. Call Close()
// to close the connection.
func NewClient(addr string) *Client {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatal("dialing:", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}
}

// Close closes the client connection.
func (c *Client) Close() {
	c.conn.Close()
}

// Send encodes the request and writes it with its terminator.
func (c *Client) Send(t *testing.T, req api.Request) {
	t.Helper()
	buf, err := api.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	c.SendRaw(t, append(buf, 0))
}

// SendRaw writes bytes to the connection verbatim, so tests can
// control framing boundaries.
func (c *Client) SendRaw(t *testing.T, data []byte) {
	t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		t.Fatal(err)
	}
}

func (c *Client) expect(t *testing.T) api.Response {
	t.Helper()
	frame, err := c.reader.ReadBytes(0)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := api.DecodeResponse(frame[:len(frame)-1])
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (c *Client) ExpectBreakpointSetResponse(t *testing.T) *api.BreakpointSetResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.BreakpointSetResponse)
	if !ok {
		t.Fatalf("expected BreakpointSetResponse")
	}
	return m
}

func (c *Client) ExpectBreakpointUnsetResponse(t *testing.T) *api.BreakpointUnsetResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.BreakpointUnsetResponse)
	if !ok {
		t.Fatalf("expected BreakpointUnsetResponse")
	}
	return m
}

func (c *Client) ExpectLineNumberResponse(t *testing.T) *api.LineNumberResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.LineNumberResponse)
	if !ok {
		t.Fatalf("expected LineNumberResponse")
	}
	return m
}

func (c *Client) ExpectOffsetResponse(t *testing.T) *api.OffsetResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.OffsetResponse)
	if !ok {
		t.Fatalf("expected OffsetResponse")
	}
	return m
}

func (c *Client) ExpectStackFramesResponse(t *testing.T) *api.StackFramesResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.StackFramesResponse)
	if !ok {
		t.Fatalf("expected StackFramesResponse")
	}
	return m
}

func (c *Client) ExpectScopesResponse(t *testing.T) *api.ScopesResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.ScopesResponse)
	if !ok {
		t.Fatalf("expected ScopesResponse")
	}
	return m
}

func (c *Client) ExpectVariablesResponse(t *testing.T) *api.VariablesResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.VariablesResponse)
	if !ok {
		t.Fatalf("expected VariablesResponse")
	}
	return m
}

func (c *Client) ExpectBreakpointHit(t *testing.T) *api.BreakpointHitResponse {
	t.Helper()
	m, ok := c.expect(t).(*api.BreakpointHitResponse)
	if !ok {
		t.Fatalf("expected BreakpointHitResponse")
	}
	return m
}
