package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed reports a call against a torn-down connection.
var ErrClosed = errors.New("mcp: connection closed")

// Client speaks line-delimited JSON-RPC over the pipes of a supervised
// subprocess (or an in-process fake in tests). Calls multiplex over one
// connection; each waits on its own reply channel.
type Client struct {
	name   string
	logger *slog.Logger

	writeMu sync.Mutex
	writer  io.Writer

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	nextID atomic.Int64
	closed atomic.Bool
	done   chan struct{}
}

// NewClient starts the read loop over the given pipes. The caller keeps
// ownership of the underlying process.
func NewClient(name string, stdout io.Reader, stdin io.Writer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:    name,
		logger:  logger.With("component", "mcp", "server", name),
		writer:  stdin,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Close fails all in-flight calls. It does not close the pipes; the
// supervisor owns those.
func (c *Client) Close() {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.done)
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "her", "version": "1"},
	}
	raw, err := c.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if err := c.Notify("notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools enumerates the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool. On context expiry a cancellation
// notification is sent to the server before the error is returned.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage) (*ToolCallResult, error) {
	raw, err := c.Call(ctx, "tools/call", CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &result, nil
}

// Call sends one request and waits for its reply, the context, or
// connection teardown, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := c.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = encoded
	}

	replyCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeLine(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-replyCh:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("server error %d: %w", resp.Error.Code, resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		// Tell the server to abandon the work before giving up.
		_ = c.Notify("notifications/cancelled", cancelParams{RequestID: id, Reason: "deadline"})
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Notify sends a one-way notification.
func (c *Client) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	notif := Notification{JSONRPC: "2.0", Method: method}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = encoded
	}
	return c.writeLine(notif)
}

func (c *Client) writeLine(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			// Server-initiated notifications are ignored; the core only
			// consumes replies.
			continue
		}
		c.pendingMu.Lock()
		if ch, ok := c.pending[*resp.ID]; ok {
			ch <- &resp
			delete(c.pending, *resp.ID)
		}
		c.pendingMu.Unlock()
	}
	if err := scanner.Err(); err != nil && !c.closed.Load() {
		c.logger.Debug("stdout closed", "error", err)
	}
	c.Close()
}
