// Package remote implements an Engine that forwards every call to an engine
// agent over a length-prefixed JSON connection (TCP or vsock).
package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// ErrConnBroken is returned once a call was interrupted mid-exchange and the
// stream can no longer be trusted.
var ErrConnBroken = errors.New("remote engine connection broken")

// Compile-time interface satisfaction check.
var _ engine.Engine = (*Client)(nil)

// Client is an Engine backed by a connection to an engine agent. Calls are
// serialized; the QueuedEngine in front of it already guarantees this.
type Client struct {
	addr string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	props  model.Properties
	broken bool
}

// Dial connects to the agent at addr ("tcp://host:port", "host:port" or
// "vsock://cid:port"), retrying with exponential backoff, and performs the
// hello exchange.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial engine: %w", ctx.Err())
		default:
		}

		conn, err := dialAddr(ctx, addr)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial engine: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		c := &Client{addr: addr, conn: conn, reader: bufio.NewReader(conn)}
		resp, err := c.roundTrip(ctx, Request{Op: OpHello})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("hello %s: %w", addr, err)
		}
		c.props = resp.Properties
		return c, nil
	}

	return nil, fmt.Errorf("dial engine %s after %d attempts: %w", addr, dialMaxRetries, lastErr)
}

// dialAddr opens the transport named by addr.
func dialAddr(ctx context.Context, addr string) (net.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}

	switch u.Scheme {
	case "tcp":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", u.Host)
	case "vsock":
		cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock context id %q: %w", u.Hostname(), err)
		}
		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port %q: %w", u.Port(), err)
		}
		return vsock.Dial(uint32(cid), uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported engine address scheme %q", u.Scheme)
	}
}

// roundTrip sends req and reads its response. Cancelling ctx aborts the
// exchange and leaves the client broken.
func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return Response{}, ErrConnBroken
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	var resp Response
	err := WriteMessage(c.conn, &req)
	if err == nil {
		err = ReadMessage(c.reader, &resp)
	}
	if err != nil {
		c.broken = true
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		if errors.Is(err, io.EOF) {
			return Response{}, fmt.Errorf("%s: %w", c.addr, ErrConnBroken)
		}
		return Response{}, fmt.Errorf("%s %s: %w", c.addr, req.Op, err)
	}
	if resp.Error != nil {
		return resp, resp.Error.Err()
	}
	resp.normalize()
	return resp, nil
}

// Execute runs code on the remote engine.
func (c *Client) Execute(ctx context.Context, code string) (engine.ExecResult, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpExecute, Code: code})
	if err != nil {
		return engine.ExecResult{}, err
	}
	if resp.Result == nil {
		return engine.ExecResult{}, nil
	}
	return *resp.Result, nil
}

// Push sends ns to the remote namespace.
func (c *Client) Push(ctx context.Context, ns model.Namespace) error {
	_, err := c.roundTrip(ctx, Request{Op: OpPush, Namespace: ns})
	return err
}

// Pull fetches keys from the remote namespace.
func (c *Client) Pull(ctx context.Context, keys []string) ([]any, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpPull, Keys: keys})
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

// Keys lists the remote namespace.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	resp, err := c.roundTrip(ctx, Request{Op: OpKeys})
	if err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// Reset clears the remote namespace.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Request{Op: OpReset})
	return err
}

// Kill terminates the remote engine and closes the connection.
func (c *Client) Kill(ctx context.Context) error {
	_, err := c.roundTrip(ctx, Request{Op: OpKill})
	c.Close()
	return err
}

// Properties returns the properties reported by the agent at connect time.
func (c *Client) Properties() model.Properties {
	return c.props.Clone()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	return c.conn.Close()
}
