// Package agent implements the engine agent: a standalone process that owns
// one engine and serves it to controllers over a framed JSON connection.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/engine/remote"
)

// Agent accepts controller connections and dispatches their requests to an
// engine.
type Agent struct {
	listener net.Listener
	engine   engine.Engine
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New creates an agent serving eng on listener.
func New(listener net.Listener, eng engine.Engine, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Agent{
		listener: listener,
		engine:   eng,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections and handles requests. It blocks until the listener
// is closed or an unrecoverable error occurs.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// Close stops accepting connections and closes the open ones.
func (a *Agent) Close() error {
	err := a.listener.Close()
	a.mu.Lock()
	for c := range a.conns {
		c.Close()
	}
	a.mu.Unlock()
	return err
}

// handleConnection serves requests on conn, one at a time, until the peer
// disconnects. The engine is killed when a kill request arrives.
func (a *Agent) handleConnection(conn net.Conn) {
	a.mu.Lock()
	a.conns[conn] = struct{}{}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn)
		a.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := bufio.NewReader(conn)
	for {
		var req remote.Request
		if err := remote.ReadMessage(reader, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("read request", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}

		resp := a.dispatch(ctx, &req)
		if err := remote.WriteMessage(conn, &resp); err != nil {
			a.logger.Warn("write response", "op", req.Op, "error", err)
			return
		}
		if req.Op == remote.OpKill {
			return
		}
	}
}

// dispatch runs req against the engine and builds the reply.
func (a *Agent) dispatch(ctx context.Context, req *remote.Request) remote.Response {
	req.Normalize()

	var (
		resp remote.Response
		err  error
	)
	switch req.Op {
	case remote.OpHello:
		resp.Properties = a.engine.Properties()
	case remote.OpExecute:
		var res engine.ExecResult
		res, err = a.engine.Execute(ctx, req.Code)
		if err == nil {
			resp.Result = &res
		}
	case remote.OpPush:
		err = a.engine.Push(ctx, req.Namespace)
	case remote.OpPull:
		resp.Values, err = a.engine.Pull(ctx, req.Keys)
	case remote.OpKeys:
		resp.Keys, err = a.engine.Keys(ctx)
	case remote.OpReset:
		err = a.engine.Reset(ctx)
	case remote.OpKill:
		err = a.engine.Kill(ctx)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		a.logger.Debug("request failed", "op", req.Op, "error", err)
		resp.Error = remote.NewWireError(err)
	}
	return resp
}
