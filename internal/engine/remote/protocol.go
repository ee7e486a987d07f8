package remote

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/crucible/internal/engine"
	"github.com/seantiz/crucible/internal/model"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Request operations.
const (
	OpHello   = "hello"
	OpExecute = "execute"
	OpPush    = "push"
	OpPull    = "pull"
	OpKeys    = "keys"
	OpReset   = "reset"
	OpKill    = "kill"
)

// Request is the JSON payload sent from controller to agent.
type Request struct {
	Op        string          `json:"op"`
	Code      string          `json:"code,omitempty"`
	Namespace model.Namespace `json:"namespace,omitempty"`
	Keys      []string        `json:"keys,omitempty"`
}

// Response is the JSON payload sent from agent to controller. Exactly one
// response is written per request.
type Response struct {
	Result     *engine.ExecResult `json:"result,omitempty"`
	Values     []any              `json:"values,omitempty"`
	Keys       []string           `json:"keys,omitempty"`
	Properties model.Properties   `json:"properties,omitempty"`
	Error      *WireError         `json:"error,omitempty"`
}

// WireError carries an engine-side failure across the connection.
type WireError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
	Killed    bool   `json:"killed,omitempty"`
	Exec      bool   `json:"exec,omitempty"`
}

// NewWireError encodes err for transmission.
func NewWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var ee *engine.ExecError
	if errors.As(err, &ee) {
		return &WireError{Kind: ee.Kind, Message: ee.Message, Traceback: ee.Traceback, Exec: true}
	}
	return &WireError{
		Kind:    "EngineError",
		Message: err.Error(),
		Killed:  errors.Is(err, engine.ErrEngineKilled),
	}
}

// Err decodes the wire form back into the error kinds callers test for.
func (w *WireError) Err() error {
	switch {
	case w == nil:
		return nil
	case w.Exec:
		return &engine.ExecError{Kind: w.Kind, Message: w.Message, Traceback: w.Traceback}
	case w.Killed:
		return engine.ErrEngineKilled
	default:
		return fmt.Errorf("remote engine: %s", w.Message)
	}
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	length := uint32(len(data))
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}

// Normalize restores integral namespace values decoded as float64.
func (r *Request) Normalize() {
	for k, v := range r.Namespace {
		r.Namespace[k] = model.NormalizeNumbers(v)
	}
}

func (r *Response) normalize() {
	for i := range r.Values {
		r.Values[i] = model.NormalizeNumbers(r.Values[i])
	}
	if r.Result != nil {
		r.Result.Display = model.NormalizeNumbers(r.Result.Display)
	}
	for k, v := range r.Properties {
		r.Properties[k] = model.NormalizeNumbers(v)
	}
}
