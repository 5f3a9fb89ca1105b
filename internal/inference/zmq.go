package inference

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/perception"
)

// ErrBusy is returned when the server did not answer in time.
var ErrBusy = perception.ErrEngineBusy

// DefaultTimeout bounds each send and receive.
const DefaultTimeout = 2 * time.Second

// conn is one request/reply exchange channel.
type conn interface {
	SendBytes(b []byte, flags zmq4.Flag) (int, error)
	RecvBytes(flags zmq4.Flag) ([]byte, error)
	Close() error
}

// ZMQEngine implements perception.Engine against a REQ/REP inference server.
// A REQ socket that timed out cannot send again, so it is discarded and
// redialled on the next request.
type ZMQEngine struct {
	endpoint string
	model    string
	timeout  time.Duration
	dial     func(endpoint string, timeout time.Duration) (conn, error)

	mu   sync.Mutex
	sock conn
}

// NewZMQEngine returns an engine that asks the server at endpoint to run
// model. The socket is connected lazily on first use.
func NewZMQEngine(endpoint, model string, timeout time.Duration) *ZMQEngine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ZMQEngine{endpoint: endpoint, model: model, timeout: timeout, dial: dialREQ}
}

func dialREQ(endpoint string, timeout time.Duration) (conn, error) {
	sock, err := zmq4.NewSocket(zmq4.REQ)
	if err != nil {
		return nil, err
	}
	for _, set := range []func(time.Duration) error{sock.SetSndtimeo, sock.SetRcvtimeo} {
		if err := set(timeout); err != nil {
			_ = sock.Close()
			return nil, err
		}
	}
	if err := sock.SetLinger(0); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Connect(endpoint); err != nil {
		_ = sock.Close()
		return nil, err
	}
	return sock, nil
}

// Infer sends one blob and waits for the output.
func (e *ZMQEngine) Infer(ctx context.Context, in perception.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := EncodeRequest(e.model, in)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sock == nil {
		sock, err := e.dial(e.endpoint, e.timeout)
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", e.endpoint, err)
		}
		e.sock = sock
	}

	if _, err := e.sock.SendBytes(req, 0); err != nil {
		return nil, e.fail("send", err)
	}
	reply, err := e.sock.RecvBytes(0)
	if err != nil {
		return nil, e.fail("recv", err)
	}
	return DecodeResponse(reply)
}

// fail drops the socket and classifies err.
func (e *ZMQEngine) fail(op string, err error) error {
	_ = e.sock.Close()
	e.sock = nil
	if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
		monitoring.Logf("[inference] %s %s timed out after %s", op, e.endpoint, e.timeout)
		return fmt.Errorf("%w: %s timed out", ErrBusy, op)
	}
	return fmt.Errorf("%s %s: %w", op, e.endpoint, err)
}

// Close releases the socket.
func (e *ZMQEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sock == nil {
		return nil
	}
	err := e.sock.Close()
	e.sock = nil
	return err
}
