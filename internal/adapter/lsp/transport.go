package lsp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	lspDomain "github.com/Strob0t/symbolforge/internal/domain/lsp"
)

const readChunkSize = 32 * 1024

// Channel frames JSON-RPC messages over a byte stream pair. Writes are
// serialized; reads run on a single goroutine that hands every complete
// message to the registered handler in arrival order.
type Channel struct {
	r io.Reader
	w io.WriteCloser

	writeMu  sync.Mutex
	handler  func(*Message)
	onWrite  func(error)
	writeBad sync.Once
	dec      Decoder
	logger   *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	err       error // set before done is closed
}

// NewChannel creates a channel reading frames from r and writing frames to w.
func NewChannel(r io.Reader, w io.WriteCloser, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		r:      r,
		w:      w,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnMessage registers the handler invoked once per received message.
// It must be called before Start.
func (c *Channel) OnMessage(fn func(*Message)) {
	c.handler = fn
}

// OnWriteError registers fn to run once, on the first failed write. Like
// OnMessage it must be called before Start.
func (c *Channel) OnWriteError(fn func(error)) {
	c.onWrite = fn
}

// Start launches the read loop. Calling Start more than once has no effect.
func (c *Channel) Start() {
	c.startOnce.Do(func() { go c.readLoop() })
}

// Send writes one framed message. Concurrent callers are serialized so
// frames never interleave on the wire.
func (c *Channel) Send(msg *Message) error {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_, err = c.w.Write(frame)
	c.writeMu.Unlock()
	if err == nil {
		return nil
	}
	terr := &lspDomain.TransportError{Op: "write", Err: err}
	if c.onWrite != nil {
		c.writeBad.Do(func() { c.onWrite(terr) })
	}
	return terr
}

// CloseWrite closes the outbound stream. Servers treat a closed stdin as a
// request to exit.
func (c *Channel) CloseWrite() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err = c.w.Close()
	})
	return err
}

// Done is closed when the read loop has stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the error that stopped the read loop. It is only meaningful
// after Done is closed.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Channel) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			before := c.dec.Malformed()
			for _, body := range c.dec.Feed(buf[:n]) {
				c.deliver(body)
			}
			if dropped := c.dec.Malformed() - before; dropped > 0 {
				c.logger.Warn("lsp: discarded malformed frame header", "count", dropped)
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				err = io.EOF
			}
			c.err = &lspDomain.TransportError{Op: "read", Err: err}
			close(c.done)
			return
		}
	}
}

func (c *Channel) deliver(body []byte) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		c.logger.Warn("lsp: dropped undecodable message", "error", err, "bytes", len(body))
		return
	}
	if c.handler != nil {
		c.handler(&msg)
	}
}

