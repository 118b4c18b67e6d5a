package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pithecene-io/codechat/types"
)

// FrameHandler is invoked once per complete, parsed message, in stream order.
type FrameHandler func(msg types.Message)

// ErrorHandler is invoked for every protocol error seen by the read loop.
type ErrorHandler func(err error)

// Channel reads and writes framed messages over a byte stream pair,
// typically a worker subprocess's stdout and stdin.
//
// Handlers must be registered before Run. They are called from the Run
// goroutine, one at a time.
type Channel struct {
	codec  Codec
	reader FrameReader

	writeMu sync.Mutex
	writer  io.WriteCloser
	closed  bool

	onFrame FrameHandler
	onError ErrorHandler

	done    chan struct{}
	runOnce sync.Once
	runErr  error
}

// NewChannel creates a channel reading frames from r and writing frames to w.
func NewChannel(r io.Reader, w io.WriteCloser, codec Codec) *Channel {
	return &Channel{
		codec:   codec,
		reader:  codec.NewReader(r),
		writer:  w,
		onFrame: func(types.Message) {},
		onError: func(error) {},
		done:    make(chan struct{}),
	}
}

// Framing returns the channel's framing.
func (c *Channel) Framing() Framing {
	return c.codec.Framing()
}

// OnFrame registers the frame callback.
func (c *Channel) OnFrame(fn FrameHandler) {
	if fn != nil {
		c.onFrame = fn
	}
}

// OnError registers the protocol error callback.
func (c *Channel) OnError(fn ErrorHandler) {
	if fn != nil {
		c.onError = fn
	}
}

// Write serializes msg as one frame and writes it to the worker.
// Returns an error wrapping ErrChannelClosed once the channel has been
// closed or the write side has failed.
func (c *Channel) Write(msg types.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid %s frame: %w", msg.Type, err)
	}

	frame, err := c.codec.Encode(&msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	if _, err := c.writer.Write(frame); err != nil {
		// A failed write means the worker's stdin is gone; no later
		// frame can be delivered either.
		c.closed = true
		_ = c.writer.Close()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	return nil
}

// CloseWrite closes the write side. Further writes fail with
// ErrChannelClosed. Safe to call more than once.
func (c *Channel) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.writer.Close()
}

// Run reads frames until the stream ends.
//
// Returns:
//   - nil: stream ended cleanly (EOF)
//   - *ProtocolError with IsFatal: framing lost, no resync possible
//   - context error: ctx was canceled between frames
//   - other: underlying read error
//
// Non-fatal protocol errors go to the error handler and reading continues.
// Run may be called once; later calls return immediately with the first
// call's result once it is available.
func (c *Channel) Run(ctx context.Context) error {
	c.runOnce.Do(func() {
		c.runErr = c.readLoop(ctx)
		close(c.done)
	})
	<-c.done
	return c.runErr
}

// Done is closed when the read loop has ended.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the read loop result after Done is closed.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.runErr
	default:
		return nil
	}
}

func (c *Channel) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := c.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if IsProtocolError(err) {
				c.onError(err)
				if IsFatal(err) {
					return err
				}
				continue
			}
			return fmt.Errorf("read frame: %w", err)
		}

		msg, err := c.codec.Decode(payload)
		if err != nil {
			c.onError(err)
			continue
		}

		c.onFrame(*msg)
	}
}
