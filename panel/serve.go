package panel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
)

// maxCommandBytes bounds one command line.
const maxCommandBytes = 1 << 20

// Serve runs a headless panel: newline-delimited JSON commands are read from
// r and events are written to w, one JSON object per line. Commands run one
// at a time in arrival order. Serve returns when r is exhausted or ctx ends;
// every event emitted for the handled commands has been written by then.
//
// The controller must already be open.
func (c *Controller) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	enc := json.NewEncoder(w)

	var (
		wg       sync.WaitGroup
		writeErr error
	)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		write := func(ev Event) {
			if writeErr == nil {
				writeErr = enc.Encode(ev)
			}
		}
		for {
			select {
			case ev := <-c.events:
				write(ev)
			case <-stop:
				for {
					select {
					case ev := <-c.events:
						write(ev)
					default:
						return
					}
				}
			}
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCommandBytes)

	var readErr error
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cmd, err := DecodeCommand(line)
		if err != nil {
			c.emit(Event{Type: EventError, Content: err.Error()})
			continue
		}
		// Command failures are reported as events; keep serving.
		_ = c.Handle(ctx, cmd)
	}
	if err := scanner.Err(); err != nil {
		readErr = err
	}

	close(stop)
	wg.Wait()

	if readErr != nil {
		return readErr
	}
	if writeErr != nil {
		return writeErr
	}
	return ctx.Err()
}
