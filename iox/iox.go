// Package iox holds small cleanup helpers shared by the CLI, adapters and tests.
package iox

import "io"

// DiscardClose closes c and drops the error, for deferred closes whose
// failure nobody can act on.
//
//	defer iox.DiscardClose(resp.Body)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc adapts c for t.Cleanup.
//
//	t.Cleanup(iox.CloseFunc(adapter))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and drops the error, e.g. a logger flush on exit.
//
//	defer iox.DiscardErr(logger.Sync)
func DiscardErr(fn func() error) { _ = fn() }
