package goroutine

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from panics in goroutines and logs them.
// If logger is nil, falls back to stderr so the panic is still recorded.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, StackTraceBufferSize)
		n := runtime.Stack(buf, false)

		if logger != nil {
			logger.Errorw("Goroutine panic recovered",
				"goroutine", name,
				"panic", r,
				"stack", string(buf[:n]))
		} else {
			fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n",
				name, r, string(buf[:n]))
		}
	}
}

// Go runs fn on a new goroutine guarded by Recover. The returned channel is
// closed when fn returns, whether normally or by panic.
func Go(name string, logger *zap.SugaredLogger, fn func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer Recover(name, logger)
		fn()
	}()
	return done
}

// Group tracks a set of named background loops so an owner can wait for all of them on shutdown.
type Group struct {
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
}

// NewGroup creates a Group that logs recovered panics to logger
func NewGroup(logger *zap.SugaredLogger) *Group {
	return &Group{logger: logger}
}

// Go starts fn under the group
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer Recover(name, g.logger)
		fn()
	}()
}

// Wait blocks until every loop started with Go has returned
func (g *Group) Wait() {
	g.wg.Wait()
}
