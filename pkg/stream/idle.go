package stream

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// idleReader aborts the request when no bytes arrive for timeout. Any byte,
// including comment keep-alives, counts as traffic.
type idleReader struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	r := &idleReader{
		body:    body,
		timeout: timeout,
	}
	r.timer = time.AfterFunc(timeout, func() {
		r.expired.Store(true)
		cancel()
	})
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 && !r.expired.Load() {
		r.timer.Reset(r.timeout)
	}
	if err != nil && r.expired.Load() {
		return n, ErrHeartbeatTimeout
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	return r.body.Close()
}
