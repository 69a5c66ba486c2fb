package capture

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

var errClosedEarly = errors.New("body closed before EOF")

// capBuffer keeps the first max bytes written to it and counts the rest.
// It is safe for concurrent use since transports may send a request body on a
// different goroutine than the one that returns the response.
type capBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	max   int64
	total int64
}

func newCapBuffer(max int64) *capBuffer {
	return &capBuffer{max: max}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	c.total += int64(n)
	if c.max > 0 {
		room := c.max - int64(c.buf.Len())
		if room <= 0 {
			return n, nil
		}
		if int64(len(p)) > room {
			p = p[:room]
		}
	}
	c.buf.Write(p)
	return n, nil
}

// snapshot returns a copy of the kept bytes, the total written and whether
// anything was dropped.
func (c *capBuffer) snapshot() ([]byte, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.buf.Bytes()), c.total, c.total > int64(c.buf.Len())
}

// teeBody copies what the transport reads from a request body.
type teeBody struct {
	rc  io.ReadCloser
	buf *capBuffer
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	if n > 0 {
		_, _ = t.buf.Write(p[:n])
	}
	return n, err
}

func (t *teeBody) Close() error {
	return t.rc.Close()
}

// responseTee copies what the caller reads from a response body and calls done
// exactly once, at EOF, on a read error or on Close.
type responseTee struct {
	rc   io.ReadCloser
	buf  *capBuffer
	once sync.Once
	done func(readErr error)
}

func (r *responseTee) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		_, _ = r.buf.Write(p[:n])
	}
	switch {
	case err == io.EOF:
		r.finish(nil)
	case err != nil:
		r.finish(err)
	}
	return n, err
}

func (r *responseTee) Close() error {
	err := r.rc.Close()
	r.finish(errClosedEarly)
	return err
}

func (r *responseTee) finish(readErr error) {
	r.once.Do(func() {
		r.done(readErr)
	})
}
