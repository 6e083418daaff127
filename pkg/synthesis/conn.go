package synthesis

import (
	"context"
	"net"
	"sync"
	"time"
)

// deadlineConn arms a fresh deadline before every read and write, and expires all
// deadlines once ctx is cancelled so blocked operations return.
type deadlineConn struct {
	net.Conn

	timeout time.Duration

	lock      sync.Mutex
	cancelled bool
	stop      func() bool
}

func newDeadlineConn(ctx context.Context, conn net.Conn, timeout time.Duration) *deadlineConn {
	c := &deadlineConn{
		Conn:    conn,
		timeout: timeout,
	}

	c.stop = context.AfterFunc(ctx, func() {
		c.lock.Lock()
		defer c.lock.Unlock()

		c.cancelled = true
		_ = c.Conn.SetDeadline(time.Unix(1, 0))
	})

	return c
}

func (c *deadlineConn) arm(set func(time.Time) error) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.cancelled {
		return set(time.Unix(1, 0))
	}

	if c.timeout <= 0 {
		return set(time.Time{})
	}

	return set(time.Now().Add(c.timeout))
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.arm(c.Conn.SetReadDeadline); err != nil {
		return 0, err
	}

	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.arm(c.Conn.SetWriteDeadline); err != nil {
		return 0, err
	}

	return c.Conn.Write(p)
}

func (c *deadlineConn) Close() error {
	c.stop()

	return c.Conn.Close()
}
