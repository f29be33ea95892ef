// Package netio provides a small idle-timeout wrapper over net.Conn,
// grounded on connection.Conn but stripped of message framing: every
// Transfer and API connection in this service already owns its own framing
// (DCC's raw byte stream, JSON's brace scanning), so the only thing worth
// sharing here is idle-timeout bookkeeping.
package netio

import (
	"fmt"
	"net"
	"time"
)

// Conn wraps a net.Conn and refreshes a read deadline on every read so that
// idleness, not just total duration, triggers a timeout.
type Conn struct {
	net.Conn
	idleTimeout time.Duration
}

// NewConn wraps conn with the given idle timeout. A zero timeout disables
// deadline refreshing.
func NewConn(conn net.Conn, idleTimeout time.Duration) *Conn {
	return &Conn{Conn: conn, idleTimeout: idleTimeout}
}

// Read refreshes the read deadline before delegating to the underlying
// connection.
func (c *Conn) Read(b []byte) (int, error) {
	if c.idleTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return 0, fmt.Errorf("netio: set read deadline: %w", err)
		}
	}
	n, err := c.Conn.Read(b)
	if err != nil {
		return n, fmt.Errorf("netio: read: %w", err)
	}
	return n, nil
}

// Write delegates to the underlying connection without touching deadlines;
// writes on these sockets are always small and driven by a read having just
// completed.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if err != nil {
		return n, fmt.Errorf("netio: write: %w", err)
	}
	return n, nil
}
