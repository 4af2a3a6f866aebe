// Package transport provides the byte streams the framed channel runs on.
//
// A Stream is a duplex byte pipe whose reads can be bounded by a deadline.
// Live device sockets are plain *net.TCPConn values; offline captures are
// served by the replay subpackage.
package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// Stream is the transport contract of the framed channel.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

var _ Stream = (net.Conn)(nil)

// IsTimeout reports whether err is a read deadline expiry rather than a failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
