package utils

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// IsClosedErr reports whether err means the peer went away or the connection was closed underneath us.
func IsClosedErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := err.Error()
	return strings.HasSuffix(msg, "write: broken pipe") || strings.HasSuffix(msg, "use of closed network connection")
}
