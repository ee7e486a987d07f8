package agent

import (
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/mdlayher/vsock"
)

// Listen opens the listener named by addr: "tcp://host:port", a bare
// "host:port", or "vsock://:port" to accept on every context id.
func Listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return net.Listen("tcp", addr)
	}

	switch u.Scheme {
	case "tcp":
		return net.Listen("tcp", u.Host)
	case "vsock":
		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port %q: %w", u.Port(), err)
		}
		return vsock.Listen(uint32(port), nil)
	default:
		return nil, fmt.Errorf("unsupported listen scheme %q", u.Scheme)
	}
}
