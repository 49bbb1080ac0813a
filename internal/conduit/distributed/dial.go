package distributed

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Retry defaults for worker connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Address schemes accepted for workers.
const (
	SchemeTCP   = "tcp"
	SchemeUnix  = "unix"
	SchemeVsock = "vsock"
)

// Addr is a parsed worker address.
type Addr struct {
	Scheme string
	// Host is host:port for tcp, a socket path for unix and cid:port for vsock.
	Host string
}

func (a Addr) String() string {
	return a.Scheme + "://" + a.Host
}

// ParseAddr parses tcp://host:port, unix:///path and vsock://cid:port.
// An address without a scheme is treated as tcp.
func ParseAddr(s string) (Addr, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		scheme, rest = SchemeTCP, s
	}
	if rest == "" {
		return Addr{}, fmt.Errorf("address %q has no host", s)
	}
	switch scheme {
	case SchemeTCP, SchemeUnix:
	case SchemeVsock:
		if _, _, err := vsockParts(rest); err != nil {
			return Addr{}, fmt.Errorf("address %q: %w", s, err)
		}
	default:
		return Addr{}, fmt.Errorf("address %q: unsupported scheme %q", s, scheme)
	}
	return Addr{Scheme: scheme, Host: rest}, nil
}

// vsockParts splits cid:port. An empty cid means any.
func vsockParts(hostport string) (cid uint32, port uint32, err error) {
	c, p, ok := strings.Cut(hostport, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vsock address must be cid:port")
	}
	pn, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock port: %w", err)
	}
	if c == "" {
		return 0, uint32(pn), nil
	}
	cn, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("vsock cid: %w", err)
	}
	return uint32(cn), uint32(pn), nil
}

// Dial connects to a worker, retrying with exponential backoff on failure.
// Each attempt is bounded by timeout.
func Dial(ctx context.Context, addr Addr, timeout time.Duration) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial worker: %w", ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, addr, timeout)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial worker: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return conn, nil
	}

	return nil, fmt.Errorf("dial worker %s after %d attempts: %w", addr, dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, addr Addr, timeout time.Duration) (net.Conn, error) {
	if addr.Scheme == SchemeVsock {
		cid, port, err := vsockParts(addr.Host)
		if err != nil {
			return nil, err
		}
		conn, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("connect to vsock %s: %w", addr.Host, err)
		}
		return conn, nil
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, addr.Scheme, addr.Host)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return conn, nil
}

// Listen opens a listener for a worker process.
func Listen(addr Addr) (net.Listener, error) {
	if addr.Scheme == SchemeVsock {
		cid, port, err := vsockParts(addr.Host)
		if err != nil {
			return nil, err
		}
		var l *vsock.Listener
		if cid == 0 {
			l, err = vsock.Listen(port, nil)
		} else {
			l, err = vsock.ListenContextID(cid, port, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("vsock listen on %s: %w", addr.Host, err)
		}
		return l, nil
	}
	return net.Listen(addr.Scheme, addr.Host)
}
