// Package netutil provides the raw non-blocking socket primitives shared by
// the readiness-driven server variants, grounded on the reference
// implementation's utils.c and on the teacher's SO_REUSEPORT listener setup.
package netutil

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// DefaultBacklog mirrors the reference implementation's N_BACKLOG constant.
const DefaultBacklog = 64

// ListenTCP opens a raw IPv4 listening socket bound to 0.0.0.0:port,
// matching listen_inet_socket from the reference implementation:
// SO_REUSEADDR, bind, then listen with the given backlog. The socket is left
// in blocking mode; callers that need non-blocking accepts use SetNonblocking.
func ListenTCP(port int, backlog int) (int, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

// ListenTCPReusePort is like ListenTCP but additionally sets SO_REUSEPORT,
// allowing several pool-variant processes to share one port. Grounded on the
// teacher's tcp_server.go SO_REUSEPORT listener construction. This is an
// additive capability beyond spec.md, gated behind server.reuse_port.
func ListenTCPReusePort(port int, backlog int) (int, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

// ToListener adopts a raw listening fd (as returned by ListenTCP or
// ListenTCPReusePort) as a standard net.Listener, for the blocking driver
// variants (sequential, threaded, pool) that want Go's ordinary net.Conn
// API rather than raw readiness-loop syscalls. net.FileListener dups the
// fd internally, so the original is closed once adopted.
func ToListener(fd int, name string) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("adopt listener fd: %w", err)
	}
	return l, nil
}

// SetNonblocking puts fd into non-blocking mode, matching
// make_socket_non_blocking from the reference implementation.
func SetNonblocking(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("set non-blocking: %w", err)
	}
	return nil
}

// FormatPeer reverse-resolves a peer address into (host, service) strings for
// logging, rendering "unknown" on failure — matching report_peer_connected's
// getnameinfo fallback behavior.
func FormatPeer(sa unix.Sockaddr) (host, service string) {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(addr.Addr[:]).String()
		names, err := net.LookupAddr(ip)
		if err != nil || len(names) == 0 {
			return "unknown", "unknown"
		}
		return names[0], strconv.Itoa(addr.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(addr.Addr[:]).String()
		names, err := net.LookupAddr(ip)
		if err != nil || len(names) == 0 {
			return "unknown", "unknown"
		}
		return names[0], strconv.Itoa(addr.Port)
	default:
		return "unknown", "unknown"
	}
}

// AddrString renders a raw sockaddr as "host:port" without reverse DNS, for
// use in hot paths (connection admission control) where a name lookup would
// be too costly per accept.
func AddrString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), strconv.Itoa(addr.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(addr.Addr[:]).String(), strconv.Itoa(addr.Port))
	default:
		return "unknown"
	}
}

// IPString extracts just the IP portion of a raw sockaddr, for rate-limit
// keying.
func IPString(sa unix.Sockaddr) string {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(addr.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(addr.Addr[:]).String()
	default:
		return ""
	}
}
