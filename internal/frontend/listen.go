package frontend

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// listenTCPWithBacklog binds a TCP listener on addr with an explicit accept
// backlog. net.Listen has no knob for this, so the socket is built by hand:
// the original Python process passed its backlog straight to socket.listen().
func listenTCPWithBacklog(addr string, backlog int) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("frontend: resolve %s: %w", addr, err)
	}

	domain := syscall.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = syscall.AF_INET6
	}

	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("frontend: socket: %w", err)
	}
	// CloseOnExec keeps the listening fd from leaking into exec'd children.
	syscall.CloseOnExec(fd)

	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("frontend: setsockopt SO_REUSEADDR: %w", err)
	}

	var sa syscall.Sockaddr
	if domain == syscall.AF_INET6 {
		addr6 := &syscall.SockaddrInet6{Port: tcpAddr.Port}
		if tcpAddr.IP != nil {
			copy(addr6.Addr[:], tcpAddr.IP.To16())
		}
		sa = addr6
	} else {
		addr4 := &syscall.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(addr4.Addr[:], ip4)
		}
		sa = addr4
	}

	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("frontend: bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = 128
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("frontend: listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("tcp-backlog-listener-%s", addr))
	defer f.Close()
	l, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("frontend: FileListener: %w", err)
	}
	return l, nil
}

// listenUnixSocket binds a Unix domain socket listener at path, removing a
// stale socket file left behind by an unclean shutdown.
func listenUnixSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("frontend: listen unix %s: %w", path, err)
	}
	return l, nil
}
