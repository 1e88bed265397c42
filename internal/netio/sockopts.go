//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// errUnexpectedConnType indicates net.ListenConfig.ListenPacket returned a
// connection type other than *net.UDPConn for a udp4/udp6 network, which
// should never happen.
var errUnexpectedConnType = errors.New("unexpected connection type for udp network")

// listenUDPReusable binds a UDP socket with SO_REUSEADDR and SO_REUSEPORT
// set, so a restarted daemon can rebind the same port while an old process
// is still tearing down its connection.
func listenUDPReusable(network, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setReusableSockOpts(c)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, fmt.Errorf("listen %s %s: %w: %w", network, addr, errUnexpectedConnType, closeErr)
	}
	return conn, nil
}

func setReusableSockOpts(c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		//nolint:gosec // fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		sockErr = applyReusableSockOpts(intFD)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	return sockErr
}

func applyReusableSockOpts(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("set SO_REUSEPORT: %w", err)
	}
	return nil
}
