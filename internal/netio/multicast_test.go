//go:build linux

package netio_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/lumenmesh/meshproto/internal/netio"
)

func TestNewMulticastSocketRejectsNonMulticastGroup(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	cfg := netio.MulticastConfig{
		Group: netip.MustParseAddr("10.0.0.1"),
		Port:  18522,
	}

	if _, err := netio.NewMulticastSocket(cfg, logger); !errors.Is(err, netio.ErrNotMulticast) {
		t.Errorf("NewMulticastSocket with unicast group error = %v, want ErrNotMulticast", err)
	}
}

func TestMulticastSocketSendAfterCloseFails(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	cfg := netio.MulticastConfig{
		Group:    netip.MustParseAddr("239.0.1.9"),
		Port:     18523,
		Loopback: true,
	}

	sock, err := netio.NewMulticastSocket(cfg, logger)
	if err != nil {
		t.Fatalf("NewMulticastSocket: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := sock.SendMulticast(context.Background(), []byte("x")); !errors.Is(err, netio.ErrSocketClosed) {
		t.Errorf("SendMulticast after close = %v, want ErrSocketClosed", err)
	}
}
