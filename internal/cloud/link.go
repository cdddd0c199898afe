package cloud

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Link is the network association underneath the HTTP calls
type Link interface {
	Connected() bool
	// Associate (re)joins the network, blocking until joined or ctx ends
	Associate(ctx context.Context) error
}

// StaticLink is a link managed outside the node, always reported up
type StaticLink struct{}

func (StaticLink) Connected() bool                   { return true }
func (StaticLink) Associate(_ context.Context) error { return nil }

// HostLink treats the network as up while a TCP connection to Addr succeeds
type HostLink struct {
	Addr         string
	DialTimeout  time.Duration
	PollInterval time.Duration
}

// NewHostLink creates a link probing addr ("host:port")
func NewHostLink(addr string) *HostLink {
	return &HostLink{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Connected dials Addr once
func (l *HostLink) Connected() bool {
	conn, err := net.DialTimeout("tcp", l.Addr, l.DialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Associate polls until Addr is reachable
func (l *HostLink) Associate(ctx context.Context) error {
	ticker := time.NewTicker(l.PollInterval)
	defer ticker.Stop()

	for {
		if l.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s unreachable: %w", l.Addr, ctx.Err())
		case <-ticker.C:
		}
	}
}
