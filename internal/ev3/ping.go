package ev3

import (
	"context"
	"net"
	"runtime"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober tells whether a host answers on the network.
type Prober interface {
	Reachable(ctx context.Context, host string) bool
}

// ICMPProber pings a host once using pro-bing.
type ICMPProber struct {
	timeout time.Duration
}

// NewICMPProber creates a prober that waits at most timeout for a reply.
func NewICMPProber(timeout time.Duration) *ICMPProber {
	return &ICMPProber{timeout: timeout}
}

// Reachable sends a single echo request to host (a host or host:port).
func (p *ICMPProber) Reachable(ctx context.Context, host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(runtime.GOOS == "windows")

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case err := <-done:
		return err == nil && pinger.Statistics().PacketsRecv > 0
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return false
	}
}
