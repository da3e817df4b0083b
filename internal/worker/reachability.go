package worker

import (
	"net"
	"strconv"
	"time"
)

// reachabilityBackOff is a custom backoff.BackOff (spec.md §4.5's
// Retrying state): it probes the printer's SSH port with a short TCP
// dial and returns a 5s interval if the host answered, 30s if it
// didn't. ICMP would need raw-socket privileges the daemon shouldn't
// require, so TCP-dial reachability is used instead (documented
// SPEC_FULL.md Open Question decision).
type reachabilityBackOff struct {
	addr   string
	dialer net.Dialer
}

func newReachabilityBackOff(host string, port int) *reachabilityBackOff {
	return &reachabilityBackOff{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		dialer: net.Dialer{Timeout: 2 * time.Second},
	}
}

func (b *reachabilityBackOff) NextBackOff() time.Duration {
	conn, err := b.dialer.Dial("tcp", b.addr)
	if err == nil {
		conn.Close()
		return 5 * time.Second
	}
	return 30 * time.Second
}

func (b *reachabilityBackOff) Reset() {}
