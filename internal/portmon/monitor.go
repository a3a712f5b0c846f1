// Package portmon answers "is port N currently serving a process". Probes
// run concurrently and each carries its own cancellation scope; results are
// committed to the shared cache only when fresher than what is stored, so a
// slow probe can never overwrite the result of one that started after it.
package portmon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// State is the probed condition of a port.
type State string

const (
	StateUnknown State = "unknown"
	StateOpen    State = "open"
	StateClosed  State = "closed"
)

const defaultProbeTimeout = 2 * time.Second

// Probe is one cached port check. LastCheckedAt records when the probe
// *started*, not when it resolved; the freshness guard compares start times.
type Probe struct {
	Port          int       `json:"port"`
	State         State     `json:"state"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	ProcessHint   string    `json:"owningProcessHint,omitempty"`
}

// dialFunc matches net.Dialer.DialContext; swapped out in tests.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Monitor owns the port-status cache. It is the only mutator; readers go
// through CheckPort/Peek.
type Monitor struct {
	mu      sync.RWMutex
	cache   map[int]Probe
	timeout time.Duration
	dial    dialFunc
	host    string
}

// New creates a Monitor probing localhost with the given per-probe timeout.
func New(timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	d := &net.Dialer{}
	return &Monitor{
		cache:   make(map[int]Probe),
		timeout: timeout,
		dial:    d.DialContext,
		host:    "127.0.0.1",
	}
}

// CheckPort probes a single port. The probe gets its own timeout context
// derived from ctx, so canceling one caller's probe never cancels another's.
// Timeout and connection-refused both report closed; they are results, not
// errors.
func (m *Monitor) CheckPort(ctx context.Context, port int) Probe {
	started := time.Now().UTC()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	state := StateClosed
	conn, err := m.dial(probeCtx, "tcp", net.JoinHostPort(m.host, fmt.Sprintf("%d", port)))
	if err == nil {
		conn.Close()
		state = StateOpen
	}

	return m.commit(Probe{Port: port, State: state, LastCheckedAt: started})
}

// CheckRange probes all ports concurrently and independently.
func (m *Monitor) CheckRange(ctx context.Context, ports []int) map[int]Probe {
	results := make(map[int]Probe, len(ports))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, port := range ports {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			probe := m.CheckPort(ctx, p)
			mu.Lock()
			results[p] = probe
			mu.Unlock()
		}(port)
	}
	wg.Wait()
	return results
}

// ResolveActualPort finds where a dev server actually landed: the configured
// port is checked first, then an ascending window of candidates, to follow
// servers that auto-increment past a busy default. Returns false if nothing
// in the window is open.
func (m *Monitor) ResolveActualPort(ctx context.Context, configured, searchWindow int) (int, bool) {
	for port := configured; port <= configured+searchWindow; port++ {
		if ctx.Err() != nil {
			return configured, false
		}
		if probe := m.CheckPort(ctx, port); probe.State == StateOpen {
			return port, true
		}
	}
	return configured, false
}

// Peek returns the cached probe for a port without issuing a new check.
func (m *Monitor) Peek(port int) (Probe, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	probe, ok := m.cache[port]
	return probe, ok
}

// commit stores a probe result unless the cache already holds a result from
// a probe that started later. Late-arriving stale results are discarded and
// the fresher cached entry is returned instead.
func (m *Monitor) commit(probe Probe) Probe {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.cache[probe.Port]; ok && cur.LastCheckedAt.After(probe.LastCheckedAt) {
		return cur
	}
	m.cache[probe.Port] = probe
	return probe
}
