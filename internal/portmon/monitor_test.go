package portmon

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func TestCheckPort_OpenAndClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	openPort := ln.Addr().(*net.TCPAddr).Port

	m := New(500 * time.Millisecond)

	probe := m.CheckPort(context.Background(), openPort)
	if probe.State != StateOpen {
		t.Errorf("expected port %d open, got %s", openPort, probe.State)
	}

	ln.Close()
	// Give the OS a moment to release the listener.
	time.Sleep(50 * time.Millisecond)

	probe = m.CheckPort(context.Background(), openPort)
	if probe.State != StateClosed {
		t.Errorf("expected port %d closed after listener shutdown, got %s", openPort, probe.State)
	}
}

func TestCommit_RejectsStaleResult(t *testing.T) {
	m := New(time.Second)

	base := time.Now().UTC()

	// Probe A starts at t=0 but resolves slowly; probe B starts at t=50ms
	// and commits first. A's later-arriving result must not overwrite B's.
	probeA := Probe{Port: 3000, State: StateClosed, LastCheckedAt: base}
	probeB := Probe{Port: 3000, State: StateOpen, LastCheckedAt: base.Add(50 * time.Millisecond)}

	got := m.commit(probeB)
	if got.State != StateOpen {
		t.Fatalf("expected B's result committed, got %s", got.State)
	}

	got = m.commit(probeA)
	if got.State != StateOpen {
		t.Errorf("stale probe A overwrote fresher result: got %s", got.State)
	}

	cached, ok := m.Peek(3000)
	if !ok {
		t.Fatal("expected cached probe for port 3000")
	}
	if cached.State != StateOpen || !cached.LastCheckedAt.Equal(probeB.LastCheckedAt) {
		t.Errorf("cache holds stale entry: %+v", cached)
	}
}

func TestCheckPort_IndependentCancellation(t *testing.T) {
	m := New(5 * time.Second)

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	m.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		started <- struct{}{}
		select {
		case <-release:
			c, _ := net.Pipe()
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	ctxB := context.Background()

	var wg sync.WaitGroup
	var probeA, probeB Probe
	wg.Add(2)
	go func() { defer wg.Done(); probeA = m.CheckPort(ctxA, 4000) }()
	go func() { defer wg.Done(); probeB = m.CheckPort(ctxB, 4001) }()

	<-started
	<-started

	// Canceling A must not disturb B's in-flight probe.
	cancelA()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if probeA.State != StateClosed {
		t.Errorf("canceled probe A: expected closed, got %s", probeA.State)
	}
	if probeB.State != StateOpen {
		t.Errorf("probe B was disturbed by A's cancellation: got %s", probeB.State)
	}
}

func TestCheckRange_ProbesAllPorts(t *testing.T) {
	m := New(time.Second)
	m.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, portStr, _ := net.SplitHostPort(addr)
		if portStr == "5001" {
			c, _ := net.Pipe()
			return c, nil
		}
		return nil, &net.OpError{Op: "dial"}
	}

	results := m.CheckRange(context.Background(), []int{5000, 5001, 5002})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[5001].State != StateOpen {
		t.Errorf("expected 5001 open, got %s", results[5001].State)
	}
	if results[5000].State != StateClosed || results[5002].State != StateClosed {
		t.Errorf("expected 5000/5002 closed, got %s/%s", results[5000].State, results[5002].State)
	}
}

func TestResolveActualPort_FollowsIncrement(t *testing.T) {
	m := New(time.Second)
	m.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		_, portStr, _ := net.SplitHostPort(addr)
		// Dev server wanted 3000 but landed on 3002.
		if portStr == "3002" {
			c, _ := net.Pipe()
			return c, nil
		}
		return nil, &net.OpError{Op: "dial"}
	}

	port, ok := m.ResolveActualPort(context.Background(), 3000, 5)
	if !ok {
		t.Fatal("expected a port to be resolved")
	}
	if port != 3002 {
		t.Errorf("expected 3002, got %d", port)
	}

	m.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial"}
	}
	if _, ok := m.ResolveActualPort(context.Background(), 4000, 3); ok {
		t.Error("expected resolution failure when nothing is open")
	}
}
