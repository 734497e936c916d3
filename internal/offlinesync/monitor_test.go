package offlinesync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedProber struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.results) == 0 {
		return nil
	}
	err := p.results[0]
	p.results = p.results[1:]
	return err
}

type sinkRecorder struct {
	mu     sync.Mutex
	states []bool
	done   chan struct{}
	want   int
}

func (s *sinkRecorder) SetOnline(ctx context.Context, online bool) <-chan SyncReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, online)
	if len(s.states) == s.want {
		close(s.done)
	}
	return nil
}

func TestMonitorReportsProbeResults(t *testing.T) {
	prober := &scriptedProber{results: []error{nil, ErrUnreachable, ErrUnreachable, nil}}
	sink := &sinkRecorder{done: make(chan struct{}), want: 4}
	monitor, err := NewMonitor(prober, sink, MonitorOptions{
		Interval:    time.Millisecond,
		MaxInterval: 5 * time.Millisecond,
		JitterRatio: 0.2,
		Sample:      func() float64 { return 0.5 },
	})
	if err != nil {
		t.Fatalf("new monitor failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- monitor.Run(ctx) }()

	select {
	case <-sink.done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for probes")
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []bool{true, false, false, true}
	for i, online := range want {
		if sink.states[i] != online {
			t.Fatalf("expected states %v, got %v", want, sink.states)
		}
	}
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	prober := &HTTPProber{URL: server.URL, Client: server.Client()}
	if err := prober.Probe(context.Background()); err != nil {
		t.Fatalf("expected healthy probe, got %v", err)
	}
	status.Store(http.StatusBadGateway)
	if err := prober.Probe(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable for 502, got %v", err)
	}
}

func TestJitteredInterval(t *testing.T) {
	base := time.Second
	if got := JitteredInterval(base, 0, 0.9); got != base {
		t.Fatalf("expected base without jitter, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 0); !near(got, 800*time.Millisecond) {
		t.Fatalf("expected ~800ms at low sample, got %s", got)
	}
	if got := JitteredInterval(base, 0.2, 1); !near(got, 1200*time.Millisecond) {
		t.Fatalf("expected ~1200ms at high sample, got %s", got)
	}
	if got := JitteredInterval(base, 5, 0.5); got != base {
		t.Fatalf("expected clamped ratio midpoint to equal base, got %s", got)
	}
}

func near(got, want time.Duration) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Microsecond
}
