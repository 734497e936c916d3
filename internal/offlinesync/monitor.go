package offlinesync

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber treats any answer below 500 from URL as connectivity.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, strings.TrimSpace(p.URL), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: probe status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

type ConnectivitySink interface {
	SetOnline(ctx context.Context, online bool) <-chan SyncReport
}

type MonitorOptions struct {
	Interval     time.Duration
	MaxInterval  time.Duration
	JitterRatio  float64
	ProbeTimeout time.Duration
	Logger       Logger
	Sample       func() float64
}

// Monitor probes connectivity and feeds the result to a sink. Online, probes
// run every Interval with jitter; offline, they back off exponentially up to
// MaxInterval.
type Monitor struct {
	prober       Prober
	sink         ConnectivitySink
	interval     time.Duration
	maxInterval  time.Duration
	jitterRatio  float64
	probeTimeout time.Duration
	logger       Logger
	sample       func() float64
}

func NewMonitor(prober Prober, sink ConnectivitySink, opts MonitorOptions) (*Monitor, error) {
	if prober == nil || sink == nil {
		return nil, fmt.Errorf("prober and sink are required")
	}
	m := &Monitor{
		prober:       prober,
		sink:         sink,
		interval:     opts.Interval,
		maxInterval:  opts.MaxInterval,
		jitterRatio:  ClampJitterRatio(opts.JitterRatio),
		probeTimeout: opts.ProbeTimeout,
		logger:       opts.Logger,
		sample:       opts.Sample,
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Second
	}
	if m.maxInterval < m.interval {
		m.maxInterval = 12 * m.interval
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 5 * time.Second
	}
	if m.sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		m.sample = rng.Float64
	}
	return m, nil
}

// Check probes once and reports the result to the sink.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	err := m.prober.Probe(probeCtx)
	cancel()
	online := err == nil
	if err != nil {
		m.logf("offlinesync: connectivity probe failed: %v", err)
	}
	m.sink.SetOnline(ctx, online)
	return online
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	offlineBackoff := backoff.NewExponentialBackOff()
	offlineBackoff.InitialInterval = m.interval
	offlineBackoff.MaxInterval = m.maxInterval
	offlineBackoff.MaxElapsedTime = 0
	offlineBackoff.Reset()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var wait time.Duration
		if m.Check(ctx) {
			offlineBackoff.Reset()
			wait = JitteredInterval(m.interval, m.jitterRatio, m.sample())
		} else {
			wait = offlineBackoff.NextBackOff()
			if wait == backoff.Stop || wait <= 0 {
				wait = m.maxInterval
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by up to ±jitterRatio; sample is in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
