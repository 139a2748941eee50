// Package network tracks whether the remote backend is reachable.
package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Probe reports nil when the remote is reachable.
type Probe func(ctx context.Context) error

type Pinger interface {
	Ping(ctx context.Context) error
}

func RemoteProbe(p Pinger) Probe {
	return p.Ping
}

// HTTPProbe treats any response below 500 as reachable.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// Monitor polls a probe and fans out online/offline transitions. Platform
// events can be pushed with Set between polls.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration

	online atomic.Bool

	mu   sync.Mutex
	subs []chan bool
}

func NewMonitor(probe Probe, interval time.Duration, initial bool) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &Monitor{
		probe:    probe,
		interval: interval,
		timeout:  interval,
	}
	m.online.Store(initial)
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Subscribe returns a channel that receives the new state on every
// transition. Only the latest state is buffered.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Set records a state reported by the platform. It returns true when the
// state changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online.Swap(online) == online {
		return false
	}
	log.Info().Str("component", "network").Bool("online", online).Msg("connectivity changed")
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
	return true
}

// Check runs the probe once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.Online()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		log.Debug().Err(err).Str("component", "network").Msg("probe failed")
	}
	m.Set(err == nil)
	return err == nil
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
