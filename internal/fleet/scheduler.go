package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/config"
	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/model"
	"github.com/slugsec/deskd/internal/pool"
	"github.com/slugsec/deskd/internal/remote"
)

var ErrNoHealthyHosts = errors.New("no healthy hosts available")

// DialerFor builds the channel dialer for one configured host. Injected so
// tests and fake mode never touch the network.
type DialerFor func(h config.Host) remote.DialFunc

// Scheduler owns one channel pool per fleet host plus the per-host
// active-session counters and health flags.
//
// One coarse lock covers all counters and health flags: scheduling happens
// once per session create/destroy, so contention is negligible and a single
// lock removes any ordering hazard between hosts.
type Scheduler struct {
	hosts      []config.Host
	pools      map[string]*pool.Pool
	image      string
	cmdTimeout time.Duration

	mu     sync.Mutex
	counts map[string]int
	health map[string]bool

	bus *events.Bus
	log *zap.Logger
}

type Options struct {
	Hosts          []config.Host
	PoolCap        int
	Image          string
	CommandTimeout time.Duration
	Dialer         DialerFor
}

func New(opts Options, bus *events.Bus, log *zap.Logger) *Scheduler {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	s := &Scheduler{
		hosts:      opts.Hosts,
		pools:      make(map[string]*pool.Pool, len(opts.Hosts)),
		image:      opts.Image,
		cmdTimeout: opts.CommandTimeout,
		counts:     make(map[string]int, len(opts.Hosts)),
		health:     make(map[string]bool, len(opts.Hosts)),
		bus:        bus,
		log:        log.Named("fleet"),
	}
	for _, h := range opts.Hosts {
		s.pools[h.Hostname] = pool.New(h.Hostname, opts.PoolCap, opts.Dialer(h), log)
		s.health[h.Hostname] = true
	}
	s.log.Info("fleet initialized", zap.Int("hosts", len(opts.Hosts)))
	return s
}

// SelectHost picks the healthy host with the fewest active sessions. Ties
// go to the host listed first in configuration.
func (s *Scheduler) SelectHost() (config.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best config.Host
	bestCount := -1
	for _, h := range s.hosts {
		if !s.health[h.Hostname] {
			continue
		}
		c := s.counts[h.Hostname]
		if bestCount < 0 || c < bestCount {
			best = h
			bestCount = c
		}
	}
	if bestCount < 0 {
		return config.Host{}, ErrNoHealthyHosts
	}
	return best, nil
}

func (s *Scheduler) ReserveSlot(hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[hostname]++
	s.log.Debug("slot reserved", zap.String("host", hostname), zap.Int("active", s.counts[hostname]))
}

func (s *Scheduler) ReleaseSlot(hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts[hostname] > 0 {
		s.counts[hostname]--
	}
	s.log.Debug("slot released", zap.String("host", hostname), zap.Int("active", s.counts[hostname]))
}

// MarkUnhealthy takes a host out of scheduling. Sticky: only an explicit
// admin MarkHealthy brings it back.
func (s *Scheduler) MarkUnhealthy(hostname, reason string) {
	s.mu.Lock()
	already := !s.health[hostname]
	s.health[hostname] = false
	s.mu.Unlock()
	if already {
		return
	}
	s.bus.Publish(events.KindHostUnhealthy, model.LevelWarning, "",
		fmt.Sprintf("host %s marked unhealthy: %s", hostname, reason),
		map[string]string{"hostname": hostname, "reason": reason})
}

func (s *Scheduler) MarkHealthy(hostname string) {
	s.mu.Lock()
	s.health[hostname] = true
	s.mu.Unlock()
	s.bus.Publish(events.KindHostHealthy, model.LevelInfo, "",
		fmt.Sprintf("host %s marked healthy", hostname),
		map[string]string{"hostname": hostname})
}

// Pool returns the channel pool for a host, or nil for an unknown hostname.
func (s *Scheduler) Pool(hostname string) *pool.Pool {
	return s.pools[hostname]
}

func (s *Scheduler) HostByName(hostname string) (config.Host, bool) {
	for _, h := range s.hosts {
		if h.Hostname == hostname {
			return h, true
		}
	}
	return config.Host{}, false
}

// Snapshot returns the per-host counters and health for the admin surface.
func (s *Scheduler) Snapshot() []model.HostStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.HostStatus, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, model.HostStatus{
			Hostname:       h.Hostname,
			DisplayHost:    h.PublicHost,
			ActiveSessions: s.counts[h.Hostname],
			Healthy:        s.health[h.Hostname],
		})
	}
	return out
}

type ProbeResult struct {
	Hostname string `json:"hostname"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// ProbeAll verifies every host sequentially: channel dialable, engine
// answering, desktop image present. Any failure marks the host unhealthy
// before scheduling starts. Runs at startup and on admin demand.
func (s *Scheduler) ProbeAll(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, 0, len(s.hosts))
	for _, h := range s.hosts {
		err := s.probeHost(ctx, h)
		r := ProbeResult{Hostname: h.Hostname, Healthy: err == nil}
		if err != nil {
			r.Error = err.Error()
			s.MarkUnhealthy(h.Hostname, err.Error())
		} else {
			s.mu.Lock()
			s.health[h.Hostname] = true
			s.mu.Unlock()
		}
		results = append(results, r)
	}
	healthy := 0
	for _, r := range results {
		if r.Healthy {
			healthy++
		}
	}
	s.bus.Publish(events.KindProbeCompleted, model.LevelInfo, "",
		fmt.Sprintf("fleet probe completed: %d/%d hosts healthy", healthy, len(results)),
		map[string]string{"healthy": fmt.Sprintf("%d", healthy), "total": fmt.Sprintf("%d", len(results))})
	return results
}

func (s *Scheduler) probeHost(ctx context.Context, h config.Host) error {
	p := s.pools[h.Hostname]
	ch, err := p.Acquire(ctx, 5*time.Second)
	if err != nil {
		return fmt.Errorf("control channel: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cmdTimeout)
	defer cancel()
	if err := remote.CheckEngine(ctx, ch); err != nil {
		p.Invalidate(ch)
		return err
	}
	if err := remote.CheckImage(ctx, ch, s.image); err != nil {
		p.Release(ch)
		return err
	}
	p.Release(ch)
	return nil
}

// Close shuts down every host's channel pool.
func (s *Scheduler) Close() {
	for _, p := range s.pools {
		p.Close()
	}
}
