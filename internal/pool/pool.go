package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/metrics"
	"github.com/slugsec/deskd/internal/remote"
)

// ErrExhausted is returned when no channel becomes available within the
// caller's wait. Retryable.
var ErrExhausted = errors.New("connection pool exhausted")

// Pool is a bounded set of reusable control channels to one host. Channels
// are validated on both checkout and checkin; a dead channel is closed and
// its capacity slot freed so a replacement can be dialed.
//
// The mutex guards only the live count: it decides "serve from idle",
// "dial a new one", or "wait", and is never held across a dial, a wait, or
// a liveness check against the network.
type Pool struct {
	host string
	dial remote.DialFunc
	cap  int

	mu   sync.Mutex
	live int

	idle chan remote.Channel
	log  *zap.Logger
}

func New(host string, capacity int, dial remote.DialFunc, log *zap.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		host: host,
		dial: dial,
		cap:  capacity,
		idle: make(chan remote.Channel, capacity),
		log:  log.Named("pool").With(zap.String("host", host)),
	}
}

// Acquire returns a live channel, dialing a new one while under the cap and
// otherwise waiting up to wait for a release. The returned channel is owned
// exclusively by the caller until Release or Invalidate.
func (p *Pool) Acquire(ctx context.Context, wait time.Duration) (remote.Channel, error) {
	start := time.Now()
	ch, err := p.acquire(ctx, wait)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrExhausted) {
			status = "exhausted"
		}
	}
	metrics.Default().IncCounter("deskd_pool_acquire_total", map[string]string{"host": p.host, "status": status})
	metrics.Default().ObserveHistogram("deskd_pool_wait_ms", float64(time.Since(start).Milliseconds()), map[string]string{"host": p.host})
	return ch, err
}

func (p *Pool) acquire(ctx context.Context, wait time.Duration) (remote.Channel, error) {
	deadline := time.Now().Add(wait)

	for {
		// Fast path: an idle channel that still answers.
		select {
		case ch := <-p.idle:
			if err := ch.Ping(); err == nil {
				return ch, nil
			}
			p.retire(ch)
			continue
		default:
		}

		p.mu.Lock()
		if p.live < p.cap {
			p.live++
			p.mu.Unlock()
			ch, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, fmt.Errorf("open channel to %s: %w", p.host, err)
			}
			return ch, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", ErrExhausted, p.host)
		}
		timer := time.NewTimer(remaining)
		select {
		case ch := <-p.idle:
			timer.Stop()
			if err := ch.Ping(); err == nil {
				return ch, nil
			}
			p.retire(ch)
			// A slot just freed; loop around and dial a replacement.
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrExhausted, p.host)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Release returns a channel to the idle set if it still answers, otherwise
// retires it.
func (p *Pool) Release(ch remote.Channel) {
	if ch == nil {
		return
	}
	if err := ch.Ping(); err != nil {
		p.log.Debug("retiring dead channel on checkin", zap.Error(err))
		p.retire(ch)
		return
	}
	select {
	case p.idle <- ch:
	default:
		// Idle capacity equals the cap, so this only happens if a caller
		// released a channel it never acquired. Drop it.
		p.retire(ch)
	}
}

// Invalidate discards a channel known to be broken without returning it to
// the idle set.
func (p *Pool) Invalidate(ch remote.Channel) {
	if ch == nil {
		return
	}
	p.retire(ch)
}

func (p *Pool) retire(ch remote.Channel) {
	_ = ch.Close()
	p.mu.Lock()
	if p.live > 0 {
		p.live--
	}
	p.mu.Unlock()
}

// Live reports the number of open channels, idle and checked out.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Close drains and closes all idle channels. Checked-out channels are closed
// by their holders via Release/Invalidate.
func (p *Pool) Close() {
	for {
		select {
		case ch := <-p.idle:
			p.retire(ch)
		default:
			return
		}
	}
}
