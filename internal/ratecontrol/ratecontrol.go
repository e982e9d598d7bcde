package ratecontrol

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is a token-bucket rate for one upstream.
type Limit struct {
	RPS   float64
	Burst int
}

// Unlimited means no pacing.
var Unlimited = Limit{}

func (l Limit) limiter() *rate.Limiter {
	if l.RPS <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(l.RPS), burst)
}

// Combine returns the tighter of two limits. A zero RPS means unset.
func Combine(a, b Limit) Limit {
	out := Limit{RPS: minPositive(a.RPS, b.RPS), Burst: int(minPositive(float64(a.Burst), float64(b.Burst)))}
	if out.RPS == 0 {
		out.RPS = math.Max(a.RPS, b.RPS)
	}
	return out
}

// Pacer spaces out requests per upstream key (a source id, or "llm").
// Keys without a configured limit are not paced.
type Pacer struct {
	mu       sync.RWMutex
	limits   map[string]Limit
	limiters map[string]*rate.Limiter
}

// NewPacer builds a pacer from per-key limits.
func NewPacer(limits map[string]Limit) *Pacer {
	p := &Pacer{}
	p.Update(limits)
	return p
}

// Update swaps in new limits. Limiters whose limit did not change keep their
// token state so a config reload does not hand out a fresh burst.
func (p *Pacer) Update(limits map[string]Limit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]*rate.Limiter, len(limits))
	for key, l := range limits {
		if old, ok := p.limiters[key]; ok && p.limits[key] == l {
			next[key] = old
			continue
		}
		next[key] = l.limiter()
	}
	p.limits = make(map[string]Limit, len(limits))
	for k, v := range limits {
		p.limits[k] = v
	}
	p.limiters = next
}

// Wait blocks until key may issue one request or ctx ends.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	if p == nil {
		return ctx.Err()
	}
	p.mu.RLock()
	lim, ok := p.limiters[key]
	p.mu.RUnlock()
	if !ok {
		return ctx.Err()
	}
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("pacing %s: %w", key, err)
	}
	return nil
}

// Delay is how long the next request for key would wait right now, without reserving it.
func (p *Pacer) Delay(key string) time.Duration {
	p.mu.RLock()
	lim, ok := p.limiters[key]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	r := lim.Reserve()
	defer r.Cancel()
	return r.Delay()
}

// Limit returns the configured limit for key.
func (p *Pacer) Limit(key string) (Limit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.limits[key]
	return l, ok
}

// PerMinute converts a requests-per-minute figure, as LLM providers publish them.
func PerMinute(rpm int) Limit {
	if rpm <= 0 {
		return Unlimited
	}
	return Limit{RPS: float64(rpm) / 60, Burst: 1}
}

func minPositive(a, b float64) float64 {
	switch {
	case a <= 0 && b <= 0:
		return 0
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return math.Min(a, b)
	}
}
