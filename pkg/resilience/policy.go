package resilience

import (
	"math"
	"math/rand"
	"time"

	"github.com/keelworks/keel/pkg/config"
)

// Adaptation bounds.
const (
	maxAdaptedRetries = 10
	minAdaptedRetries = 1
	maxAdaptedDelay   = 300 * time.Second

	// adaptWindow is how many recent outcomes feed the per-category
	// success rate; adaptation waits until the window has this many
	// samples.
	adaptWindow = 20

	lowSuccessRate  = 0.5
	highSuccessRate = 0.95
)

// Policy controls retry behavior for one category. Policies are mutable:
// the engine widens them when a category keeps failing and tightens them
// when it is consistently healthy.
type Policy struct {
	MaxRetries    int           `json:"max_retries"`
	BaseDelay     time.Duration `json:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// PolicyFromConfig builds a policy from configuration
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Jitter:        cfg.Jitter,
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.BackoffFactor <= 1 {
		p.BackoffFactor = 2.0
	}
	return p
}

// Delay computes the backoff before retry number attempt (0-based). The
// deterministic component is base*factor^attempt capped at MaxDelay; jitter
// randomizes it by up to ±25% but never below zero.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		// Draw in [-0.25, +0.25].
		delay += delay * (rand.Float64()*0.5 - 0.25)
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// adapt widens or tightens the policy based on the category's recent
// success rate. Low success rates earn more retries and longer cooldowns;
// very high ones give headroom back.
func (p *Policy) adapt(successRate float64) {
	switch {
	case successRate < lowSuccessRate:
		if p.MaxRetries < maxAdaptedRetries {
			p.MaxRetries++
		}
		widened := time.Duration(float64(p.MaxDelay) * 1.5)
		if widened > maxAdaptedDelay {
			widened = maxAdaptedDelay
		}
		p.MaxDelay = widened
	case successRate > highSuccessRate:
		if p.MaxRetries > minAdaptedRetries {
			p.MaxRetries--
		}
	}
}
