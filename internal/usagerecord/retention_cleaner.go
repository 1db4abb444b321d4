package usagerecord

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultRetentionInterval   = 1 * time.Hour
	defaultRetentionMaxRuntime = 15 * time.Second
)

// RetentionFunc enforces a policy, typically Store.ApplyRetention or a storage
// backend's equivalent.
type RetentionFunc func(ctx context.Context, policy RetentionPolicy) (RetentionResult, error)

// RetentionCleaner periodically enforces a retention policy.
// The policy can be swapped at runtime, for example on config reload; a nil policy
// pauses enforcement.
type RetentionCleaner struct {
	apply RetentionFunc

	policy atomic.Pointer[RetentionPolicy]

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}

	interval     time.Duration
	initialDelay time.Duration
	maxRuntime   time.Duration
}

// NewRetentionCleaner creates a cleaner that calls apply every interval with the
// active policy. A non-positive interval falls back to one hour.
func NewRetentionCleaner(apply RetentionFunc, policy *RetentionPolicy, interval time.Duration) *RetentionCleaner {
	if interval <= 0 {
		interval = defaultRetentionInterval
	}
	cleaner := &RetentionCleaner{
		apply:      apply,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		interval:   interval,
		maxRuntime: defaultRetentionMaxRuntime,
		// Initial delay avoids startup spikes. Keep deterministic and bounded.
		initialDelay: 1*time.Minute + time.Duration(time.Now().UnixNano()%int64(2*time.Minute)),
	}
	cleaner.UpdatePolicy(policy)
	return cleaner
}

// Start launches the background loop. It is a no-op after Stop.
func (c *RetentionCleaner) Start() {
	if c == nil {
		return
	}
	c.startOnce.Do(func() {
		go c.loop()
	})
}

// Stop ends the loop and waits for an in-flight sweep to finish. Safe to call
// more than once, and before Start.
func (c *RetentionCleaner) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	// Claims startOnce when the loop never ran, so a later Start stays a no-op.
	c.startOnce.Do(func() {
		close(c.done)
	})
	<-c.done
}

// Policy returns a copy of the active policy, or nil when enforcement is paused.
func (c *RetentionCleaner) Policy() *RetentionPolicy {
	if c == nil {
		return nil
	}
	p := c.policy.Load()
	if p == nil {
		return nil
	}
	cp := p.Clone()
	return &cp
}

// UpdatePolicy swaps the active policy and returns the previous one.
func (c *RetentionCleaner) UpdatePolicy(policy *RetentionPolicy) (previous *RetentionPolicy) {
	if c == nil {
		return nil
	}
	var next *RetentionPolicy
	if policy != nil {
		cp := policy.Clone()
		next = &cp
	}
	return c.policy.Swap(next)
}

func (c *RetentionCleaner) loop() {
	defer close(c.done)

	timer := time.NewTimer(c.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
			c.runOnce()
			timer.Reset(c.interval)
		}
	}
}

func (c *RetentionCleaner) runOnce() {
	if c == nil || c.apply == nil {
		return
	}

	policy := c.policy.Load()
	if policy == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.maxRuntime)
	defer cancel()

	result, err := c.apply(ctx, *policy)
	if err != nil {
		if ctx.Err() != nil {
			log.WithError(err).Debug("usage record retention cleanup timed out")
			return
		}
		log.WithError(err).Warn("usage record retention cleanup failed")
		return
	}

	if result.Deleted > 0 {
		log.WithFields(log.Fields{
			"deleted":      result.Deleted,
			"remaining":    result.Remaining,
			"freed_bytes":  result.FreedBytesEstimate,
			"elapsed_ms":   result.ElapsedMs,
			"default_days": policy.DefaultRetentionDays,
		}).Info("usage record retention cleanup")
	}
}
