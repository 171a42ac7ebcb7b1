package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/itsneelabh/agentloop/core"
	"github.com/itsneelabh/agentloop/telemetry"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// FailureFilter decides which errors count toward the error rate.
type FailureFilter func(error) bool

// ToolFailureFilter counts only failures that say something about the
// tool's health. Caller mistakes (validation, not found, missing
// credentials) and cancellation by the caller do not trip the breaker.
func ToolFailureFilter(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, core.ErrCircuitOpen) {
		return false
	}
	switch Classify(err.Error(), "").ErrorCategory {
	case CategoryValidation, CategoryNotFound, CategoryAuthentication:
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics, usually the tool name.
	Name string

	// ErrorThreshold is the error rate (0.0 to 1.0) that opens the circuit.
	ErrorThreshold float64

	// VolumeThreshold is the minimum number of calls in the window before
	// the error rate is evaluated.
	VolumeThreshold int

	// SleepWindow is how long the circuit stays open before probing.
	SleepWindow time.Duration

	// HalfOpenRequests is the number of probe calls allowed while half-open.
	HalfOpenRequests int

	// WindowSize and BucketCount shape the sliding window.
	WindowSize  time.Duration
	BucketCount int

	Filter FailureFilter
	Logger core.Logger
}

// BreakerConfigFromCore builds a config for the named tool.
func BreakerConfigFromCore(name string, cfg core.ToolBreakerConfig, logger core.Logger) *CircuitBreakerConfig {
	c := DefaultConfig()
	c.Name = name
	c.ErrorThreshold = cfg.ErrorThreshold
	c.VolumeThreshold = cfg.VolumeThreshold
	c.SleepWindow = cfg.SleepWindow
	c.Logger = logger
	return c
}

// DefaultConfig returns the defaults used for tool breakers.
func DefaultConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 1,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		Filter:           ToolFailureFilter,
	}
}

// Validate checks the configuration.
func (c *CircuitBreakerConfig) Validate() error {
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be in (0,1], got %v: %w", c.ErrorThreshold, core.ErrInvalidConfiguration)
	}
	if c.VolumeThreshold <= 0 {
		return fmt.Errorf("volume threshold must be positive: %w", core.ErrInvalidConfiguration)
	}
	if c.SleepWindow <= 0 {
		return fmt.Errorf("sleep window must be positive: %w", core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker stops calling a tool whose recent calls mostly failed.
// Rejected calls fail fast with core.ErrCircuitOpen.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger core.Logger
	now    func() time.Time

	mu             sync.Mutex
	state          CircuitState
	stateChangedAt time.Time
	window         *SlidingWindow
	probes         int
	probeFailed    bool
}

// NewCircuitBreaker creates a breaker. A nil config uses DefaultConfig.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 60 * time.Second
	}
	if config.BucketCount <= 0 {
		config.BucketCount = 10
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 1
	}
	if config.Filter == nil {
		config.Filter = ToolFailureFilter
	}

	cb := &CircuitBreaker{
		config: config,
		logger: core.ComponentLogger(config.Logger, "agentloop/resilience"),
		now:    time.Now,
		state:  StateClosed,
	}
	cb.stateChangedAt = cb.now()
	cb.window = newSlidingWindow(config.WindowSize, config.BucketCount, cb.clock)
	return cb, nil
}

func (cb *CircuitBreaker) clock() time.Time { return cb.now() }

// Execute runs fn unless the circuit is open. A panic in fn is returned
// as an error and counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	halfOpen, ok := cb.allow()
	if !ok {
		telemetry.Counter("agentloop.tool.breaker_rejections", "tool", cb.config.Name)
		cb.logger.InfoWithContext(ctx, "Circuit breaker rejected call", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
		})
		return fmt.Errorf("tool %s: %w", cb.config.Name, core.ErrCircuitOpen)
	}

	err := cb.run(ctx, fn)
	cb.record(ctx, halfOpen, err)
	return err
}

func (cb *CircuitBreaker) run(ctx context.Context, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.ErrorWithContext(ctx, "Circuit breaker caught panic", map[string]interface{}{
				"operation": "circuit_breaker_panic",
				"name":      cb.config.Name,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			err = fmt.Errorf("panic in %s: %v", cb.config.Name, r)
		}
	}()
	return fn()
}

func (cb *CircuitBreaker) allow() (halfOpen bool, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.stateChangedAt) < cb.config.SleepWindow {
			return false, false
		}
		cb.transitionLocked(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenRequests {
			return true, false
		}
		cb.probes++
		return true, true
	}
	return false, false
}

func (cb *CircuitBreaker) record(ctx context.Context, halfOpen bool, err error) {
	counts := err != nil && cb.config.Filter(err)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if counts {
		cb.window.RecordFailure()
	} else if err == nil {
		cb.window.RecordSuccess()
	}

	if halfOpen && cb.state == StateHalfOpen {
		if counts {
			cb.probeFailed = true
		}
		cb.probes--
		if cb.probeFailed {
			cb.transitionLocked(StateOpen)
		} else if err == nil && cb.probes == 0 {
			cb.transitionLocked(StateClosed)
			cb.window.reset()
		}
	} else if cb.state == StateClosed && counts {
		success, failure := cb.window.GetCounts()
		total := success + failure
		if total >= uint64(cb.config.VolumeThreshold) &&
			float64(failure)/float64(total) >= cb.config.ErrorThreshold {
			cb.transitionLocked(StateOpen)
		}
	}

	if counts {
		cb.logger.DebugWithContext(ctx, "Tool failure recorded", map[string]interface{}{
			"operation":  "circuit_breaker_failure",
			"name":       cb.config.Name,
			"state":      cb.state.String(),
			"error_rate": cb.window.GetErrorRate(),
		})
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.stateChangedAt = cb.now()
	cb.probes = 0
	cb.probeFailed = false
	telemetry.Counter("agentloop.tool.breaker_transitions",
		"tool", cb.config.Name, "from", from.String(), "to", to.String())
	cb.logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":  "circuit_breaker_transition",
		"name":       cb.config.Name,
		"from_state": from.String(),
		"to_state":   to.String(),
	})
}

// GetState returns the current state name.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns a snapshot for health reporting.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	success, failure := cb.window.GetCounts()
	return map[string]interface{}{
		"name":       cb.config.Name,
		"state":      cb.state.String(),
		"success":    success,
		"failure":    failure,
		"error_rate": cb.window.GetErrorRate(),
	}
}

// Reset closes the circuit and clears the window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.window.reset()
}

type bucket struct {
	start   time.Time
	success uint64
	failure uint64
}

// SlidingWindow counts outcomes over a rolling time window split into
// buckets. It is not synchronized; the breaker's lock guards it.
type SlidingWindow struct {
	buckets    []bucket
	bucketSize time.Duration
	now        func() time.Time
}

func newSlidingWindow(size time.Duration, count int, now func() time.Time) *SlidingWindow {
	return &SlidingWindow{
		buckets:    make([]bucket, count),
		bucketSize: size / time.Duration(count),
		now:        now,
	}
}

func (sw *SlidingWindow) current() *bucket {
	now := sw.now()
	start := now.Truncate(sw.bucketSize)
	idx := int(start.UnixNano()/int64(sw.bucketSize)) % len(sw.buckets)
	if idx < 0 {
		idx = -idx
	}
	b := &sw.buckets[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

// RecordSuccess counts a successful call.
func (sw *SlidingWindow) RecordSuccess() { sw.current().success++ }

// RecordFailure counts a failed call.
func (sw *SlidingWindow) RecordFailure() { sw.current().failure++ }

// GetCounts sums the buckets still inside the window.
func (sw *SlidingWindow) GetCounts() (success, failure uint64) {
	cutoff := sw.now().Add(-sw.bucketSize * time.Duration(len(sw.buckets)))
	for _, b := range sw.buckets {
		if b.start.After(cutoff) {
			success += b.success
			failure += b.failure
		}
	}
	return success, failure
}

// GetErrorRate returns failures / total, or 0 with no traffic.
func (sw *SlidingWindow) GetErrorRate() float64 {
	s, f := sw.GetCounts()
	if s+f == 0 {
		return 0
	}
	return float64(f) / float64(s+f)
}

func (sw *SlidingWindow) reset() {
	for i := range sw.buckets {
		sw.buckets[i] = bucket{}
	}
}
