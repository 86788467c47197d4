package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

// FailoverController holds the process-wide failover state. All provider
// instances (main path and analysis path) share one controller, so a
// primary outage observed by either routes everything to the emergency
// endpoint until recovery.
type FailoverController struct {
	active        atomic.Bool
	recoveryDelay time.Duration
	logger        *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
	probe func(ctx context.Context) error
}

// NewFailoverController creates a controller. The recovery timer fires
// after recoveryDelay and probes the primary endpoint.
func NewFailoverController(recoveryDelay time.Duration, logger *zap.Logger) *FailoverController {
	if recoveryDelay <= 0 {
		recoveryDelay = 5 * time.Minute
	}
	return &FailoverController{
		recoveryDelay: recoveryDelay,
		logger:        logger,
	}
}

// SetProbe installs the primary health probe used by the recovery timer.
func (f *FailoverController) SetProbe(probe func(ctx context.Context) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe = probe
}

// Active reports whether requests route to the emergency provider.
func (f *FailoverController) Active() bool {
	return f.active.Load()
}

// Activate flips the flag and arms the recovery timer. Repeated activation
// while already active does not re-arm; the timer prevents thrashing.
func (f *FailoverController) Activate() {
	if !f.active.CompareAndSwap(false, true) {
		return
	}
	f.logger.Warn("LLM failover activated",
		zap.Duration("recovery_delay", f.recoveryDelay))
	f.armTimer()
}

// Deactivate clears the flag and cancels any pending recovery probe.
func (f *FailoverController) Deactivate() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()
	f.active.Store(false)
}

// Close stops the recovery timer.
func (f *FailoverController) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *FailoverController) armTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.recoveryDelay, f.testRecovery)
}

func (f *FailoverController) testRecovery() {
	f.mu.Lock()
	probe := f.probe
	f.mu.Unlock()

	if probe != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := probe(ctx)
		cancel()
		if err != nil {
			f.logger.Warn("Primary endpoint still failing, failover stays active",
				zap.Error(err))
			f.armTimer()
			return
		}
	}

	f.active.Store(false)
	f.logger.Info("Primary endpoint recovered, failover deactivated")
}

// isFailoverTrigger reports whether a primary-path error should activate
// failover: 5xx responses, timeouts, and connection failures. Client-side
// errors (auth, rate limit, validation) never fail over.
func isFailoverTrigger(err error) bool {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeUpstream, apperrors.CodeTimeout:
		return true
	default:
		return false
	}
}
