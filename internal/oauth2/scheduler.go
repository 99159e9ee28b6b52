package oauth2

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/common/logging"
)

const (
	// DefaultLookahead is how far ahead the proactive sweep looks for expiring tokens.
	DefaultLookahead = 10 * time.Minute

	sweepBatchSize = 100
	sweepTimeout   = 5 * time.Minute
)

// SweepResult summarises one proactive refresh pass.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Refreshed  int `json:"refreshed"`
	Failed     int `json:"failed"`
}

// Scheduler refreshes tokens shortly before they expire so request paths rarely
// have to. Its refreshes go through the coordinator and so never race a
// request-driven refresh of the same principal.
type Scheduler struct {
	cron        *cron.Cron
	store       TokenStore
	coordinator *Coordinator
	lookahead   time.Duration
	now         func() time.Time
	audit       audit.Sink
	logger      logging.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler registers the sweep on schedule, a robfig/cron expression such as "@every 1m".
func NewScheduler(store TokenStore, coordinator *Coordinator, schedule string, lookahead time.Duration, sink audit.Sink, logger logging.Logger) (*Scheduler, error) {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	logger = logger.WithFields(logging.String("component", "refresh_scheduler"))
	cronLog := cronLogger{logger: logger}

	s := &Scheduler{
		cron:        cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
		store:       store,
		coordinator: coordinator,
		lookahead:   lookahead,
		now:         time.Now,
		audit:       sink,
		logger:      logger,
	}

	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, (&errors.AppError{Type: errors.ErrTypeConfig, Message: "invalid proactive refresh schedule", Cause: err}).
			WithContext("schedule", schedule)
	}
	return s, nil
}

// Start begins running the sweep in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Proactive refresh scheduler started", logging.Duration("lookahead", s.lookahead))
}

// Stop stops scheduling and waits for a running sweep, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("Previous sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Proactive refresh sweep failed", err)
	}
}

// Sweep refreshes every principal whose token expires within the lookahead.
// Individual failures are counted and audited by the refresher; only a store
// failure aborts the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	principals, err := s.store.ExpiringBefore(ctx, s.now().Add(s.lookahead), sweepBatchSize)
	if err != nil {
		return result, err
	}
	result.Candidates = len(principals)

	for _, principalID := range principals {
		if ctx.Err() != nil {
			break
		}
		pctx := logging.ContextWithPrincipal(ctx, principalID)
		if _, err := s.coordinator.RefreshIfExpiring(pctx, principalID, s.lookahead); err != nil {
			result.Failed++
			s.logger.Warn("Proactive refresh failed",
				logging.String("principal_id", principalID),
				logging.String("kind", KindOf(err).String()))
			continue
		}
		result.Refreshed++
	}

	if result.Candidates > 0 {
		s.audit.LogEvent(ctx, audit.CategorySystem, "proactive_refresh_sweep", map[string]interface{}{
			"candidates": result.Candidates,
			"refreshed":  result.Refreshed,
			"failed":     result.Failed,
		})
	}
	return result, nil
}

// cronLogger routes cron's own logging into the structured logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, pairs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, err, pairs(keysAndValues)...)
}

func pairs(keysAndValues []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logging.Any(key, keysAndValues[i+1]))
	}
	return fields
}
