package oauth2

import (
	"context"
	"fmt"
	"sync"
	"time"

	"token-keeper/internal/audit"
	"token-keeper/internal/common/errors"
	"token-keeper/internal/common/logging"
	"token-keeper/internal/common/utils"
	"token-keeper/internal/locks"
	"token-keeper/internal/metrics"
)

const (
	// DefaultRefreshBuffer is how long before expiry a token counts as stale.
	DefaultRefreshBuffer = 5 * time.Minute
	// DefaultRefreshWait bounds how long a caller waits on someone else's refresh.
	DefaultRefreshWait = 30 * time.Second

	defaultRefreshTimeout = 2 * time.Minute
	defaultLockTTL        = time.Minute
)

// Locker provides cross-process mutual exclusion. locks.RedsyncLocker implements it.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (locks.Lock, bool, error)
}

// flight is one in-progress refresh for a principal. done is closed after
// token and err are set and the flight has left the map.
type flight struct {
	done  chan struct{}
	token *Token
	err   error
}

// principalGuard serializes every write to one principal's token. refs counts
// holders and waiters so idle guards can be dropped.
type principalGuard struct {
	sem  chan struct{}
	refs int
}

type refreshRequest struct {
	// stale is the access credential the caller saw; a different one in the store means someone refreshed already.
	stale  string
	force  bool
	window time.Duration
}

// Coordinator makes sure at most one refresh per principal is in flight in
// this process, and with a Locker across processes too. Every caller that
// found the token stale observes the refreshed token once the flight lands.
type Coordinator struct {
	store     TokenStore
	refresher *Refresher
	locker    Locker

	buffer         time.Duration
	waitTimeout    time.Duration
	refreshTimeout time.Duration
	lockTTL        time.Duration
	poll           utils.Backoff
	sleep          utils.Sleeper
	now            func() time.Time

	audit   audit.Sink
	metrics metrics.Recorder
	logger  logging.Logger

	mu      sync.Mutex
	flights map[string]*flight
	guards  map[string]*principalGuard
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLocker adds a cross-process lock around each refresh.
func WithLocker(l Locker) CoordinatorOption {
	return func(c *Coordinator) { c.locker = l }
}

// WithRefreshBuffer sets how long before expiry a token counts as stale. Negative values are ignored.
func WithRefreshBuffer(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d >= 0 {
			c.buffer = d
		}
	}
}

// WithRefreshWait bounds how long a caller polls for another process to finish a refresh.
func WithRefreshWait(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// WithCoordinatorSleeper replaces the sleeper used while polling.
func WithCoordinatorSleeper(s utils.Sleeper) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = s }
}

// WithCoordinatorClock replaces the clock used for staleness checks.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// WithCoordinatorAudit sets the sink for install and revoke events.
func WithCoordinatorAudit(sink audit.Sink) CoordinatorOption {
	return func(c *Coordinator) { c.audit = sink }
}

// WithCoordinatorMetrics sets the metrics recorder.
func WithCoordinatorMetrics(m metrics.Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator reading and writing tokens in store.
func NewCoordinator(store TokenStore, refresher *Refresher, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:          store,
		refresher:      refresher,
		buffer:         DefaultRefreshBuffer,
		waitTimeout:    DefaultRefreshWait,
		refreshTimeout: defaultRefreshTimeout,
		lockTTL:        defaultLockTTL,
		poll:           utils.PollBackoff(),
		sleep:          utils.Sleep,
		now:            time.Now,
		audit:          audit.NopSink{},
		metrics:        metrics.NewNoopMetrics(),
		logger:         logging.GetGlobalLogger(),
		flights:        make(map[string]*flight),
		guards:         make(map[string]*principalGuard),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(logging.String("component", "refresh_coordinator"))
	return c
}

// Current returns a token for principalID that is usable now, refreshing it
// first when it is inside the refresh buffer.
func (c *Coordinator) Current(ctx context.Context, principalID string) (*Token, error) {
	tok, err := c.load(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !tok.NeedsRefresh(c.now(), c.buffer) {
		return tok, nil
	}
	if !tok.CanRefresh() && !tok.Expired(c.now()) {
		// Nothing to refresh with, but the access credential still works.
		return tok, nil
	}
	return c.refresh(ctx, principalID, refreshRequest{stale: tok.AccessToken, window: c.buffer})
}

// ForceRefresh refreshes after the provider rejected staleAccess. If another
// caller already replaced that credential the replacement is returned instead.
func (c *Coordinator) ForceRefresh(ctx context.Context, principalID, staleAccess string) (*Token, error) {
	return c.refresh(ctx, principalID, refreshRequest{stale: staleAccess, force: true, window: c.buffer})
}

// RefreshIfExpiring refreshes when the current token expires within window.
// The proactive scheduler uses it with a window wider than the request buffer.
func (c *Coordinator) RefreshIfExpiring(ctx context.Context, principalID string, window time.Duration) (*Token, error) {
	tok, err := c.load(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !tok.NeedsRefresh(c.now(), window) {
		return tok, nil
	}
	return c.refresh(ctx, principalID, refreshRequest{stale: tok.AccessToken, window: window})
}

// Refreshing reports whether a refresh for principalID is in flight in this process.
func (c *Coordinator) Refreshing(principalID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flights[principalID]
	return ok
}

// Token returns the stored current token without refreshing it.
func (c *Coordinator) Token(ctx context.Context, principalID string) (*Token, error) {
	tok, err := c.store.Latest(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, errors.NotFoundError("token")
	}
	return tok, nil
}

// Install persists the result of an authorization-code exchange as a new
// record, which becomes the principal's current token.
func (c *Coordinator) Install(ctx context.Context, principalID string, resp *TokenResponse) (*Token, error) {
	if principalID == "" {
		return nil, errors.ValidationError("principal is required")
	}

	unlock, err := c.lockPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tok := NewToken(principalID, resp, c.now())
	if err := c.store.Save(ctx, tok); err != nil {
		return nil, err
	}

	c.audit.LogEvent(ctx, audit.CategoryAuthentication, "token_issued", map[string]interface{}{
		"principal_id": principalID,
		"token_id":     tok.ID,
		"scope":        tok.Scope,
		"expires_at":   tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return tok, nil
}

// Revoke soft-revokes the principal's current token by expiring it now.
// A refresh in flight lands first; one that starts later sees the revocation.
func (c *Coordinator) Revoke(ctx context.Context, principalID, reason string) error {
	unlock, err := c.lockPrincipal(ctx, principalID)
	if err != nil {
		return err
	}
	defer unlock()

	tok, err := c.store.Latest(ctx, principalID)
	if err != nil {
		return err
	}
	if tok == nil {
		return errors.NotFoundError("token")
	}
	if tok.Revoked() {
		return nil
	}

	tok.Revoke(c.now())
	if err := c.store.Save(ctx, tok); err != nil {
		return err
	}

	c.metrics.RecordRevocation(reason)
	c.audit.LogEvent(ctx, audit.CategorySecurity, "token_revoked", map[string]interface{}{
		"principal_id": principalID,
		"token_id":     tok.ID,
		"reason":       reason,
	})
	return nil
}

// load returns the stored token or a classified error asking for reauthentication.
func (c *Coordinator) load(ctx context.Context, principalID string) (*Token, error) {
	tok, err := c.store.Latest(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, newClassified(KindTokenExchange, "no token stored for principal", nil)
	}
	if tok.Revoked() {
		return nil, newClassified(KindAccessRevoked, "token was revoked", nil)
	}
	return tok, nil
}

// refresh joins the principal's flight, starting one if none is running, and waits for it.
func (c *Coordinator) refresh(ctx context.Context, principalID string, req refreshRequest) (*Token, error) {
	c.mu.Lock()
	f, ok := c.flights[principalID]
	if !ok {
		f = &flight{done: make(chan struct{})}
		c.flights[principalID] = f
		// The flight outlives any single caller; it keeps ctx values but not its cancellation.
		go c.fly(context.WithoutCancel(ctx), principalID, req, f)
	}
	c.mu.Unlock()

	return c.wait(ctx, principalID, f)
}

func (c *Coordinator) fly(ctx context.Context, principalID string, req refreshRequest, f *flight) {
	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			f.token = nil
			f.err = errors.InternalError("token refresh panicked", fmt.Errorf("%v", r)).
				WithContext("principal_id", principalID)
			c.logger.Error("Recovered from refresh panic", f.err, logging.String("principal_id", principalID))
		}

		c.mu.Lock()
		delete(c.flights, principalID)
		c.mu.Unlock()
		close(f.done)
	}()

	f.token, f.err = c.refreshStored(ctx, principalID, req)
}

// refreshStored re-reads the store so a refresh that already happened is
// reused, then performs and persists the refresh.
func (c *Coordinator) refreshStored(ctx context.Context, principalID string, req refreshRequest) (*Token, error) {
	unlock, err := c.lockPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tok, err := c.load(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if c.alreadyFresh(tok, req) {
		return tok, nil
	}

	if c.locker != nil {
		lock, acquired, err := c.locker.TryAcquire(ctx, "refresh:"+principalID, c.lockTTL)
		switch {
		case err != nil:
			c.logger.Warn("Distributed refresh lock unavailable, refreshing without it",
				logging.String("principal_id", principalID), logging.Err(err))
		case !acquired:
			return c.awaitPeer(ctx, principalID, req, tok)
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					c.logger.Warn("Failed to release refresh lock", logging.String("principal_id", principalID), logging.Err(err))
				}
			}()
			// Another process may have finished between our read and the lock.
			if tok, err = c.load(ctx, principalID); err != nil {
				return nil, err
			}
			if c.alreadyFresh(tok, req) {
				return tok, nil
			}
		}
	}

	if err := c.refresher.Refresh(ctx, tok); err != nil {
		return nil, err
	}

	// Another process may have revoked or replaced the record during the exchange.
	current, err := c.load(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if current.ID != tok.ID {
		return current, nil
	}
	if err := c.store.Save(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

func (c *Coordinator) alreadyFresh(tok *Token, req refreshRequest) bool {
	now := c.now()
	if req.force {
		return tok.AccessToken != req.stale && !tok.Expired(now)
	}
	return !tok.NeedsRefresh(now, req.window)
}

// awaitPeer polls the store with capped backoff while another process holds
// the refresh lock. When the wait budget is spent the latest stored token is
// returned as is.
func (c *Coordinator) awaitPeer(ctx context.Context, principalID string, req refreshRequest, tok *Token) (*Token, error) {
	var waited time.Duration
	for attempt := 1; waited < c.waitTimeout; attempt++ {
		delay := c.poll.Delay(attempt)
		if remaining := c.waitTimeout - waited; delay > remaining {
			delay = remaining
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, ClassifyTransport(err)
		}
		waited += delay

		latest, err := c.load(ctx, principalID)
		if err != nil {
			return nil, err
		}
		tok = latest
		if tok.AccessToken != req.stale && !tok.Expired(c.now()) {
			return tok, nil
		}
	}

	c.logger.Warn("Gave up waiting for peer refresh, using stored token",
		logging.String("principal_id", principalID), logging.Duration("waited", waited))
	return tok, nil
}

// wait blocks until f lands, ctx ends or the wait budget runs out. On timeout
// the caller proceeds with whatever the store holds.
func (c *Coordinator) wait(ctx context.Context, principalID string, f *flight) (*Token, error) {
	start := time.Now()
	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case <-f.done:
		c.metrics.RecordRefreshWait("completed", time.Since(start))
		if f.err != nil {
			return nil, f.err
		}
		return f.token.Clone(), nil

	case <-timer.C:
		c.metrics.RecordRefreshWait("timeout", time.Since(start))
		c.logger.WithContext(ctx).Warn("Refresh still in flight after wait budget, proceeding with stored token",
			logging.String("principal_id", principalID), logging.Duration("waited", c.waitTimeout))
		return c.load(ctx, principalID)

	case <-ctx.Done():
		c.metrics.RecordRefreshWait("cancelled", time.Since(start))
		return nil, ClassifyTransport(ctx.Err())
	}
}

// lockPrincipal takes the write role for principalID, waiting for the
// current holder until ctx ends. The returned func gives the role back.
func (c *Coordinator) lockPrincipal(ctx context.Context, principalID string) (func(), error) {
	c.mu.Lock()
	g, ok := c.guards[principalID]
	if !ok {
		g = &principalGuard{sem: make(chan struct{}, 1)}
		c.guards[principalID] = g
	}
	g.refs++
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(c.guards, principalID)
		}
		c.mu.Unlock()
	}

	select {
	case g.sem <- struct{}{}:
		return func() {
			<-g.sem
			drop()
		}, nil
	case <-ctx.Done():
		drop()
		return nil, ClassifyTransport(ctx.Err())
	}
}
