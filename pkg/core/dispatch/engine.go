// Package dispatch implements the emergency call engine: issuing calls for
// uncovered shifts, resolving the race between responding drivers, expiring
// unanswered calls and maintaining the work streaks used for ranking.
//
// The engine keeps no mutable state of its own. Every mutation runs inside a
// single store transaction, and row locks in the store are the only mutual
// exclusion, so any number of engines may share one database.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tompark0927/bus-assigning/pkg/clients/fcmclient"
	"github.com/Tompark0927/bus-assigning/pkg/db"
	"github.com/Tompark0927/bus-assigning/pkg/events"
	"github.com/Tompark0927/bus-assigning/pkg/metrics"
)

// Defaults applied to zero Config fields
const (
	DefaultExpiry         = 30 * time.Minute
	DefaultUrgentExpiry   = 15 * time.Minute
	DefaultUrgentLeadTime = 2 * time.Hour
	DefaultMaxCandidates  = 10
	DefaultLookbackDays   = 30
	DefaultOffBonus       = 10

	notificationTimeout = 10 * time.Second
	tokenSecretBytes    = 32
	systemActor         = "system"
)

// Config tunes the engine
type Config struct {
	DefaultExpiry  time.Duration
	UrgentExpiry   time.Duration
	UrgentLeadTime time.Duration
	MaxCandidates  int
	LookbackDays   int
	OffBonus       int
	// BaseURL prefixes the deep link sent with each notification
	BaseURL string
	// Location is the service time zone used for shift starts and "today"
	Location *time.Location
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		DefaultExpiry:  DefaultExpiry,
		UrgentExpiry:   DefaultUrgentExpiry,
		UrgentLeadTime: DefaultUrgentLeadTime,
		MaxCandidates:  DefaultMaxCandidates,
		LookbackDays:   DefaultLookbackDays,
		OffBonus:       DefaultOffBonus,
		Location:       time.UTC,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultExpiry <= 0 {
		c.DefaultExpiry = d.DefaultExpiry
	}
	if c.UrgentExpiry <= 0 {
		c.UrgentExpiry = d.UrgentExpiry
	}
	if c.UrgentLeadTime <= 0 {
		c.UrgentLeadTime = d.UrgentLeadTime
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = d.MaxCandidates
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = d.LookbackDays
	}
	if c.OffBonus <= 0 {
		c.OffBonus = d.OffBonus
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}

// Notifier delivers push notifications to drivers
type Notifier interface {
	Dispatch(ctx context.Context, n fcmclient.Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Dispatch(context.Context, fcmclient.Notification) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) error { return nil }

// Engine runs the call lifecycle against a transactional store
type Engine struct {
	store     db.Store
	cfg       Config
	logger    *zap.Logger
	publisher events.Publisher
	notifier  Notifier
	metrics   metrics.Collector
	now       func() time.Time
	newSecret func() (string, error)

	notifyWG sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithPublisher sets the broadcast sink
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithNotifier sets the notification dispatcher
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics sets the metrics collector
func WithMetrics(m metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSecretGenerator overrides how token secrets are generated
func WithSecretGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.newSecret = gen }
}

// New creates an engine
func New(store db.Store, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:     store,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		publisher: nopPublisher{},
		notifier:  nopNotifier{},
		metrics:   metrics.NewNop(),
		now:       time.Now,
		newSecret: randomSecret,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Wait blocks until every in-flight notification has finished
func (e *Engine) Wait() {
	e.notifyWG.Wait()
}

// withShiftLock runs fn in one transaction holding the shift's assignment row
// lock. assignment is nil when the shift has no assignment row yet.
func (e *Engine) withShiftLock(ctx context.Context, shiftID string, fn func(ctx context.Context, tx db.Tx, assignment *db.Assignment) error) error {
	return e.store.InTx(ctx, func(ctx context.Context, tx db.Tx) error {
		assignment, err := tx.LockAssignment(ctx, shiftID)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				return storeError("assignment", err)
			}
			assignment = nil
		}
		return fn(ctx, tx, assignment)
	})
}

// publish broadcasts after commit. Failures are logged only.
func (e *Engine) publish(ctx context.Context, eventType string, payload map[string]any) {
	evt := events.Event{Type: eventType, Payload: payload, TS: e.now()}
	if err := e.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("Failed to broadcast event", zap.String("type", eventType), zap.Error(err))
	}
}

// today returns the current service date in the configured time zone
func (e *Engine) today() time.Time {
	now := e.now().In(e.cfg.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, e.cfg.Location)
}

func randomSecret() (string, error) {
	buf := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
