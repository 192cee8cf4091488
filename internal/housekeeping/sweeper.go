// Package housekeeping retires intent records the synchronous paths no
// longer care about: terminal mirrors past their retention window are
// purged, and stale non-terminal intents are canceled at the gateway so
// they cannot settle long after the donor walked away.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/victorian-socialists/civicrm-stripe/internal/domain"
	"github.com/victorian-socialists/civicrm-stripe/internal/gateway"
	"github.com/victorian-socialists/civicrm-stripe/internal/ledger"
	"github.com/victorian-socialists/civicrm-stripe/internal/observability"
)

const (
	defaultPurgeAge   = 24 * time.Hour
	defaultAbandonAge = 24 * time.Hour
	defaultInterval   = time.Hour
	defaultBatchSize  = 100
)

type Sweeper struct {
	records ledger.IntentRepository
	intents gateway.IntentClient
	logger  *zap.Logger
	metrics *observability.Metrics

	purgeAge   time.Duration
	abandonAge time.Duration
	interval   time.Duration
	batchSize  int

	now func() time.Time
}

type Options struct {
	PurgeAge   time.Duration
	AbandonAge time.Duration
	Interval   time.Duration
	BatchSize  int
}

func NewSweeper(records ledger.IntentRepository, intents gateway.IntentClient, opts Options, logger *zap.Logger) (*Sweeper, error) {
	if records == nil {
		return nil, fmt.Errorf("intent repository is required")
	}
	if intents == nil {
		return nil, fmt.Errorf("gateway intent client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PurgeAge <= 0 {
		opts.PurgeAge = defaultPurgeAge
	}
	if opts.AbandonAge <= 0 {
		opts.AbandonAge = defaultAbandonAge
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Sweeper{
		records:    records,
		intents:    intents,
		logger:     logger,
		purgeAge:   opts.PurgeAge,
		abandonAge: opts.AbandonAge,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		now:        time.Now,
	}, nil
}

func (s *Sweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Run sweeps once immediately and then on every tick until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("housekeeping sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("housekeeping sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs the purge and abandon phases. The phases touch disjoint rows,
// so they run concurrently.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.purge(gctx) })
	g.Go(func() error { return s.abandon(gctx) })
	return g.Wait()
}

func (s *Sweeper) purge(ctx context.Context) error {
	cutoff := s.now().Add(-s.purgeAge)
	purged, err := s.records.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge terminal intent records: %w", err)
	}
	if purged > 0 {
		s.metrics.AddIntentsPurged(purged)
		s.logger.Info("purged terminal intent records", zap.Int64("count", purged))
	}
	return nil
}

func (s *Sweeper) abandon(ctx context.Context) error {
	cutoff := s.now().Add(-s.abandonAge)
	stale, err := s.records.ListNonTerminalOlderThan(ctx, cutoff, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale intent records: %w", err)
	}

	for i := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.abandonOne(ctx, &stale[i]); err != nil {
			// One stuck record must not block the rest of the batch.
			s.logger.Warn("failed to abandon intent",
				zap.String("intentId", stale[i].GatewayIntentID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Sweeper) abandonOne(ctx context.Context, rec *domain.IntentRecord) error {
	switch rec.Kind {
	case domain.IntentKindPayment:
		if _, err := s.intents.CancelPaymentIntent(ctx, rec.GatewayIntentID); err != nil && !cancelTolerable(err) {
			return err
		}
	case domain.IntentKindSetup:
		if _, err := s.intents.CancelSetupIntent(ctx, rec.GatewayIntentID); err != nil && !cancelTolerable(err) {
			return err
		}
	}

	if err := s.records.MarkCanceled(ctx, rec.GatewayIntentID); err != nil {
		return err
	}

	s.metrics.IncIntentAbandoned()
	s.logger.Info("abandoned stale intent",
		zap.String("intentId", rec.GatewayIntentID),
		zap.String("kind", string(rec.Kind)),
	)
	return nil
}

// cancelTolerable reports whether a gateway cancel failure leaves the intent
// harmless anyway: it no longer exists, or it already reached a state the
// gateway refuses to cancel from.
func cancelTolerable(err error) bool {
	if gateway.IsNotFound(err) {
		return true
	}
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Kind == gateway.KindInvalidRequest
	}
	return false
}
