// Package service wires the engine, its storage and its observers into the
// dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/okian/kudos/internal/adapters/dispatch"
	"github.com/okian/kudos/internal/adapters/dispatch/observers"
	"github.com/okian/kudos/internal/adapters/ledger"
	"github.com/okian/kudos/internal/adapters/postgres"
	kredis "github.com/okian/kudos/internal/adapters/redis"
	"github.com/okian/kudos/internal/config"
	"github.com/okian/kudos/internal/domain/dedupe"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rank"
	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/internal/domain/types"
	"github.com/okian/kudos/internal/engine"
	"github.com/okian/kudos/pkg/logger"
	"github.com/okian/kudos/pkg/metrics"
)

// ErrNotStarted is returned by calls issued before Start. It matches
// engine.ErrNotReady.
var ErrNotStarted = fmt.Errorf("service not started: %w", engine.ErrNotReady)

// ErrNoRules is returned by Start when neither a rules file nor a rule set
// was supplied.
var ErrNoRules = errors.New("no rules configured")

// Service implements the API dependencies for the reputation engine.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Core components
	engine   *engine.Engine
	deduper  dedupe.Deduper
	activity *observers.ActivityLog
	store    ledger.Store

	// Optional injections
	ruleSet   *rules.RuleSet
	ranks     *rank.Table
	extra     []dispatch.Observer
	postgres  *postgres.Store
	redis     *goredis.Client
	storeFunc func(ctx context.Context) (ledger.Store, error)

	// State
	started bool

	// Logging
	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRules injects a rule set and rank table instead of reading the rules
// file.
func WithRules(rs *rules.RuleSet, ranks *rank.Table) Option {
	return func(s *Service) {
		s.ruleSet = rs
		s.ranks = ranks
	}
}

// WithStore injects a ledger store instead of the configured backend.
func WithStore(store ledger.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.storeFunc = func(context.Context) (ledger.Store, error) { return store, nil }
		}
	}
}

// WithObservers registers additional observers after the built-in ones.
func WithObservers(obs ...dispatch.Observer) Option {
	return func(s *Service) {
		s.extra = append(s.extra, obs...)
	}
}

// New constructs a new Service. A nil config uses the defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds every component and makes the engine ready.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Default().Named("service")
	}
	s.logger.Info(ctx, "starting reputation service...")

	rs, ranks, err := s.loadRules(ctx)
	if err != nil {
		return err
	}

	store, err := s.openStore(ctx)
	if err != nil {
		return err
	}
	s.store = store

	l := ledger.New(store, ranks,
		ledger.WithLogger(s.logger.Named("ledger")),
	)

	var dopts []dispatch.Option
	dopts = append(dopts, dispatch.WithLogger(s.logger.Named("dispatch")))
	if s.cfg.DispatchMode == config.DispatchAsync {
		dopts = append(dopts, dispatch.WithAsync(s.cfg.DispatchLanes, s.cfg.LaneQueueSize),
			dispatch.WithDeliveryTimeout(s.cfg.DeliveryTimeout),
		)
	}
	d := dispatch.New(dopts...)

	s.engine = engine.New(l, d,
		engine.WithMaxRetries(uint(s.cfg.ApplyMaxRetries)), //nolint:gosec // validated non-negative
		engine.WithLogger(s.logger),
	)
	if err := s.registerObservers(ctx); err != nil {
		s.closeExternal(ctx)
		return err
	}

	if err := s.engine.Load(rs); err != nil {
		s.closeExternal(ctx)
		return err
	}
	if err := s.engine.Ready(); err != nil {
		s.closeExternal(ctx)
		return err
	}
	d.Start(context.WithoutCancel(ctx))

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))

	s.started = true
	s.logger.Info(ctx, "reputation service started",
		logger.Int("rules", rs.Len()),
		logger.String("ledger", s.cfg.LedgerBackend),
		logger.String("dispatch", d.Mode()),
		logger.Any("observers", d.Observers()),
	)
	return nil
}

func (s *Service) loadRules(ctx context.Context) (*rules.RuleSet, *rank.Table, error) {
	if s.ruleSet != nil {
		return s.ruleSet, s.ranks, nil
	}
	if s.cfg.RulesFile == "" {
		s.logger.Error(ctx, "refusing to start without rules_file")
		return nil, nil, fmt.Errorf("%w: set rules_file", ErrNoRules)
	}
	f, err := rules.LoadFile(s.cfg.RulesFile)
	if err != nil {
		return nil, nil, fmt.Errorf("rules file: %w", err)
	}
	rs, ranks, err := f.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("rules file %s: %w", s.cfg.RulesFile, err)
	}
	return rs, ranks, nil
}

func (s *Service) openStore(ctx context.Context) (ledger.Store, error) {
	if s.storeFunc != nil {
		return s.storeFunc(ctx)
	}
	switch s.cfg.LedgerBackend {
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, s.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.postgres = pg
		s.logger.Info(ctx, "using postgres ledger store")
		return pg, nil
	default:
		s.logger.Info(ctx, "using in-memory ledger store")
		return ledger.NewMemoryStore(), nil
	}
}

func (s *Service) registerObservers(ctx context.Context) error {
	activity, err := observers.NewActivityLog(s.cfg.ActivityLogSize)
	if err != nil {
		return err
	}
	s.activity = activity

	list := []dispatch.Observer{activity, observers.NewMetrics(), observers.NewLogging(s.logger)}

	if s.cfg.RedisAddr != "" {
		client, err := kredis.Open(ctx, s.cfg.RedisAddr)
		if err != nil {
			return err
		}
		s.redis = client
		pub, err := kredis.NewPublisher(client, s.cfg.RedisChannel)
		if err != nil {
			return err
		}
		mirror, err := kredis.NewLeaderboardMirror(client, s.cfg.RedisLeaderboardKey)
		if err != nil {
			return err
		}
		list = append(list, pub, mirror)
	}
	if s.cfg.WebhookURL != "" {
		hook, err := observers.NewWebhook(s.cfg.WebhookURL, observers.WithWebhookLogger(s.logger))
		if err != nil {
			return err
		}
		list = append(list, hook)
	}
	list = append(list, s.extra...)

	for _, o := range list {
		if err := s.engine.Register(o); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains pending notifications and releases external connections.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping reputation service...")

	err := s.engine.Dispatcher().Close(ctx)
	if err != nil {
		s.logger.Error(ctx, "dispatcher did not drain", logger.Error(err))
	}
	s.closeExternal(ctx)

	s.started = false
	s.logger.Info(ctx, "reputation service stopped")
	return err
}

// closeExternal closes the database pool and redis client concurrently.
func (s *Service) closeExternal(ctx context.Context) {
	var g errgroup.Group
	if s.postgres != nil {
		pg := s.postgres
		g.Go(func() error {
			pg.Close()
			return nil
		})
	}
	if s.redis != nil {
		client := s.redis
		g.Go(func() error { return client.Close() })
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn(ctx, "error closing connections", logger.Error(err))
	}
	s.postgres = nil
	s.redis = nil
}

func (s *Service) running() (*engine.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.engine, nil
}

// SeenAndRecord reports whether an event ID was ingested before and records
// it if not.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	if s.deduper == nil {
		return false
	}
	seen := s.deduper.SeenAndRecord(ctx, id)
	if seen {
		metrics.RecordEventDuplicate()
	}
	return seen
}

// Unrecord forgets an event ID so a failed event can be resubmitted.
func (s *Service) Unrecord(ctx context.Context, id string) {
	if s.deduper == nil {
		return
	}
	s.deduper.Unrecord(ctx, id)
}

// Size returns the number of remembered event IDs.
func (s *Service) Size() int {
	if s.deduper == nil {
		return 0
	}
	return s.deduper.Size()
}

// Process feeds one event to the engine.
func (s *Service) Process(ctx context.Context, event model.Event) (model.CommittedChange, error) {
	e, err := s.running()
	if err != nil {
		return model.CommittedChange{}, err
	}
	return e.Process(ctx, event)
}

// IsReady reports whether events are accepted.
func (s *Service) IsReady() bool {
	e, err := s.running()
	return err == nil && e.IsReady()
}

// Subject returns the reputation of one subject, with its leaderboard
// position and distance to the next rank.
func (s *Service) Subject(ctx context.Context, subjectID string) (types.Subject, error) {
	e, err := s.running()
	if err != nil {
		return types.Subject{}, err
	}
	entry, err := e.Read(ctx, subjectID)
	if err != nil {
		return types.Subject{}, err
	}

	out := types.Subject{
		SubjectID: entry.SubjectID,
		Points:    entry.Points,
		Rank:      entry.Rank,
		Badges:    entry.Badges,
		Version:   entry.Version,
	}
	if out.Badges == nil {
		out.Badges = []model.BadgeKey{}
	}
	if !entry.UpdatedAt.IsZero() {
		at := entry.UpdatedAt
		out.UpdatedAt = &at
	}
	if next, ok := e.Ledger().Ranks().Next(entry.Points); ok {
		out.NextRank = &types.NextRank{Name: next.Name, MinPoints: next.MinPoints, PointsNeeded: next.MinPoints - entry.Points}
	}
	if entry.Version > 0 {
		st, err := e.Standing(ctx, entry.SubjectID)
		switch {
		case err == nil:
			out.Position = st.Position
		case !errors.Is(err, ledger.ErrNotFound):
			return types.Subject{}, err
		}
	}
	return out, nil
}

// Activity returns up to n recent changes of a subject, newest first.
func (s *Service) Activity(_ context.Context, subjectID string, n int) ([]model.CommittedChange, error) {
	if _, err := s.running(); err != nil {
		return nil, err
	}
	return s.activity.Recent(subjectID, n), nil
}

// TopN returns the top n leaderboard entries.
func (s *Service) TopN(ctx context.Context, n int) ([]types.LeaderboardEntry, error) {
	e, err := s.running()
	if err != nil {
		return nil, err
	}
	rows, err := e.Leaderboard(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]types.LeaderboardEntry, len(rows))
	for i, r := range rows {
		out[i] = types.LeaderboardEntry{
			Position:  r.Position,
			SubjectID: r.SubjectID,
			Points:    r.Points,
			Rank:      r.Rank,
			Badges:    r.Badges,
		}
	}
	return out, nil
}

// Rules describes every loaded rule.
func (s *Service) Rules(_ context.Context) ([]types.Rule, error) {
	e, err := s.running()
	if err != nil {
		return nil, err
	}
	return types.FromRuleSet(e.Rules()), nil
}

// Badge describes one badge rule.
func (s *Service) Badge(_ context.Context, name string) (types.Rule, error) {
	e, err := s.running()
	if err != nil {
		return types.Rule{}, err
	}
	b, err := e.Rules().Badge(name)
	if err != nil {
		return types.Rule{}, err
	}
	return types.FromRule(b), nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]any{
		"started":        s.started,
		"ledger_backend": s.cfg.LedgerBackend,
		"dispatch_mode":  s.cfg.DispatchMode,
	}
	if !s.started {
		return stats
	}

	subjects, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Warn(ctx, "failed to count subjects", logger.Error(err))
	} else {
		stats["subjects"] = subjects
		metrics.UpdateTotalSubjects(subjects)
	}
	stats["ready"] = s.engine.IsReady()
	stats["rules"] = s.engine.Rules().Len()
	stats["observers"] = s.engine.Dispatcher().Observers()
	stats["dedupe_size"] = s.deduper.Size()
	stats["active_subjects"] = s.activity.Subjects()
	return stats
}
