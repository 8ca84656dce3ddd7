// Package batch drives one popularity update across the whole roster:
// collect, score, append history, persist, then rank everyone.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elonfeng/ringrank/internal/store"
	"github.com/elonfeng/ringrank/pkg/alert"
	"github.com/elonfeng/ringrank/pkg/logger"
	"github.com/elonfeng/ringrank/pkg/metrics"
	"github.com/elonfeng/ringrank/pkg/popularity"
	"github.com/elonfeng/ringrank/pkg/source"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("update already in progress")

const (
	msgUpdated  = "Metrics updated successfully"
	msgNoRoster = "No entities to update"
	msgFailed   = "Failed to update metrics"

	maxMovers = 5
)

// Roster is the slice of the store the orchestrator needs.
type Roster interface {
	ListAll(ctx context.Context) ([]store.Entity, error)
	Update(ctx context.Context, id string, p store.Patch) error
}

// RedditSource counts forum mentions.
type RedditSource interface {
	Mentions(ctx context.Context, name string, daysBack int) (*source.RedditMentions, error)
}

// PodcastSource counts podcast episode mentions.
type PodcastSource interface {
	Mentions(ctx context.Context, name string, daysBack int) (*source.PodcastMentions, error)
}

// Notifier receives the run summary.
type Notifier interface {
	Broadcast(ctx context.Context, n *alert.Notification) error
}

// Collectors groups the adapters used per entity. A nil collector is skipped.
type Collectors struct {
	Twitter   source.FollowerSource
	Instagram source.FollowerSource
	YouTube   source.FollowerSource
	Reddit    RedditSource
	Podcasts  PodcastSource
}

// Config tunes a run.
type Config struct {
	Weights          popularity.Weights
	Normalization    *popularity.NormalizationParams
	Retention        time.Duration
	Workers          int
	CollectorTimeout time.Duration
	RedditLookback   int
	PodcastLookback  int
}

// Orchestrator runs batch updates. It is safe for concurrent use; overlapping
// runs are rejected with ErrRunInProgress.
type Orchestrator struct {
	roster     Roster
	collectors Collectors
	cfg        Config

	log      logger.Logger
	metrics  *metrics.Manager
	notifier Notifier
	now      func() time.Time

	running atomic.Bool

	mu    sync.RWMutex
	state State
	last  *Summary
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics records run and collector metrics on m.
func WithMetrics(m *metrics.Manager) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNotifier broadcasts each finished run.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an orchestrator over roster.
func New(roster Roster, collectors Collectors, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.CollectorTimeout <= 0 {
		cfg.CollectorTimeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = popularity.DefaultRetention
	}
	if cfg.RedditLookback <= 0 {
		cfg.RedditLookback = source.DefaultLookbackDays
	}
	if cfg.PodcastLookback <= 0 {
		cfg.PodcastLookback = source.DefaultLookbackDays
	}

	o := &Orchestrator{
		roster:     roster,
		collectors: collectors,
		cfg:        cfg,
		log:        logger.Nop(),
		now:        time.Now,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("batch")
	return o
}

// State returns the phase of the current run, or the final state of the last one.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastSummary returns the summary of the most recent finished run.
func (o *Orchestrator) LastSummary() *Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// entityResult is what one per-entity update produced.
type entityResult struct {
	persisted bool
	score     float64
	errors    []string
	failure   string
}

// Run executes one batch update. The returned error is non-nil only when the
// run could not start: invalid weights, a roster read failure, or another run
// in progress. Per-entity problems are reported in the summary.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer o.running.Store(false)

	start := o.now()
	sum := &Summary{RunID: uuid.NewString(), StartedAt: start, Errors: []string{}}
	log := o.log.With(logger.String("run_id", sum.RunID))

	// Weights are checked before any state transition; a bad weight set fails
	// the run without touching the roster.
	if err := o.cfg.Weights.Validate(); err != nil {
		return o.fail(ctx, sum, 0, fmt.Errorf("scoring weights: %w", err)), err
	}

	o.setState(StateFetchingRoster)
	roster, err := o.roster.ListAll(ctx)
	if err != nil {
		err = fmt.Errorf("fetch roster: %w", err)
		return o.fail(ctx, sum, 0, err), err
	}
	log.Info(ctx, "batch run started", logger.Int("entities", len(roster)), logger.Int("workers", o.cfg.Workers))

	if len(roster) == 0 {
		sum.Success = true
		sum.Message = msgNoRoster
		o.finish(ctx, sum, len(roster))
		return sum, nil
	}

	o.setState(StatePerEntityUpdate)
	results := make([]entityResult, len(roster))
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i := range roster {
		g.Go(func() error {
			results[i] = o.safeUpdate(ctx, log, roster[i])
			return nil
		})
	}
	_ = g.Wait()

	// Every entity has been attempted; ranks use the freshest stored scores.
	o.setState(StateRanking)
	scored := make([]popularity.Scored, len(roster))
	for i, e := range roster {
		res := results[i]
		sum.Errors = append(sum.Errors, res.errors...)
		if res.persisted {
			sum.Updated++
			scored[i] = popularity.Scored{ID: e.ID, Score: res.score}
			continue
		}
		sum.Failed++
		sum.Errors = append(sum.Errors, res.failure)
		scored[i] = popularity.Scored{ID: e.ID, Score: e.Score}
	}
	ranks := popularity.Rank(scored)

	o.setState(StatePersistingRanks)
	for _, e := range roster {
		rank := ranks[e.ID]
		if err := o.roster.Update(ctx, e.ID, store.Patch{Rank: &rank}); err != nil {
			log.Error(ctx, "rank update failed", logger.String("entity", e.Name), logger.Error(err))
			sum.Errors = append(sum.Errors, fmt.Sprintf("Failed to update rank for %s: %v", e.Name, err))
		}
	}

	sum.Movers = movers(roster, results, ranks)
	sum.Success = true
	sum.Message = msgUpdated
	o.finish(ctx, sum, len(roster))
	return sum, nil
}

// safeUpdate isolates one entity: a panic becomes a failure for that entity only.
func (o *Orchestrator) safeUpdate(ctx context.Context, log logger.Logger, e store.Entity) (res entityResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(ctx, "entity update panicked", logger.String("entity", e.Name), logger.Any("panic", r))
			res = entityResult{failure: fmt.Sprintf("Failed to update %s: %v", e.Name, r)}
			o.metrics.IncEntity(metrics.OutcomeFailure)
		}
	}()

	res = o.updateEntity(ctx, log, e)
	if res.persisted {
		o.metrics.IncEntity(metrics.OutcomeSuccess)
	} else {
		o.metrics.IncEntity(metrics.OutcomeFailure)
	}
	return res
}

func (o *Orchestrator) updateEntity(ctx context.Context, log logger.Logger, e store.Entity) entityResult {
	var res entityResult
	m := e.Metrics
	elog := log.With(logger.String("entity", e.Name))

	record := func(src source.SourceType, err error) {
		elog.Warn(ctx, "collector failed", logger.String("source", string(src)), logger.Error(err))
		res.errors = append(res.errors, fmt.Sprintf("%s: %s: %v", e.Name, src, err))
	}

	follower := func(src source.SourceType, c source.FollowerSource, handle string, dst *int64) {
		handle = strings.TrimSpace(handle)
		if c == nil || handle == "" {
			o.metrics.ObserveCollector(string(src), metrics.OutcomeSkipped, 0)
			return
		}
		v, err := o.call(ctx, src, func(ctx context.Context) (int64, error) {
			data, err := c.Followers(ctx, handle)
			if err != nil {
				return 0, err
			}
			return data.Followers, nil
		})
		if err != nil {
			record(src, err)
			return
		}
		*dst = v
	}

	follower(source.SourceTwitter, o.collectors.Twitter, e.Social.Twitter, &m.TwitterFollowers)
	follower(source.SourceInstagram, o.collectors.Instagram, e.Social.Instagram, &m.InstagramFollowers)
	follower(source.SourceYouTube, o.collectors.YouTube, e.Social.YouTube, &m.YouTubeSubscribers)

	if c := o.collectors.Reddit; c != nil {
		v, err := o.call(ctx, source.SourceReddit, func(ctx context.Context) (int64, error) {
			data, err := c.Mentions(ctx, e.Name, o.cfg.RedditLookback)
			if err != nil {
				return 0, err
			}
			return int64(data.Mentions), nil
		})
		if err != nil {
			record(source.SourceReddit, err)
		} else {
			m.RedditMentions = v
		}
	}

	if c := o.collectors.Podcasts; c != nil {
		v, err := o.call(ctx, source.SourcePodcasts, func(ctx context.Context) (int64, error) {
			data, err := c.Mentions(ctx, e.Name, o.cfg.PodcastLookback)
			if err != nil {
				return 0, err
			}
			return int64(data.Mentions), nil
		})
		if err != nil {
			record(source.SourcePodcasts, err)
		} else {
			m.PodcastMentions = v
		}
	}

	now := o.now()
	m.LastUpdated = now

	score, err := popularity.Score(m, o.cfg.Weights, o.cfg.Normalization)
	if err != nil {
		res.failure = fmt.Sprintf("Failed to update %s: %v", e.Name, err)
		elog.Error(ctx, "score failed", logger.Error(err))
		return res
	}
	history := e.History.Append(score, now, o.cfg.Retention)

	err = o.roster.Update(ctx, e.ID, store.Patch{
		Metrics:   &m,
		Score:     &score,
		History:   &history,
		UpdatedAt: now,
	})
	if err != nil {
		res.failure = fmt.Sprintf("Failed to update %s: %v", e.Name, err)
		elog.Error(ctx, "entity update failed", logger.Error(err))
		return res
	}

	res.persisted = true
	res.score = score
	elog.Debug(ctx, "entity updated", logger.Float64("score", score), logger.Int("collector_errors", len(res.errors)))
	return res
}

// call runs one collector under its own timeout.
func (o *Orchestrator) call(ctx context.Context, src source.SourceType, fn func(context.Context) (int64, error)) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.CollectorTimeout)
	defer cancel()

	start := time.Now()
	v, err := fn(ctx)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	o.metrics.ObserveCollector(string(src), outcome, time.Since(start))
	return v, err
}

func (o *Orchestrator) fail(ctx context.Context, sum *Summary, roster int, err error) *Summary {
	o.log.Error(ctx, "batch run failed", logger.String("run_id", sum.RunID), logger.Error(err))
	sum.Success = false
	sum.Message = msgFailed
	sum.State = StateFailed
	sum.FinishedAt = o.now()

	o.mu.Lock()
	o.state = StateFailed
	o.last = sum
	o.mu.Unlock()
	o.metrics.ObserveRun("failure", roster, sum.FinishedAt.Sub(sum.StartedAt))
	return sum
}

func (o *Orchestrator) finish(ctx context.Context, sum *Summary, roster int) {
	sum.State = StateDone
	sum.FinishedAt = o.now()

	o.mu.Lock()
	o.state = StateDone
	o.last = sum
	o.mu.Unlock()
	o.metrics.ObserveRun("success", roster, sum.FinishedAt.Sub(sum.StartedAt))

	o.log.Info(ctx, "batch run finished",
		logger.String("run_id", sum.RunID),
		logger.Int("updated", sum.Updated),
		logger.Int("failed", sum.Failed),
		logger.Int("errors", len(sum.Errors)),
		logger.Duration("took", sum.FinishedAt.Sub(sum.StartedAt)),
	)

	if o.notifier == nil || roster == 0 {
		return
	}
	if err := o.notifier.Broadcast(ctx, sum.Notification()); err != nil {
		o.log.Warn(ctx, "run notification failed", logger.String("run_id", sum.RunID), logger.Error(err))
	}
}

// movers picks the persisted entities with the largest relative change.
func movers(roster []store.Entity, results []entityResult, ranks map[string]int) []Mover {
	var out []Mover
	for i, e := range roster {
		if !results[i].persisted {
			continue
		}
		change := popularity.Change(e.Score, results[i].score)
		if change == 0 {
			continue
		}
		out = append(out, Mover{
			ID:     e.ID,
			Name:   e.Name,
			Rank:   ranks[e.ID],
			Score:  results[i].score,
			Change: change,
		})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return math.Abs(out[a].Change) > math.Abs(out[b].Change)
	})
	if len(out) > maxMovers {
		out = out[:maxMovers]
	}
	return out
}
