package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/ringrank/internal/config"
	"github.com/elonfeng/ringrank/internal/scheduler"
	"github.com/elonfeng/ringrank/internal/store"
	"github.com/elonfeng/ringrank/pkg/alert"
	"github.com/elonfeng/ringrank/pkg/batch"
	"github.com/elonfeng/ringrank/pkg/logger"
	"github.com/elonfeng/ringrank/pkg/metrics"
	"github.com/elonfeng/ringrank/pkg/server"
	"github.com/elonfeng/ringrank/pkg/source"
	"golang.org/x/sync/errgroup"
)

// app holds everything built from config for one command.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	db      *store.SQLStore
	metrics *metrics.Manager
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{cfg: cfg, log: log, db: db, metrics: metrics.NewManager()}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) sourceOptions(name string, baseURL string, rateLimit float64) []source.Option {
	return []source.Option{
		source.WithBaseURL(baseURL),
		source.WithRateLimit(rateLimit),
		source.WithLogger(a.log.Named(name)),
		source.WithMetrics(a.metrics),
	}
}

func (a *app) buildCollectors() batch.Collectors {
	src := a.cfg.Sources

	redditOpts := append(a.sourceOptions("reddit", src.Reddit.BaseURL, src.Reddit.RateLimit),
		source.WithUserAgent(src.Reddit.UserAgent))

	feeds := make([]source.Feed, len(src.Podcasts.Feeds))
	for i, f := range src.Podcasts.Feeds {
		feeds[i] = source.Feed{Name: f.Name, URL: f.URL}
	}

	return batch.Collectors{
		Twitter: source.NewTwitter(src.Twitter.BearerToken,
			a.sourceOptions("twitter", src.Twitter.BaseURL, src.Twitter.RateLimit)...),
		Instagram: source.NewInstagram(src.Instagram.AccessToken, src.Instagram.AccountID,
			a.sourceOptions("instagram", src.Instagram.BaseURL, src.Instagram.RateLimit)...),
		YouTube: source.NewYouTube(src.YouTube.APIKey,
			a.sourceOptions("youtube", src.YouTube.BaseURL, src.YouTube.RateLimit)...),
		Reddit: source.NewReddit(source.RedditCredentials{
			ClientID:     src.Reddit.ClientID,
			ClientSecret: src.Reddit.ClientSecret,
			Subreddit:    src.Reddit.Subreddit,
			TokenURL:     src.Reddit.TokenURL,
		}, redditOpts...),
		Podcasts: source.NewPodcasts(feeds, src.Podcasts.ParseCacheTTL(),
			a.sourceOptions("podcasts", "", 0)...),
	}
}

func (a *app) buildAlertManager() *alert.Manager {
	var notifiers []alert.Notifier
	alerts := a.cfg.Alerts

	if alerts.Slack.Enabled && alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(alerts.Slack.WebhookURL))
	}
	if alerts.Discord.Enabled && alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(alerts.Discord.WebhookURL))
	}
	if alerts.Webhook.Enabled && alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(alerts.Webhook.URL, alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func (a *app) buildOrchestrator() *batch.Orchestrator {
	scoring := a.cfg.Scoring
	opts := []batch.Option{
		batch.WithLogger(a.log),
		batch.WithMetrics(a.metrics),
	}
	if mgr := a.buildAlertManager(); mgr.HasNotifiers() {
		opts = append(opts, batch.WithNotifier(mgr))
	}

	return batch.New(a.db, a.buildCollectors(), batch.Config{
		Weights:          scoring.Weights,
		Normalization:    scoring.Normalization.Params(),
		Retention:        scoring.ParseHistoryRetention(),
		Workers:          a.cfg.Batch.Workers,
		CollectorTimeout: a.cfg.Batch.ParseCollectorTimeout(),
		RedditLookback:   a.cfg.Sources.Reddit.LookbackDays,
		PodcastLookback:  a.cfg.Sources.Podcasts.LookbackDays,
	}, opts...)
}

func (a *app) buildServer(orch *batch.Orchestrator, port int) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	return server.New(a.db, orch,
		server.WithPort(port),
		server.WithCronSecret(a.cfg.Server.CronSecret),
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
	)
}

func runUpdate(ctx context.Context, jsonOutput bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.buildOrchestrator().Run(ctx)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	fmt.Printf("%s: %d updated, %d failed (run %s)\n", sum.Message, sum.Updated, sum.Failed, sum.RunID)
	for _, e := range sum.Errors {
		fmt.Printf("  ! %s\n", e)
	}
	for _, m := range sum.Movers {
		fmt.Printf("  #%d %s %.2f (%+.2f%%)\n", m.Rank, m.Name, m.Score, m.Change)
	}
	return nil
}

func runRankings(ctx context.Context, jsonOutput bool, sortBy string, limit int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entities, err := a.db.List(ctx, store.ListOpts{Sort: sortBy, Limit: limit})
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entities)
	}

	if len(entities) == 0 {
		fmt.Println("no entities yet (add one: ringrank entities add --name ... --bio ...)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tSCORE\tNAME\tTWITTER\tINSTAGRAM\tYOUTUBE\tREDDIT\tPODCASTS\tUPDATED")
	for _, e := range entities {
		rank := "-"
		if e.Rank > 0 {
			rank = fmt.Sprint(e.Rank)
		}
		fmt.Fprintf(w, "%s\t%.2f\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			rank, e.Score, e.Name,
			e.TwitterFollowers, e.InstagramFollowers, e.YouTubeSubscribers,
			e.RedditMentions, e.PodcastMentions,
			formatTime(e.Metrics.LastUpdated))
	}
	return w.Flush()
}

type entityInput struct {
	name, bio, photo            string
	twitter, instagram, youtube string
}

func runEntityAdd(ctx context.Context, in entityInput) error {
	name, bio := strings.TrimSpace(in.name), strings.TrimSpace(in.bio)
	if name == "" || bio == "" {
		return errors.New("name and bio are required")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	handle := func(h string) string { return strings.TrimPrefix(strings.TrimSpace(h), "@") }
	e := &store.Entity{
		Name:     name,
		Bio:      bio,
		PhotoURL: strings.TrimSpace(in.photo),
		Social: store.Social{
			Twitter:   handle(in.twitter),
			Instagram: handle(in.instagram),
			YouTube:   handle(in.youtube),
		},
	}
	if err := a.db.Create(ctx, e); err != nil {
		return err
	}
	fmt.Println(e.ID)
	return nil
}

func runEntityList(ctx context.Context, query string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entities, err := a.db.List(ctx, store.ListOpts{Sort: store.SortName, Query: query, Limit: 1000})
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tHANDLES")
	for _, e := range entities {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.ID, e.Name, handles(e.Social))
	}
	return w.Flush()
}

func runEntityShow(ctx context.Context, id string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.db.Get(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(e)
}

func runEntityRemove(ctx context.Context, id string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.Delete(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "removed %s\n", id)
	return nil
}

func runServe(ctx context.Context, port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	return a.buildServer(a.buildOrchestrator(), port).ListenAndServe(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	orch := a.buildOrchestrator()
	sched := scheduler.New(orch, a.cfg.Schedule.ParseInterval(), a.cfg.Schedule.RunOnStart, a.log)
	srv := a.buildServer(orch, port)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	err = g.Wait()
	a.log.Info(context.Background(), "shut down")
	return err
}

func handles(s store.Social) string {
	var parts []string
	if s.Twitter != "" {
		parts = append(parts, "x:@"+s.Twitter)
	}
	if s.Instagram != "" {
		parts = append(parts, "ig:@"+s.Instagram)
	}
	if s.YouTube != "" {
		parts = append(parts, "yt:@"+s.YouTube)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.Year() < 2000 {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
