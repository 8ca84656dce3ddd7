package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elonfeng/ringrank/internal/store"
	"github.com/elonfeng/ringrank/pkg/alert"
	"github.com/elonfeng/ringrank/pkg/popularity"
	"github.com/elonfeng/ringrank/pkg/source"
	. "github.com/smartystreets/goconvey/convey"
)

var runTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type memRoster struct {
	mu       sync.Mutex
	entities map[string]*store.Entity
	order    []string
	listErr  error
	failIDs  map[string]bool
	patches  int
}

func newRoster(entities ...store.Entity) *memRoster {
	r := &memRoster{entities: map[string]*store.Entity{}, failIDs: map[string]bool{}}
	for i := range entities {
		e := entities[i]
		r.entities[e.ID] = &e
		r.order = append(r.order, e.ID)
	}
	return r
}

func (r *memRoster) ListAll(context.Context) ([]store.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]store.Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entities[id])
	}
	return out, nil
}

func (r *memRoster) Update(_ context.Context, id string, p store.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.failIDs[id] && p.Score != nil {
		return errors.New("write rejected")
	}
	r.patches++
	if p.Metrics != nil {
		e.Metrics = *p.Metrics
	}
	if p.Score != nil {
		e.Score = *p.Score
	}
	if p.Rank != nil {
		e.Rank = *p.Rank
	}
	if p.History != nil {
		e.History = *p.History
	}
	return nil
}

func (r *memRoster) get(id string) store.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.entities[id]
}

type fakeFollowers struct {
	src    source.SourceType
	counts map[string]int64
	err    error
	calls  int32
	panic  bool
}

func (f *fakeFollowers) Name() source.SourceType { return f.src }

func (f *fakeFollowers) Followers(_ context.Context, handle string) (*source.FollowerData, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("collector blew up")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &source.FollowerData{Handle: handle, Followers: f.counts[handle]}, nil
}

type fakeReddit struct {
	mentions map[string]int
	err      error
}

func (f *fakeReddit) Mentions(_ context.Context, name string, _ int) (*source.RedditMentions, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &source.RedditMentions{Mentions: f.mentions[name]}, nil
}

type fakePodcasts struct {
	mentions map[string]int
	err      error
	delay    time.Duration
	inFlight int32
	peak     int32
}

func (f *fakePodcasts) Mentions(ctx context.Context, name string, _ int) (*source.PodcastMentions, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &source.PodcastMentions{Mentions: f.mentions[name]}, nil
}

type captureNotifier struct {
	got []*alert.Notification
	err error
}

func (c *captureNotifier) Broadcast(_ context.Context, n *alert.Notification) error {
	c.got = append(c.got, n)
	return c.err
}

func wrestlers() []store.Entity {
	return []store.Entity{
		{ID: "a", Name: "Kenny Omega", Social: store.Social{Twitter: "omega", Instagram: "kenny"}},
		{ID: "b", Name: "Will Ospreay", Social: store.Social{Twitter: "ospreay"}},
		{ID: "c", Name: "Darby Allin"},
	}
}

func healthyCollectors() Collectors {
	return Collectors{
		Twitter:   &fakeFollowers{src: source.SourceTwitter, counts: map[string]int64{"omega": 1000, "ospreay": 1000}},
		Instagram: &fakeFollowers{src: source.SourceInstagram, counts: map[string]int64{"kenny": 400}},
		YouTube:   &fakeFollowers{src: source.SourceYouTube},
		Reddit:    &fakeReddit{mentions: map[string]int{"Kenny Omega": 10, "Will Ospreay": 10, "Darby Allin": 5}},
		Podcasts:  &fakePodcasts{mentions: map[string]int{"Darby Allin": 5}},
	}
}

func newOrchestrator(r Roster, c Collectors, opts ...Option) *Orchestrator {
	cfg := Config{Weights: popularity.DefaultWeights(), CollectorTimeout: time.Second}
	return New(r, c, cfg, append([]Option{WithClock(func() time.Time { return runTime })}, opts...)...)
}

func TestRun(t *testing.T) {
	Convey("Given a roster and healthy collectors", t, func() {
		roster := newRoster(wrestlers()...)
		notifier := &captureNotifier{}
		o := newOrchestrator(roster, healthyCollectors(), WithNotifier(notifier))

		sum, err := o.Run(context.Background())
		So(err, ShouldBeNil)

		Convey("Every entity is updated and the summary reports success", func() {
			So(sum.Success, ShouldBeTrue)
			So(sum.Message, ShouldEqual, "Metrics updated successfully")
			So(sum.Updated, ShouldEqual, 3)
			So(sum.Failed, ShouldEqual, 0)
			So(sum.Errors, ShouldBeEmpty)
			So(sum.State, ShouldEqual, StateDone)
			So(sum.RunID, ShouldNotBeEmpty)
			So(o.State(), ShouldEqual, StateDone)
			So(o.LastSummary(), ShouldEqual, sum)
		})

		Convey("Scores follow the weighted formula", func() {
			// 1000*.25 + 400*.25 + 10*.2
			So(roster.get("a").Score, ShouldEqual, 352)
			// 1000*.25 + 10*.2
			So(roster.get("b").Score, ShouldEqual, 252)
			// 5*.2 + 5*.2
			So(roster.get("c").Score, ShouldEqual, 2)
			So(roster.get("a").TwitterFollowers, ShouldEqual, 1000)
			So(roster.get("a").Metrics.LastUpdated, ShouldEqual, runTime)
		})

		Convey("Ranks are assigned across the roster", func() {
			So(roster.get("a").Rank, ShouldEqual, 1)
			So(roster.get("b").Rank, ShouldEqual, 2)
			So(roster.get("c").Rank, ShouldEqual, 3)
		})

		Convey("One history point is appended per run", func() {
			So(len(roster.get("a").History), ShouldEqual, 1)
			So(roster.get("a").History[0].Score, ShouldEqual, 352)
		})

		Convey("Movers and a notification are produced", func() {
			So(len(sum.Movers), ShouldEqual, 3)
			So(sum.Movers[0].Change, ShouldEqual, 100)
			So(len(notifier.got), ShouldEqual, 1)
			So(notifier.got[0].Updated, ShouldEqual, 3)
		})

		Convey("Running again with unchanged upstream data is idempotent", func() {
			first := map[string][2]float64{}
			for _, id := range []string{"a", "b", "c"} {
				e := roster.get(id)
				first[id] = [2]float64{e.Score, float64(e.Rank)}
			}

			again, err := o.Run(context.Background())
			So(err, ShouldBeNil)
			So(again.RunID, ShouldNotEqual, sum.RunID)
			for _, id := range []string{"a", "b", "c"} {
				e := roster.get(id)
				So([2]float64{e.Score, float64(e.Rank)}, ShouldResemble, first[id])
			}
			So(again.Movers, ShouldBeEmpty)
		})
	})
}

func TestRunResilience(t *testing.T) {
	Convey("Given collectors that all fail", t, func() {
		roster := newRoster(wrestlers()...)
		boom := errors.New("Twitter API error: 500")
		c := Collectors{
			Twitter:   &fakeFollowers{src: source.SourceTwitter, err: boom},
			Instagram: &fakeFollowers{src: source.SourceInstagram, err: errors.New("User not found")},
			YouTube:   &fakeFollowers{src: source.SourceYouTube, err: boom},
			Reddit:    &fakeReddit{err: errors.New("Reddit API credentials not configured")},
			Podcasts:  &fakePodcasts{err: errors.New("Name is required")},
		}

		sum, err := newOrchestrator(roster, c).Run(context.Background())

		Convey("The run still succeeds with a non-empty error list", func() {
			So(err, ShouldBeNil)
			So(sum.Success, ShouldBeTrue)
			So(sum.Updated, ShouldEqual, 3)
			So(sum.Failed, ShouldEqual, 0)
			So(sum.Errors, ShouldNotBeEmpty)
			So(sum.Errors, ShouldContain, "Kenny Omega: twitter: Twitter API error: 500")
			So(sum.Errors, ShouldContain, "Darby Allin: reddit: Reddit API credentials not configured")
		})

		Convey("Prior metric values are kept", func() {
			So(roster.get("a").TwitterFollowers, ShouldEqual, 0)
			So(roster.get("a").Score, ShouldEqual, 0)
		})

		Convey("All-equal scores share rank 1", func() {
			for _, id := range []string{"a", "b", "c"} {
				So(roster.get(id).Rank, ShouldEqual, 1)
			}
		})
	})

	Convey("Given an entity with stale metrics and a failing collector", t, func() {
		e := store.Entity{ID: "a", Name: "Kenny Omega", Social: store.Social{Twitter: "omega"}}
		e.TwitterFollowers = 4000
		roster := newRoster(e)
		c := Collectors{Twitter: &fakeFollowers{src: source.SourceTwitter, err: errors.New("down")}}

		_, err := newOrchestrator(roster, c).Run(context.Background())
		So(err, ShouldBeNil)

		Convey("The stale value still contributes to the score", func() {
			So(roster.get("a").TwitterFollowers, ShouldEqual, 4000)
			So(roster.get("a").Score, ShouldEqual, 1000)
		})
	})

	Convey("Given a store that rejects one entity's write", t, func() {
		entities := wrestlers()
		entities[1].Score = 500
		roster := newRoster(entities...)
		roster.failIDs["b"] = true

		sum, err := newOrchestrator(roster, healthyCollectors()).Run(context.Background())
		So(err, ShouldBeNil)

		Convey("It is counted as failed and ranked on its carried-over score", func() {
			So(sum.Updated, ShouldEqual, 2)
			So(sum.Failed, ShouldEqual, 1)
			So(sum.Errors, ShouldContain, "Failed to update Will Ospreay: write rejected")
			So(roster.get("b").Score, ShouldEqual, 500)
			So(roster.get("b").Rank, ShouldEqual, 1)
			So(roster.get("a").Rank, ShouldEqual, 2)
		})
	})

	Convey("Given a collector that panics", t, func() {
		roster := newRoster(wrestlers()...)
		c := healthyCollectors()
		c.Instagram = &fakeFollowers{src: source.SourceInstagram, panic: true}

		sum, err := newOrchestrator(roster, c).Run(context.Background())

		Convey("Only that entity fails", func() {
			So(err, ShouldBeNil)
			So(sum.Failed, ShouldEqual, 1)
			So(sum.Updated, ShouldEqual, 2)
			So(sum.Errors, ShouldContain, "Failed to update Kenny Omega: collector blew up")
			So(roster.get("b").Rank, ShouldEqual, 1)
		})
	})
}

func TestRunGating(t *testing.T) {
	Convey("Follower collectors only run for configured handles", t, func() {
		roster := newRoster(wrestlers()...)
		c := healthyCollectors()

		_, err := newOrchestrator(roster, c).Run(context.Background())
		So(err, ShouldBeNil)
		So(c.Twitter.(*fakeFollowers).calls, ShouldEqual, 2)
		So(c.Instagram.(*fakeFollowers).calls, ShouldEqual, 1)
		So(c.YouTube.(*fakeFollowers).calls, ShouldEqual, 0)
	})

	Convey("Whitespace-only handles count as unset", t, func() {
		roster := newRoster(store.Entity{
			ID:     "d",
			Name:   "Darby Allin",
			Social: store.Social{Twitter: "  ", Instagram: "\t", YouTube: " "},
		})
		c := healthyCollectors()

		sum, err := newOrchestrator(roster, c).Run(context.Background())
		So(err, ShouldBeNil)
		So(sum.Errors, ShouldBeEmpty)
		So(c.Twitter.(*fakeFollowers).calls, ShouldEqual, 0)
		So(c.Instagram.(*fakeFollowers).calls, ShouldEqual, 0)
		So(c.YouTube.(*fakeFollowers).calls, ShouldEqual, 0)
	})
}

func TestRunFatal(t *testing.T) {
	Convey("A roster read failure aborts the run", t, func() {
		roster := newRoster(wrestlers()...)
		roster.listErr = errors.New("db down")

		sum, err := newOrchestrator(roster, healthyCollectors()).Run(context.Background())
		So(err, ShouldNotBeNil)
		So(sum.Success, ShouldBeFalse)
		So(sum.Message, ShouldEqual, "Failed to update metrics")
		So(sum.State, ShouldEqual, StateFailed)
		So(roster.patches, ShouldEqual, 0)
	})

	Convey("Invalid weights abort before the roster is read", t, func() {
		roster := newRoster(wrestlers()...)
		w := popularity.DefaultWeights()
		w.YouTube = 0.05
		o := New(roster, healthyCollectors(), Config{Weights: w})

		_, err := o.Run(context.Background())
		So(errors.Is(err, popularity.ErrInvalidWeights), ShouldBeTrue)
		So(roster.patches, ShouldEqual, 0)
		So(o.State(), ShouldEqual, StateFailed)
	})

	Convey("An empty roster is a successful no-op", t, func() {
		notifier := &captureNotifier{}
		sum, err := newOrchestrator(newRoster(), healthyCollectors(), WithNotifier(notifier)).Run(context.Background())
		So(err, ShouldBeNil)
		So(sum.Success, ShouldBeTrue)
		So(sum.Message, ShouldEqual, "No entities to update")
		So(sum.Updated, ShouldEqual, 0)
		So(notifier.got, ShouldBeEmpty)
	})

	Convey("A failing notifier does not fail the run", t, func() {
		notifier := &captureNotifier{err: errors.New("slack down")}
		sum, err := newOrchestrator(newRoster(wrestlers()...), healthyCollectors(), WithNotifier(notifier)).Run(context.Background())
		So(err, ShouldBeNil)
		So(sum.Success, ShouldBeTrue)
	})
}

func TestRunConcurrency(t *testing.T) {
	Convey("Given several workers", t, func() {
		var entities []store.Entity
		for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
			entities = append(entities, store.Entity{ID: id, Name: "Wrestler " + id})
		}
		roster := newRoster(entities...)
		podcasts := &fakePodcasts{delay: 30 * time.Millisecond, mentions: map[string]int{"Wrestler a": 3, "Wrestler b": 3}}

		o := New(roster, Collectors{Podcasts: podcasts}, Config{
			Weights:          popularity.DefaultWeights(),
			Workers:          3,
			CollectorTimeout: time.Second,
		})

		Convey("Entities are processed in parallel up to the limit and ranked after all finish", func() {
			sum, err := o.Run(context.Background())
			So(err, ShouldBeNil)
			So(sum.Updated, ShouldEqual, 6)
			So(atomic.LoadInt32(&podcasts.peak), ShouldBeBetweenOrEqual, 2, 3)

			var ranks []int
			for _, e := range entities {
				ranks = append(ranks, roster.get(e.ID).Rank)
			}
			sort.Ints(ranks)
			So(ranks, ShouldResemble, []int{1, 1, 3, 3, 3, 3})
		})

		Convey("Overlapping runs are rejected", func() {
			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _ = o.Run(context.Background())
			}()
			time.Sleep(10 * time.Millisecond)
			_, err := o.Run(context.Background())
			So(errors.Is(err, ErrRunInProgress), ShouldBeTrue)
			<-done
		})
	})

	Convey("A hung collector is cut off by the per-call timeout", t, func() {
		roster := newRoster(store.Entity{ID: "a", Name: "Slow"})
		podcasts := &fakePodcasts{delay: time.Second}
		o := New(roster, Collectors{Podcasts: podcasts}, Config{
			Weights:          popularity.DefaultWeights(),
			CollectorTimeout: 20 * time.Millisecond,
		})

		start := time.Now()
		sum, err := o.Run(context.Background())
		So(err, ShouldBeNil)
		So(time.Since(start), ShouldBeLessThan, 500*time.Millisecond)
		So(sum.Updated, ShouldEqual, 1)
		So(len(sum.Errors), ShouldEqual, 1)
	})
}
