package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elonfeng/ringrank/pkg/logger"
	"github.com/elonfeng/ringrank/pkg/metrics"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/singleflight"
)

// unknownPodcast names feeds that carry no title.
const unknownPodcast = "Unknown Podcast"

// maxFeedBytes bounds how much of a feed body is read.
const maxFeedBytes = 20 << 20

// feedFetchTimeout bounds one shared feed fetch. It is independent of any
// single caller's deadline since other callers may be waiting on it.
const feedFetchTimeout = 30 * time.Second

// Feed is a podcast RSS/Atom feed to scan. Name is shown when the feed
// itself carries no title.
type Feed struct {
	Name string
	URL  string
}

// DefaultPodcastFeeds are the wrestling podcasts scanned when none are configured.
var DefaultPodcastFeeds = []Feed{
	{Name: "Talk Is Jericho", URL: "https://feeds.megaphone.fm/WWO3519750118"},
	{Name: "The Jim Cornette Experience", URL: "https://feeds.simplecast.com/jSc95OHX"},
	{Name: "83 Weeks", URL: "https://feeds.megaphone.fm/83dirtsheet"},
}

// Episode is one podcast episode that mentions the searched name.
type Episode struct {
	Title       string    `json:"title"`
	PodcastName string    `json:"podcast_name"`
	PublishDate string    `json:"publish_date"`
	Published   time.Time `json:"published"`
	URL         string    `json:"url"`
}

// PodcastMentions is the payload of a podcast mention scan.
type PodcastMentions struct {
	Mentions int       `json:"mentions"`
	Episodes []Episode `json:"episodes"`
}

// Podcasts scans a fixed list of podcast feeds for episodes mentioning a name.
type Podcasts struct {
	client
	feeds []Feed
	cache *feedCache
}

// NewPodcasts creates a mention scanner over feeds. Parsed feeds are reused
// for cacheTTL; zero disables caching.
func NewPodcasts(feeds []Feed, cacheTTL time.Duration, opts ...Option) *Podcasts {
	if len(feeds) == 0 {
		feeds = DefaultPodcastFeeds
	}
	p := &Podcasts{
		client: newClient("", opts),
		feeds:  feeds,
	}
	p.cache = &feedCache{ttl: cacheTTL, now: p.now, entries: make(map[string]cachedFeed)}
	return p
}

func (p *Podcasts) Name() SourceType { return SourcePodcasts }

// Mentions scans every feed for episodes from the past daysBack days whose
// title or description contains name, case-insensitively. A feed that cannot
// be fetched or parsed is skipped. Mentions counts every match; Episodes holds
// the first MaxItems in discovery order. If ctx ends mid-scan the partial
// count is discarded and an error is returned.
func (p *Podcasts) Mentions(ctx context.Context, name string, daysBack int) (*PodcastMentions, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errRequired(SourcePodcasts, "Name")
	}
	if daysBack <= 0 {
		daysBack = DefaultLookbackDays
	}

	needle := strings.ToLower(name)
	cutoff := p.now().AddDate(0, 0, -daysBack)
	out := &PodcastMentions{Episodes: []Episode{}}

	for _, feed := range p.feeds {
		parsed, err := p.load(ctx, feed)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errTransport(SourcePodcasts, ctxErr)
		}
		if err != nil {
			p.log.Debug(ctx, "skipping podcast feed",
				logger.String("feed", feedLabel(feed)), logger.String("url", feed.URL), logger.Error(err))
			continue
		}

		podcast := parsed.title
		if podcast == "" {
			podcast = strings.TrimSpace(feed.Name)
		}
		if podcast == "" {
			podcast = unknownPodcast
		}

		for _, ep := range parsed.episodes {
			if ep.published.IsZero() || ep.published.Before(cutoff) {
				continue
			}
			text := strings.ToLower(ep.title + " " + ep.description)
			if !strings.Contains(text, needle) {
				continue
			}
			out.Mentions++
			if len(out.Episodes) < MaxItems {
				out.Episodes = append(out.Episodes, Episode{
					Title:       ep.title,
					PodcastName: podcast,
					PublishDate: ep.publishDate,
					Published:   ep.published,
					URL:         ep.link,
				})
			}
		}
	}
	return out, nil
}

type parsedFeed struct {
	title    string
	episodes []parsedEpisode
}

type parsedEpisode struct {
	title       string
	description string
	link        string
	publishDate string
	published   time.Time
}

func feedLabel(f Feed) string {
	if name := strings.TrimSpace(f.Name); name != "" {
		return name
	}
	return f.URL
}

// load returns the parsed feed, fetching it at most once per cache period.
// A cached fetch may be shared by several callers, so it runs detached from
// ctx under its own timeout; ctx only bounds how long this caller waits.
func (p *Podcasts) load(ctx context.Context, feed Feed) (*parsedFeed, error) {
	return p.cache.get(ctx, feed.URL, func(ctx context.Context) (*parsedFeed, error) {
		parsed, err := p.fetch(ctx, feed)
		if err != nil {
			p.metrics.IncFeedFetch(metrics.OutcomeFailure)
			return nil, err
		}
		p.metrics.IncFeedFetch(metrics.OutcomeSuccess)
		return parsed, nil
	})
}

func (p *Podcasts) fetch(ctx context.Context, feed Feed) (*parsedFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request %s: %w", feed.URL, err)
	}

	resp, err := p.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed %s: %w", feed.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("feed %s status %d", feed.URL, resp.StatusCode)
	}

	return parseFeed(io.LimitReader(resp.Body, maxFeedBytes))
}

// parseFeed extracts the feed title and its items. gofeed is not safe for
// concurrent use, so each call gets its own parser.
func parseFeed(r io.Reader) (*parsedFeed, error) {
	parsed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	out := &parsedFeed{title: strings.TrimSpace(parsed.Title)}

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		ep := parsedEpisode{
			title:       strings.TrimSpace(item.Title),
			description: strings.TrimSpace(item.Description),
			link:        strings.TrimSpace(item.Link),
			publishDate: item.Published,
		}
		switch {
		case item.PublishedParsed != nil:
			ep.published = item.PublishedParsed.UTC()
		case item.UpdatedParsed != nil:
			ep.published = item.UpdatedParsed.UTC()
			ep.publishDate = item.Updated
		}
		if ep.link == "" && len(item.Links) > 0 {
			ep.link = item.Links[0]
		}
		out.episodes = append(out.episodes, ep)
	}
	return out, nil
}

type cachedFeed struct {
	feed    *parsedFeed
	expires time.Time
}

// feedCache keeps parsed feeds for a while so one batch run fetches each
// feed once. Failures are never cached.
type feedCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cachedFeed
}

func (c *feedCache) get(ctx context.Context, key string, load func(context.Context) (*parsedFeed, error)) (*parsedFeed, error) {
	if c.ttl <= 0 {
		return load(ctx)
	}

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.feed, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), feedFetchTimeout)
		defer cancel()

		feed, err := load(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cachedFeed{feed: feed, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return feed, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*parsedFeed), nil
	}
}
