package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/elonfeng/ringrank/pkg/logger"
	"github.com/elonfeng/ringrank/pkg/metrics"
	"golang.org/x/time/rate"
)

// SourceType identifies which platform a signal came from.
type SourceType string

const (
	SourceTwitter   SourceType = "twitter"
	SourceInstagram SourceType = "instagram"
	SourceYouTube   SourceType = "youtube"
	SourceReddit    SourceType = "reddit"
	SourcePodcasts  SourceType = "podcasts"
)

// MaxItems caps the mention items returned by mention sources.
const MaxItems = 10

// DefaultLookbackDays is the mention window used when none is given.
const DefaultLookbackDays = 30

// label is the provider name used in user-facing reasons.
func (s SourceType) label() string {
	switch s {
	case SourceTwitter:
		return "Twitter"
	case SourceInstagram:
		return "Instagram"
	case SourceYouTube:
		return "YouTube"
	case SourceReddit:
		return "Reddit"
	case SourcePodcasts:
		return "Podcast"
	}
	return string(s)
}

// AllSourceTypes returns all known source types.
func AllSourceTypes() []SourceType {
	return []SourceType{
		SourceTwitter,
		SourceInstagram,
		SourceYouTube,
		SourceReddit,
		SourcePodcasts,
	}
}

// FollowerData is the payload of a follower-count lookup.
type FollowerData struct {
	Handle    string `json:"handle"`
	Followers int64  `json:"followers"`
	Verified  bool   `json:"verified,omitempty"`
}

// FollowerSource looks up the audience size behind a handle.
type FollowerSource interface {
	Name() SourceType
	Followers(ctx context.Context, handle string) (*FollowerData, error)
}

// Kind classifies collector failures.
type Kind int

const (
	KindInput Kind = iota + 1
	KindConfig
	KindTransport
	KindStatus
	KindNotFound
	KindInvalidResponse
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindConfig:
		return "config"
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindNotFound:
		return "not_found"
	case KindInvalidResponse:
		return "invalid_response"
	}
	return "unknown"
}

// Error is a collector failure. Error() returns the reason verbatim.
type Error struct {
	Source SourceType
	Kind   Kind
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a collector error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

func errRequired(src SourceType, field string) *Error {
	return &Error{Source: src, Kind: KindInput, Reason: field + " is required"}
}

func errNotConfigured(src SourceType) *Error {
	return &Error{Source: src, Kind: KindConfig, Reason: src.label() + " API credentials not configured"}
}

func errTransport(src SourceType, err error) *Error {
	return &Error{Source: src, Kind: KindTransport, Reason: err.Error(), Err: err}
}

func errStatus(src SourceType, status int) *Error {
	return &Error{Source: src, Kind: KindStatus, Status: status, Reason: fmt.Sprintf("%s API error: %d", src.label(), status)}
}

func errUserNotFound(src SourceType) *Error {
	return &Error{Source: src, Kind: KindNotFound, Status: http.StatusNotFound, Reason: "User not found"}
}

func errInvalidResponse(src SourceType, cause error) *Error {
	return &Error{Source: src, Kind: KindInvalidResponse, Reason: "Invalid response from " + src.label() + " API", Err: cause}
}

// cleanHandle trims whitespace and a leading mention prefix.
func cleanHandle(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// client holds the transport settings every collector shares.
type client struct {
	http      *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter
	metrics   *metrics.Manager
	log       logger.Logger
	now       func() time.Time
}

// Option configures a collector.
type Option func(*client)

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithBaseURL points the collector at a different API root.
func WithBaseURL(u string) Option {
	return func(cl *client) {
		if u != "" {
			cl.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithUserAgent sets the User-Agent header on outbound requests.
func WithUserAgent(ua string) Option {
	return func(cl *client) {
		if ua != "" {
			cl.userAgent = ua
		}
	}
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) Option {
	return func(cl *client) {
		if perSecond > 0 {
			cl.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		} else {
			cl.limiter = nil
		}
	}
}

// WithMetrics records token and feed metrics on m.
func WithMetrics(m *metrics.Manager) Option {
	return func(cl *client) { cl.metrics = m }
}

// WithLogger sets the collector logger.
func WithLogger(l logger.Logger) Option {
	return func(cl *client) {
		if l != nil {
			cl.log = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cl *client) {
		if now != nil {
			cl.now = now
		}
	}
}

func newClient(baseURL string, opts []Option) client {
	cl := client{
		http:      &http.Client{Timeout: 30 * time.Second},
		baseURL:   baseURL,
		userAgent: "ringrank/1.0",
		log:       logger.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&cl)
	}
	return cl
}

// do waits for the rate limiter, then sends req with the shared headers.
func (c *client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.http.Do(req)
}
