package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elonfeng/ringrank/pkg/logger"
)

const (
	redditBaseURL  = "https://oauth.reddit.com"
	redditTokenURL = "https://www.reddit.com/api/v1/access_token"
)

// RedditPost is one matching post.
type RedditPost struct {
	Title   string    `json:"title"`
	Score   int       `json:"score"`
	URL     string    `json:"url"`
	Created time.Time `json:"created"`
}

// RedditMentions is the payload of a subreddit mention search.
type RedditMentions struct {
	Mentions int          `json:"mentions"`
	Posts    []RedditPost `json:"posts"`
}

// RedditCredentials configures the Reddit collector.
type RedditCredentials struct {
	ClientID     string
	ClientSecret string
	Subreddit    string // default SquaredCircle
	TokenURL     string // default https://www.reddit.com/api/v1/access_token
}

// Reddit counts recent subreddit posts that mention a name.
type Reddit struct {
	client
	clientID     string
	clientSecret string
	subreddit    string
	tokenURL     string
	tokens       *TokenCache
}

// NewReddit creates a new Reddit mention collector. The token cache lives
// as long as the collector, so build one per process.
func NewReddit(creds RedditCredentials, opts ...Option) *Reddit {
	r := &Reddit{
		client:       newClient(redditBaseURL, opts),
		clientID:     strings.TrimSpace(creds.ClientID),
		clientSecret: strings.TrimSpace(creds.ClientSecret),
		subreddit:    strings.TrimPrefix(strings.TrimSpace(creds.Subreddit), "r/"),
		tokenURL:     creds.TokenURL,
	}
	if r.subreddit == "" {
		r.subreddit = "SquaredCircle"
	}
	if r.tokenURL == "" {
		r.tokenURL = redditTokenURL
	}
	r.tokens = NewTokenCache(SourceReddit, r.authenticate, r.now, r.metrics)
	return r
}

func (r *Reddit) Name() SourceType { return SourceReddit }

// Mentions counts posts in the subreddit from the past daysBack days that
// match name. At most MaxItems posts are returned.
func (r *Reddit) Mentions(ctx context.Context, name string, daysBack int) (*RedditMentions, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errRequired(SourceReddit, "Name")
	}
	if daysBack <= 0 {
		daysBack = DefaultLookbackDays
	}

	token := r.tokens.Get(ctx)
	if token == "" {
		return nil, errNotConfigured(SourceReddit)
	}

	params := url.Values{}
	params.Set("q", name)
	params.Set("restrict_sr", "1")
	params.Set("sort", "new")
	params.Set("limit", "100")
	reqURL := fmt.Sprintf("%s/r/%s/search?%s", r.baseURL, url.PathEscape(r.subreddit), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errTransport(SourceReddit, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.do(ctx, req)
	if err != nil {
		return nil, errTransport(SourceReddit, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		r.tokens.Invalidate()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errStatus(SourceReddit, resp.StatusCode)
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, errInvalidResponse(SourceReddit, err)
	}
	if listing.Data == nil || listing.Data.Children == nil {
		return nil, errInvalidResponse(SourceReddit, nil)
	}

	cutoff := float64(r.now().AddDate(0, 0, -daysBack).Unix())
	out := &RedditMentions{Posts: []RedditPost{}}
	for _, child := range *listing.Data.Children {
		post := child.Data
		if post.CreatedUTC < cutoff {
			continue
		}
		out.Mentions++
		if len(out.Posts) < MaxItems {
			out.Posts = append(out.Posts, RedditPost{
				Title:   post.Title,
				Score:   post.Score,
				URL:     "https://reddit.com" + post.Permalink,
				Created: time.Unix(int64(post.CreatedUTC), 0).UTC(),
			})
		}
	}
	return out, nil
}

// authenticate runs the client-credentials handshake.
func (r *Reddit) authenticate(ctx context.Context) (string, time.Duration, error) {
	if r.clientID == "" || r.clientSecret == "" {
		return "", 0, errNotConfigured(SourceReddit)
	}

	data := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.do(ctx, req)
	if err != nil {
		r.log.Warn(ctx, "reddit token request failed", logger.Error(err))
		return "", 0, fmt.Errorf("reddit token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Warn(ctx, "reddit token rejected", logger.Int("status", resp.StatusCode))
		return "", 0, fmt.Errorf("reddit auth status %d", resp.StatusCode)
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("decode reddit token: %w", err)
	}
	return tokenResp.AccessToken, time.Duration(tokenResp.ExpiresIn) * time.Second, nil
}

type redditListing struct {
	Data *struct {
		Children *[]struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Permalink   string  `json:"permalink"`
	Score       int     `json:"score"`
	CreatedUTC  float64 `json:"created_utc"`
	NumComments int     `json:"num_comments"`
}
