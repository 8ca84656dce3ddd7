package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const twitterBaseURL = "https://api.twitter.com/2"

// Twitter looks up follower counts through the Twitter/X v2 API.
type Twitter struct {
	client
	bearerToken string
}

// NewTwitter creates a new Twitter follower collector.
func NewTwitter(bearerToken string, opts ...Option) *Twitter {
	return &Twitter{
		client:      newClient(twitterBaseURL, opts),
		bearerToken: strings.TrimSpace(bearerToken),
	}
}

func (t *Twitter) Name() SourceType { return SourceTwitter }

// Followers returns the public follower count for username.
func (t *Twitter) Followers(ctx context.Context, username string) (*FollowerData, error) {
	handle := cleanHandle(username)
	if handle == "" {
		return nil, errRequired(SourceTwitter, "Username")
	}
	if t.bearerToken == "" {
		return nil, errNotConfigured(SourceTwitter)
	}

	reqURL := fmt.Sprintf("%s/users/by/username/%s?user.fields=public_metrics,verified",
		t.baseURL, url.PathEscape(handle))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errTransport(SourceTwitter, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.bearerToken)

	resp, err := t.do(ctx, req)
	if err != nil {
		return nil, errTransport(SourceTwitter, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errUserNotFound(SourceTwitter)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errStatus(SourceTwitter, resp.StatusCode)
	}

	var body twitterUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errInvalidResponse(SourceTwitter, err)
	}
	if body.Data == nil {
		return nil, errInvalidResponse(SourceTwitter, nil)
	}

	data := &FollowerData{
		Handle:   body.Data.Username,
		Verified: body.Data.Verified,
	}
	if body.Data.PublicMetrics != nil {
		data.Followers = body.Data.PublicMetrics.FollowersCount
	}
	return data, nil
}

type twitterUserResponse struct {
	Data *struct {
		ID            string `json:"id"`
		Username      string `json:"username"`
		Verified      bool   `json:"verified"`
		PublicMetrics *struct {
			FollowersCount int64 `json:"followers_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}
