package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const instagramBaseURL = "https://graph.facebook.com/v19.0"

// Instagram looks up follower counts through the Graph API business
// discovery edge. accountID is the business account that owns the token.
type Instagram struct {
	client
	accessToken string
	accountID   string
}

// NewInstagram creates a new Instagram follower collector.
func NewInstagram(accessToken, accountID string, opts ...Option) *Instagram {
	return &Instagram{
		client:      newClient(instagramBaseURL, opts),
		accessToken: strings.TrimSpace(accessToken),
		accountID:   strings.TrimSpace(accountID),
	}
}

func (i *Instagram) Name() SourceType { return SourceInstagram }

// Followers returns the follower count of a business or creator account.
func (i *Instagram) Followers(ctx context.Context, username string) (*FollowerData, error) {
	handle := cleanHandle(username)
	if handle == "" {
		return nil, errRequired(SourceInstagram, "Username")
	}
	if i.accessToken == "" || i.accountID == "" {
		return nil, errNotConfigured(SourceInstagram)
	}

	params := url.Values{}
	params.Set("fields", fmt.Sprintf("business_discovery.username(%s){username,followers_count}", handle))
	params.Set("access_token", i.accessToken)

	reqURL := fmt.Sprintf("%s/%s?%s", i.baseURL, url.PathEscape(i.accountID), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errTransport(SourceInstagram, err)
	}

	resp, err := i.do(ctx, req)
	if err != nil {
		return nil, errTransport(SourceInstagram, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errUserNotFound(SourceInstagram)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errStatus(SourceInstagram, resp.StatusCode)
	}

	var body instagramDiscoveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errInvalidResponse(SourceInstagram, err)
	}
	if body.BusinessDiscovery == nil || body.BusinessDiscovery.Username == "" {
		return nil, errInvalidResponse(SourceInstagram, nil)
	}

	return &FollowerData{
		Handle:    body.BusinessDiscovery.Username,
		Followers: body.BusinessDiscovery.FollowersCount,
	}, nil
}

type instagramDiscoveryResponse struct {
	ID                string `json:"id"`
	BusinessDiscovery *struct {
		Username       string `json:"username"`
		FollowersCount int64  `json:"followers_count"`
	} `json:"business_discovery"`
}
