package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

const youtubeBaseURL = "https://www.googleapis.com/youtube/v3"

// YouTube looks up channel subscriber counts through the Data API.
type YouTube struct {
	client
	apiKey string
}

// NewYouTube creates a new YouTube subscriber collector.
func NewYouTube(apiKey string, opts ...Option) *YouTube {
	return &YouTube{
		client: newClient(youtubeBaseURL, opts),
		apiKey: strings.TrimSpace(apiKey),
	}
}

func (y *YouTube) Name() SourceType { return SourceYouTube }

// Followers returns the subscriber count of the channel behind handle.
// Channels that hide their count report 0.
func (y *YouTube) Followers(ctx context.Context, handle string) (*FollowerData, error) {
	clean := cleanHandle(handle)
	if clean == "" {
		return nil, errRequired(SourceYouTube, "Handle")
	}
	if y.apiKey == "" {
		return nil, errNotConfigured(SourceYouTube)
	}

	params := url.Values{}
	params.Set("part", "snippet,statistics")
	params.Set("forHandle", "@"+clean)
	params.Set("key", y.apiKey)

	reqURL := y.baseURL + "/channels?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errTransport(SourceYouTube, err)
	}

	resp, err := y.do(ctx, req)
	if err != nil {
		return nil, errTransport(SourceYouTube, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errUserNotFound(SourceYouTube)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errStatus(SourceYouTube, resp.StatusCode)
	}

	var result ytChannelResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errInvalidResponse(SourceYouTube, err)
	}
	if result.Items == nil {
		// The API omits items entirely when no channel matches.
		if result.Kind == "youtube#channelListResponse" {
			return nil, errUserNotFound(SourceYouTube)
		}
		return nil, errInvalidResponse(SourceYouTube, nil)
	}
	if len(*result.Items) == 0 {
		return nil, errUserNotFound(SourceYouTube)
	}

	channel := (*result.Items)[0]
	name := channel.Snippet.CustomURL
	if name == "" {
		name = clean
	}
	return &FollowerData{
		Handle:    strings.TrimPrefix(name, "@"),
		Followers: channel.Statistics.SubscriberCount,
	}, nil
}

type ytChannelResult struct {
	Kind  string `json:"kind"`
	Items *[]struct {
		ID      string `json:"id"`
		Snippet struct {
			Title     string `json:"title"`
			CustomURL string `json:"customUrl"`
		} `json:"snippet"`
		Statistics struct {
			SubscriberCount       int64 `json:"subscriberCount,string"`
			HiddenSubscriberCount bool  `json:"hiddenSubscriberCount"`
		} `json:"statistics"`
	} `json:"items"`
}
