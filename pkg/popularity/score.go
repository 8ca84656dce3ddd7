package popularity

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidWeights is returned when a weight set does not sum to 1.0.
var ErrInvalidWeights = errors.New("weights must sum to 1.0")

// weightTolerance is how far a weight sum may drift from 1.0.
const weightTolerance = 0.01

// Metrics holds the raw popularity signals for one entity.
type Metrics struct {
	TwitterFollowers   int64     `json:"twitter_followers" db:"twitter_followers"`
	InstagramFollowers int64     `json:"instagram_followers" db:"instagram_followers"`
	YouTubeSubscribers int64     `json:"youtube_subscribers" db:"youtube_subscribers"`
	RedditMentions     int64     `json:"reddit_mentions" db:"reddit_mentions"`
	PodcastMentions    int64     `json:"podcast_mentions" db:"podcast_mentions"`
	LastUpdated        time.Time `json:"last_updated" db:"metrics_updated_at"`
}

// Weights assigns a fraction of the score to each metric.
type Weights struct {
	Twitter   float64 `json:"twitter" yaml:"twitter"`
	Instagram float64 `json:"instagram" yaml:"instagram"`
	Reddit    float64 `json:"reddit" yaml:"reddit"`
	Podcasts  float64 `json:"podcasts" yaml:"podcasts"`
	YouTube   float64 `json:"youtube" yaml:"youtube"`
}

// DefaultWeights favours the two follower counts, then mentions, then video.
func DefaultWeights() Weights {
	return Weights{
		Twitter:   0.25,
		Instagram: 0.25,
		Reddit:    0.20,
		Podcasts:  0.20,
		YouTube:   0.10,
	}
}

// Sum returns the total of all five weights.
func (w Weights) Sum() float64 {
	return w.Twitter + w.Instagram + w.Reddit + w.Podcasts + w.YouTube
}

// Validate checks that the weights sum to 1.0 within tolerance.
func (w Weights) Validate() error {
	for _, v := range []float64{w.Twitter, w.Instagram, w.Reddit, w.Podcasts, w.YouTube} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: negative or NaN weight %v", ErrInvalidWeights, v)
		}
	}
	sum := w.Sum()
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w, got %g", ErrInvalidWeights, sum)
	}
	return nil
}

// NormalizationParams holds the per-metric maximum used for min-max scaling.
// The minimum is always 0.
type NormalizationParams struct {
	TwitterMax   float64 `json:"twitter_max" yaml:"twitter_max"`
	InstagramMax float64 `json:"instagram_max" yaml:"instagram_max"`
	RedditMax    float64 `json:"reddit_max" yaml:"reddit_max"`
	PodcastsMax  float64 `json:"podcasts_max" yaml:"podcasts_max"`
	YouTubeMax   float64 `json:"youtube_max" yaml:"youtube_max"`
}

// Normalize rescales value into the 0-100 range between min and max,
// clamping values outside the range. A degenerate range yields 0.
func Normalize(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	if value < min {
		return 0
	}
	if value > max {
		return 100
	}
	return (value - min) / (max - min) * 100
}

// Score combines metrics into a single value rounded to 2 decimal places.
// Without normalization params the raw magnitudes are weighted directly.
func Score(m Metrics, w Weights, norm *NormalizationParams) (float64, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}

	values := [5]float64{
		float64(m.TwitterFollowers),
		float64(m.InstagramFollowers),
		float64(m.RedditMentions),
		float64(m.PodcastMentions),
		float64(m.YouTubeSubscribers),
	}
	if norm != nil {
		values = [5]float64{
			Normalize(values[0], 0, norm.TwitterMax),
			Normalize(values[1], 0, norm.InstagramMax),
			Normalize(values[2], 0, norm.RedditMax),
			Normalize(values[3], 0, norm.PodcastsMax),
			Normalize(values[4], 0, norm.YouTubeMax),
		}
	}
	weights := [5]float64{w.Twitter, w.Instagram, w.Reddit, w.Podcasts, w.YouTube}

	sum := decimal.Zero
	for i := range values {
		sum = sum.Add(decimal.NewFromFloat(values[i]).Mul(decimal.NewFromFloat(weights[i])))
	}
	return sum.Round(2).InexactFloat64(), nil
}

// Change returns the percentage change between two scores, rounded to 2
// places. Growth from zero counts as 100%.
func Change(oldScore, newScore float64) float64 {
	if oldScore == 0 {
		if newScore > 0 {
			return 100
		}
		return 0
	}
	return round2((newScore - oldScore) / oldScore * 100)
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
