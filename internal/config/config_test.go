package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ringrank.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	Convey("Given the default configuration", t, func() {
		cfg := Default()

		Convey("It validates", func() {
			So(cfg.Validate(), ShouldBeNil)
		})

		Convey("It runs serially with the documented intervals", func() {
			So(cfg.Batch.Workers, ShouldEqual, 1)
			So(cfg.Batch.ParseCollectorTimeout(), ShouldEqual, 30*time.Second)
			So(cfg.Schedule.ParseInterval(), ShouldEqual, 24*time.Hour)
			So(cfg.Scoring.ParseHistoryRetention(), ShouldEqual, 90*24*time.Hour)
			So(cfg.Sources.Podcasts.ParseCacheTTL(), ShouldEqual, 15*time.Minute)
		})

		Convey("Normalization is off", func() {
			So(cfg.Scoring.Normalization.Params(), ShouldBeNil)
		})

		Convey("Reddit targets the wrestling subreddit", func() {
			So(cfg.Sources.Reddit.Subreddit, ShouldEqual, "SquaredCircle")
			So(cfg.Sources.Reddit.UserAgent, ShouldEqual, "ringrank/1.0")
			So(len(cfg.Sources.Podcasts.Feeds), ShouldEqual, 3)
		})
	})
}

func TestLoad(t *testing.T) {
	Convey("Given a YAML file", t, func() {
		path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://localhost/ringrank
scoring:
  weights: {twitter: 0.4, instagram: 0.1, reddit: 0.2, podcasts: 0.2, youtube: 0.1}
  normalization:
    enabled: true
    twitter_max: 100000
    reddit_max: 1000
batch:
  workers: 4
  collector_timeout: 5s
`)

		Convey("Values override the defaults", func() {
			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.Database.Driver, ShouldEqual, "postgres")
			So(cfg.Scoring.Weights.Twitter, ShouldEqual, 0.4)
			So(cfg.Batch.Workers, ShouldEqual, 4)
			So(cfg.Batch.ParseCollectorTimeout(), ShouldEqual, 5*time.Second)
			So(cfg.Server.Port, ShouldEqual, 8080)
			So(cfg.Validate(), ShouldBeNil)

			params := cfg.Scoring.Normalization.Params()
			So(params, ShouldNotBeNil)
			So(params.TwitterMax, ShouldEqual, 100000)
			So(params.RedditMax, ShouldEqual, 1000)
		})

		Convey("Environment variables win over the file", func() {
			t.Setenv("RINGRANK_DB_DSN", "postgres://other/ringrank")
			t.Setenv("CRON_SECRET", "s3cret")
			t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.example/x")

			cfg, err := Load(path)
			So(err, ShouldBeNil)
			So(cfg.Database.DSN, ShouldEqual, "postgres://other/ringrank")
			So(cfg.Server.CronSecret, ShouldEqual, "s3cret")
			So(cfg.Alerts.Slack.Enabled, ShouldBeTrue)
		})
	})

	Convey("A missing file is an error", t, func() {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		So(err, ShouldNotBeNil)
	})

	Convey("Malformed YAML is an error", t, func() {
		_, err := Load(writeConfig(t, "database: [unclosed"))
		So(err, ShouldNotBeNil)
	})
}

func TestValidate(t *testing.T) {
	Convey("Given an invalid configuration", t, func() {
		cfg := Default()

		Convey("Weights off by more than the tolerance are rejected", func() {
			cfg.Scoring.Weights.YouTube = 0.05
			So(cfg.Validate(), ShouldNotBeNil)
			So(cfg.Validate().Error(), ShouldContainSubstring, "scoring.weights")
		})

		Convey("Zero workers are rejected", func() {
			cfg.Batch.Workers = 0
			So(cfg.Validate().Error(), ShouldContainSubstring, "batch.workers")
		})

		Convey("Unknown drivers are rejected", func() {
			cfg.Database.Driver = "mysql"
			So(cfg.Validate().Error(), ShouldContainSubstring, "database.driver")
		})

		Convey("Bad durations are rejected", func() {
			cfg.Batch.CollectorTimeout = "soon"
			So(cfg.Validate().Error(), ShouldContainSubstring, "batch.collector_timeout")
		})

		Convey("All problems are reported together", func() {
			cfg.Batch.Workers = 0
			cfg.Database.Driver = "mysql"
			err := cfg.Validate()
			So(err.Error(), ShouldContainSubstring, "batch.workers")
			So(err.Error(), ShouldContainSubstring, "database.driver")
		})
	})
}
