package store

// Each driver gets its own DDL; column names are shared so the same
// queries work on both once rebound.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    bio                 TEXT NOT NULL DEFAULT '',
    photo_url           TEXT NOT NULL DEFAULT '',
    twitter_handle      TEXT NOT NULL DEFAULT '',
    instagram_handle    TEXT NOT NULL DEFAULT '',
    youtube_handle      TEXT NOT NULL DEFAULT '',
    twitter_followers   INTEGER NOT NULL DEFAULT 0,
    instagram_followers INTEGER NOT NULL DEFAULT 0,
    youtube_subscribers INTEGER NOT NULL DEFAULT 0,
    reddit_mentions     INTEGER NOT NULL DEFAULT 0,
    podcast_mentions    INTEGER NOT NULL DEFAULT 0,
    metrics_updated_at  DATETIME NOT NULL,
    score               REAL NOT NULL DEFAULT 0,
    rank                INTEGER NOT NULL DEFAULT 0,
    history             TEXT NOT NULL DEFAULT '[]',
    created_at          DATETIME NOT NULL,
    updated_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_rank ON entities(rank);
CREATE INDEX IF NOT EXISTS idx_entities_score ON entities(score);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS entities (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    bio                 TEXT NOT NULL DEFAULT '',
    photo_url           TEXT NOT NULL DEFAULT '',
    twitter_handle      TEXT NOT NULL DEFAULT '',
    instagram_handle    TEXT NOT NULL DEFAULT '',
    youtube_handle      TEXT NOT NULL DEFAULT '',
    twitter_followers   BIGINT NOT NULL DEFAULT 0,
    instagram_followers BIGINT NOT NULL DEFAULT 0,
    youtube_subscribers BIGINT NOT NULL DEFAULT 0,
    reddit_mentions     BIGINT NOT NULL DEFAULT 0,
    podcast_mentions    BIGINT NOT NULL DEFAULT 0,
    metrics_updated_at  TIMESTAMPTZ NOT NULL,
    score               DOUBLE PRECISION NOT NULL DEFAULT 0,
    rank                INTEGER NOT NULL DEFAULT 0,
    history             TEXT NOT NULL DEFAULT '[]',
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_rank ON entities(rank);
CREATE INDEX IF NOT EXISTS idx_entities_score ON entities(score);
CREATE INDEX IF NOT EXISTS idx_entities_name ON entities(name);
`
