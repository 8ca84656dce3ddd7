package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elonfeng/ringrank/pkg/popularity"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no entity has the requested id.
var ErrNotFound = errors.New("entity not found")

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Social holds the platform handles of an entity. Empty means not tracked.
type Social struct {
	Twitter   string `db:"twitter_handle" json:"twitter,omitempty"`
	Instagram string `db:"instagram_handle" json:"instagram,omitempty"`
	YouTube   string `db:"youtube_handle" json:"youtube,omitempty"`
}

// Entity is one tracked wrestler.
type Entity struct {
	ID       string `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Bio      string `db:"bio" json:"bio"`
	PhotoURL string `db:"photo_url" json:"photo_url,omitempty"`

	Social             `json:"social"`
	popularity.Metrics `json:"metrics"`

	Score       float64           `db:"score" json:"score"`
	Rank        int               `db:"rank" json:"rank"`
	HistoryJSON string            `db:"history" json:"-"`
	History     popularity.Series `db:"-" json:"history"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Name     *string
	Bio      *string
	PhotoURL *string
	Social   *Social
	Metrics  *popularity.Metrics
	Score    *float64
	Rank     *int
	History  *popularity.Series
	// UpdatedAt defaults to the current time.
	UpdatedAt time.Time
}

// Sort orders for List.
const (
	SortRank  = "rank"
	SortName  = "name"
	SortScore = "score"
)

// ListOpts controls entity listing.
type ListOpts struct {
	Sort  string
	Query string // case-insensitive name prefix
	Limit int
}

// Store is the roster persistence interface.
type Store interface {
	ListAll(ctx context.Context) ([]Entity, error)
	List(ctx context.Context, opts ListOpts) ([]Entity, error)
	Get(ctx context.Context, id string) (*Entity, error)
	Create(ctx context.Context, e *Entity) error
	Update(ctx context.Context, id string, p Patch) error
	Delete(ctx context.Context, id string) error
	Close() error
}

const entityColumns = `id, name, bio, photo_url, twitter_handle, instagram_handle, youtube_handle,
	twitter_followers, instagram_followers, youtube_subscribers, reddit_mentions, podcast_mentions,
	metrics_updated_at, score, rank, history, created_at, updated_at`

// SQLStore implements Store over SQLite or Postgres.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to the database and creates the schema.
func Open(driver, dsn string) (*SQLStore, error) {
	var (
		sqlDriver = driver
		schema    string
	)
	switch driver {
	case DriverSQLite, "":
		sqlDriver = DriverSQLite
		schema = sqliteSchema
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case DriverPostgres:
		sqlDriver = "pgx"
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if sqlDriver == DriverSQLite {
		// One writer keeps per-entity updates from hitting SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLStore{db: db, now: time.Now}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ListAll(ctx context.Context) ([]Entity, error) {
	var entities []Entity
	err := s.db.SelectContext(ctx, &entities, "SELECT "+entityColumns+" FROM entities ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list all entities: %w", err)
	}
	if err := decodeHistory(entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func (s *SQLStore) List(ctx context.Context, opts ListOpts) ([]Entity, error) {
	query := "SELECT " + entityColumns + " FROM entities WHERE 1=1"
	var args []any

	if q := strings.TrimSpace(opts.Query); q != "" {
		query += ` AND LOWER(name) LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(strings.ToLower(q))+"%")
	}

	switch opts.Sort {
	case SortName:
		query += " ORDER BY LOWER(name), id"
	case SortScore:
		query += " ORDER BY score DESC, LOWER(name)"
	default:
		// Unranked entities (rank 0) sort last.
		query += " ORDER BY CASE WHEN rank = 0 THEN 1 ELSE 0 END, rank, LOWER(name)"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var entities []Entity
	if err := s.db.SelectContext(ctx, &entities, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	if err := decodeHistory(entities); err != nil {
		return nil, err
	}
	return entities, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Entity, error) {
	var e Entity
	err := s.db.GetContext(ctx, &e, s.db.Rebind("SELECT "+entityColumns+" FROM entities WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(e.HistoryJSON), &e.History); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", id, err)
	}
	return &e, nil
}

// Create inserts e, assigning an id and timestamps when missing.
func (s *SQLStore) Create(ctx context.Context, e *Entity) error {
	now := s.now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if e.History == nil {
		e.History = popularity.Series{}
	}
	historyJSON, err := json.Marshal(e.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	e.HistoryJSON = string(historyJSON)

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (:id, :name, :bio, :photo_url, :twitter_handle, :instagram_handle, :youtube_handle,
			:twitter_followers, :instagram_followers, :youtube_subscribers, :reddit_mentions, :podcast_mentions,
			:metrics_updated_at, :score, :rank, :history, :created_at, :updated_at)
	`, e)
	if err != nil {
		return fmt.Errorf("insert entity %s: %w", e.Name, err)
	}
	return nil
}

// Update applies p to the entity in a single statement, so readers never
// see a partially written row.
func (s *SQLStore) Update(ctx context.Context, id string, p Patch) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Bio != nil {
		set("bio", *p.Bio)
	}
	if p.PhotoURL != nil {
		set("photo_url", *p.PhotoURL)
	}
	if p.Social != nil {
		set("twitter_handle", p.Social.Twitter)
		set("instagram_handle", p.Social.Instagram)
		set("youtube_handle", p.Social.YouTube)
	}
	if m := p.Metrics; m != nil {
		set("twitter_followers", m.TwitterFollowers)
		set("instagram_followers", m.InstagramFollowers)
		set("youtube_subscribers", m.YouTubeSubscribers)
		set("reddit_mentions", m.RedditMentions)
		set("podcast_mentions", m.PodcastMentions)
		set("metrics_updated_at", m.LastUpdated.UTC())
	}
	if p.Score != nil {
		set("score", *p.Score)
	}
	if p.Rank != nil {
		set("rank", *p.Rank)
	}
	if p.History != nil {
		history := *p.History
		if history == nil {
			history = popularity.Series{}
		}
		raw, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("encode history %s: %w", id, err)
		}
		set("history", string(raw))
	}

	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	set("updated_at", updatedAt.UTC())
	args = append(args, id)

	query := "UPDATE entities SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM entities WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeHistory(entities []Entity) error {
	for i := range entities {
		if err := json.Unmarshal([]byte(entities[i].HistoryJSON), &entities[i].History); err != nil {
			return fmt.Errorf("decode history %s: %w", entities[i].ID, err)
		}
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
