package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// PostgresOptions configure a Postgres + pgvector store.
type PostgresOptions struct {
	URL            string
	EmbeddingDim   int
	MaxConns       int
	AcquireTimeout time.Duration
}

// PostgresStore implements Store using Postgres + pgvector.
type PostgresStore struct {
	pool           *pgxpool.Pool
	dim            int
	acquireTimeout time.Duration
}

// NewPostgresStore connects, sizes the pool and ensures the schema.
func NewPostgresStore(ctx context.Context, opts PostgresOptions) (*PostgresStore, error) {
	if opts.EmbeddingDim <= 0 {
		return nil, goerr.New("embedding dimension must be positive", goerr.V("dim", opts.EmbeddingDim))
	}
	cfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid postgres url")
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable(err, "failed to connect to postgres")
	}
	s := &PostgresStore{pool: pool, dim: opts.EmbeddingDim, acquireTimeout: opts.AcquireTimeout}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS components (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB,
			embedding vector(%d),
			base_relevance DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_components_agent_created ON components (agent_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS feedback_events (
			id TEXT PRIMARY KEY,
			component_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			delta DOUBLE PRECISION NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_component ON feedback_events (component_id)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback_events (agent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return unavailable(err, "failed to initialize postgres schema")
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, c models.Component) error {
	if err := checkComponent(&c, s.dim); err != nil {
		return err
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	var embedding, metadata *string
	if len(c.Embedding) > 0 {
		v := vectorLiteral(c.Embedding)
		embedding = &v
	}
	if c.Metadata != "" {
		metadata = &c.Metadata
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO components (id, agent_id, kind, content, tags, metadata, embedding, base_relevance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::vector, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			kind = EXCLUDED.kind,
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			base_relevance = EXCLUDED.base_relevance,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.AgentID, string(c.Kind), c.Content, tags, metadata, embedding,
		c.BaseRelevance, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return unavailable(err, "failed to put component", goerr.V("id", c.ID))
	}
	return nil
}

const pgComponentColumns = `id, agent_id, kind, content, tags, metadata::text, embedding::text,
	base_relevance, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Component, error) {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	row := s.pool.QueryRow(ctx, "SELECT "+pgComponentColumns+" FROM components WHERE id = $1", id)
	c, err := scanPgComponent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Component{}, goerr.Wrap(models.ErrNotFound, "component not found", goerr.V("id", id))
	}
	if err != nil {
		return models.Component{}, unavailable(err, "failed to get component", goerr.V("id", id))
	}
	return c, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM components WHERE id = $1`, id)
	if err != nil {
		return unavailable(err, "failed to delete component", goerr.V("id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(models.ErrNotFound, "component not found", goerr.V("id", id))
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, params models.QueryParams) ([]models.Component, error) {
	if params.AgentID == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	where, args := pgWhere(params)
	args = append(args, limitOf(params))

	query := "SELECT " + pgComponentColumns + " FROM components WHERE " + where +
		" ORDER BY " + orderClause(params.Order) +
		fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to query components", goerr.V("agent_id", params.AgentID))
	}
	defer rows.Close()

	var out []models.Component
	for rows.Next() {
		c, err := scanPgComponent(rows)
		if err != nil {
			return nil, unavailable(err, "failed to scan component")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "failed to iterate components")
	}
	return out, nil
}

func pgWhere(params models.QueryParams) (string, []any) {
	conditions := []string{"agent_id = $1"}
	args := []any{params.AgentID}
	if len(params.Kinds) > 0 {
		args = append(args, kindStrings(params.Kinds))
		conditions = append(conditions, fmt.Sprintf("kind = ANY($%d)", len(args)))
	}
	if len(params.Tags) > 0 {
		args = append(args, params.Tags)
		conditions = append(conditions, fmt.Sprintf("tags @> $%d", len(args)))
	}
	return strings.Join(conditions, " AND "), args
}

// Count ignores limit and order.
func (s *PostgresStore) Count(ctx context.Context, params models.QueryParams) (int, error) {
	if params.AgentID == "" {
		return 0, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	where, args := pgWhere(params)
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM components WHERE "+where, args...).Scan(&n); err != nil {
		return 0, unavailable(err, "failed to count components", goerr.V("agent_id", params.AgentID))
	}
	return n, nil
}

// Search orders by pgvector cosine distance; similarity is 1 - distance.
func (s *PostgresStore) Search(ctx context.Context, agentID string, embedding []float32, k int) ([]models.Match, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	if err := checkDim(embedding, s.dim); err != nil {
		return nil, err
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id, (embedding <=> $2::vector) AS distance
		FROM components
		WHERE agent_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2::vector, id
		LIMIT $3
	`, agentID, vectorLiteral(embedding), k)
	if err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrRetrieverUnavailable, err),
			"failed to execute similarity search", goerr.V("agent_id", agentID))
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var m models.Match
		var distance float64
		if err := rows.Scan(&m.ComponentID, &distance); err != nil {
			return nil, goerr.Wrap(models.Classify(models.ErrRetrieverUnavailable, err), "failed to scan match")
		}
		m.Similarity = clampSimilarity(1 - distance)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrRetrieverUnavailable, err), "failed to iterate matches")
	}
	return matches, nil
}

func (s *PostgresStore) AppendFeedback(ctx context.Context, ev models.FeedbackEvent) error {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback_events (id, component_id, agent_id, delta, ts) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.ComponentID, ev.AgentID, ev.Delta, ev.Timestamp.UTC())
	if err != nil {
		return unavailable(err, "failed to append feedback", goerr.V("component_id", ev.ComponentID))
	}
	return nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context, componentIDs []string) (map[string][]models.FeedbackEvent, error) {
	out := make(map[string][]models.FeedbackEvent)
	if len(componentIDs) == 0 {
		return out, nil
	}
	events, err := s.listFeedback(ctx,
		`SELECT id, component_id, agent_id, delta, ts FROM feedback_events WHERE component_id = ANY($1) ORDER BY ts, id`,
		componentIDs)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		out[ev.ComponentID] = append(out[ev.ComponentID], ev)
	}
	return out, nil
}

func (s *PostgresStore) ListAgentFeedback(ctx context.Context, agentID string) ([]models.FeedbackEvent, error) {
	return s.listFeedback(ctx,
		`SELECT id, component_id, agent_id, delta, ts FROM feedback_events WHERE agent_id = $1 ORDER BY ts, id`,
		agentID)
}

func (s *PostgresStore) listFeedback(ctx context.Context, query string, arg any) ([]models.FeedbackEvent, error) {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, unavailable(err, "failed to query feedback")
	}
	defer rows.Close()

	var events []models.FeedbackEvent
	for rows.Next() {
		var ev models.FeedbackEvent
		if err := rows.Scan(&ev.ID, &ev.ComponentID, &ev.AgentID, &ev.Delta, &ev.Timestamp); err != nil {
			return nil, unavailable(err, "failed to scan feedback")
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "failed to iterate feedback")
	}
	return events, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable(err, "postgres ping failed")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgComponent(row pgx.Row) (models.Component, error) {
	var c models.Component
	var kind string
	var metadata, embedding *string
	if err := row.Scan(&c.ID, &c.AgentID, &kind, &c.Content, &c.Tags, &metadata, &embedding,
		&c.BaseRelevance, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Component{}, err
	}
	c.Kind = models.Kind(kind)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if len(c.Tags) == 0 {
		c.Tags = nil
	}
	if metadata != nil {
		c.Metadata = *metadata
	}
	if embedding != nil {
		// pgvector text form is a JSON array
		if err := json.Unmarshal([]byte(*embedding), &c.Embedding); err != nil {
			return models.Component{}, goerr.Wrap(err, "failed to parse embedding", goerr.V("id", c.ID))
		}
	}
	return c, nil
}
