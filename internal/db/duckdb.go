package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/m-mizutani/goerr/v2"

	"github.com/HamiltonHausTech/ai-context-manager/internal/models"
)

// DuckOptions configure an embedded DuckDB store.
type DuckOptions struct {
	// Path of the database file; empty opens an in-memory database.
	Path           string
	EmbeddingDim   int
	MaxConns       int
	AcquireTimeout time.Duration
}

// DuckStore wraps DuckDB operations
type DuckStore struct {
	db             *sql.DB
	dim            int
	acquireTimeout time.Duration
}

// NewDuckStore opens (creating if needed) a DuckDB component store
func NewDuckStore(opts DuckOptions) (*DuckStore, error) {
	if opts.EmbeddingDim <= 0 {
		return nil, goerr.New("embedding dimension must be positive", goerr.V("dim", opts.EmbeddingDim))
	}
	db, err := sql.Open("duckdb", opts.Path)
	if err != nil {
		return nil, unavailable(err, "failed to open database", goerr.V("path", opts.Path))
	}
	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}

	store := &DuckStore{db: db, dim: opts.EmbeddingDim, acquireTimeout: opts.AcquireTimeout}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to initialize database", goerr.V("path", opts.Path))
	}

	return store, nil
}

// initialize sets up the schema. array_cosine_similarity is part of core
// DuckDB, so no extension is required.
func (s *DuckStore) initialize() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS components (
			id VARCHAR PRIMARY KEY,
			agent_id VARCHAR NOT NULL,
			kind VARCHAR NOT NULL,
			content TEXT NOT NULL,
			tags VARCHAR[],
			metadata JSON,
			embedding FLOAT[%d],
			base_relevance DOUBLE NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		-- No secondary indexes on components: rows are rewritten on update

		CREATE TABLE IF NOT EXISTS feedback_events (
			id VARCHAR PRIMARY KEY,
			component_id VARCHAR NOT NULL,
			agent_id VARCHAR NOT NULL,
			delta DOUBLE NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_feedback_component ON feedback_events (component_id);
		CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback_events (agent_id);
	`, s.dim)

	if _, err := s.db.Exec(schema); err != nil {
		return goerr.Wrap(err, "failed to execute schema")
	}

	if err := s.migrate(); err != nil {
		return goerr.Wrap(err, "failed to run migrations")
	}

	return nil
}

// migrate brings databases created by older releases up to date
func (s *DuckStore) migrate() error {
	// Migration 1: tags and metadata were added after the first release
	for _, stmt := range []string{
		"ALTER TABLE components ADD COLUMN IF NOT EXISTS tags VARCHAR[]",
		"ALTER TABLE components ADD COLUMN IF NOT EXISTS metadata JSON",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return goerr.Wrap(err, "migration failed", goerr.V("statement", stmt))
		}
	}

	// The embedding dimension is fixed per database file
	var colType string
	err := s.db.QueryRow(`
		SELECT data_type
		FROM information_schema.columns
		WHERE table_name = 'components' AND column_name = 'embedding'
	`).Scan(&colType)
	if err != nil {
		return nil
	}
	if got, ok := arrayDim(colType); ok && got != s.dim {
		return goerr.Wrap(models.ErrDimensionMismatch, "database was created with another embedding dimension",
			goerr.V("column", colType), goerr.V("configured", s.dim))
	}

	return nil
}

// Dim returns the fixed embedding dimension of this store
func (s *DuckStore) Dim() int { return s.dim }

// Put inserts a component or updates the stored one with the same id
func (s *DuckStore) Put(ctx context.Context, c models.Component) error {
	if err := checkComponent(&c, s.dim); err != nil {
		return err
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	// Lists go in as JSON text; DuckDB casts them to VARCHAR[] and FLOAT[n]
	var tagsJSON any
	if len(c.Tags) > 0 {
		data, _ := json.Marshal(c.Tags)
		tagsJSON = string(data)
	}
	var embeddingJSON any
	if len(c.Embedding) > 0 {
		embeddingJSON = vectorLiteral(c.Embedding)
	}
	var metadataJSON any
	if c.Metadata != "" {
		metadataJSON = c.Metadata
	}

	// created_at is left out of the update set so it never changes
	const upsert = `
		INSERT INTO components (
			id, agent_id, kind, content, tags, metadata, embedding,
			base_relevance, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			kind = EXCLUDED.kind,
			content = EXCLUDED.content,
			tags = EXCLUDED.tags,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			base_relevance = EXCLUDED.base_relevance,
			updated_at = EXCLUDED.updated_at
	`
	var err error
	for attempt := 0; attempt < putAttempts; attempt++ {
		_, err = s.db.ExecContext(ctx, upsert,
			c.ID, c.AgentID, string(c.Kind), c.Content, tagsJSON, metadataJSON, embeddingJSON,
			c.BaseRelevance, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
		)
		if err == nil || !isTransientConflict(err) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return unavailable(err, "failed to store component", goerr.V("id", c.ID))
	}
	return nil
}

// putAttempts bounds retries of an upsert that lost to a concurrent
// transaction writing the same id.
const putAttempts = 5

// isTransientConflict reports DuckDB's optimistic concurrency failures. With
// ON CONFLICT in place a duplicate key can only come from a concurrent
// insert that committed first, so a retry takes the update path.
func isTransientConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict on tuple") ||
		strings.Contains(msg, "conflict on update") ||
		strings.Contains(msg, "write-write conflict") ||
		strings.Contains(msg, "duplicate key")
}

const componentColumns = `id, agent_id, kind, content, tags, metadata, embedding,
	base_relevance, created_at, updated_at`

// Get retrieves a single component by ID
func (s *DuckStore) Get(ctx context.Context, id string) (models.Component, error) {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, "SELECT "+componentColumns+" FROM components WHERE id = ?", id)
	c, err := scanComponent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Component{}, goerr.Wrap(models.ErrNotFound, "component not found", goerr.V("id", id))
	}
	if err != nil {
		return models.Component{}, unavailable(err, "failed to get component", goerr.V("id", id))
	}
	return c, nil
}

// Delete removes a component; its feedback history is kept
func (s *DuckStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, "DELETE FROM components WHERE id = ?", id)
	if err != nil {
		return unavailable(err, "failed to delete component", goerr.V("id", id))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable(err, "failed to get rows affected", goerr.V("id", id))
	}
	if rows == 0 {
		return goerr.Wrap(models.ErrNotFound, "component not found", goerr.V("id", id))
	}
	return nil
}

// Query lists components of one agent
func (s *DuckStore) Query(ctx context.Context, params models.QueryParams) ([]models.Component, error) {
	if params.AgentID == "" {
		return nil, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	where, args := duckWhere(params)

	query := "SELECT " + componentColumns + " FROM components WHERE " + where +
		" ORDER BY " + orderClause(params.Order) +
		fmt.Sprintf(" LIMIT %d", limitOf(params))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to query components", goerr.V("agent_id", params.AgentID))
	}
	defer rows.Close()

	var out []models.Component
	for rows.Next() {
		c, err := scanComponent(rows)
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

// duckWhere builds the filter shared by Query and Count.
func duckWhere(params models.QueryParams) (string, []any) {
	conditions := []string{"agent_id = $1"}
	args := []any{params.AgentID}
	argIdx := 2

	if len(params.Kinds) > 0 {
		var placeholders []string
		for _, k := range params.Kinds {
			placeholders = append(placeholders, fmt.Sprintf("$%d", argIdx))
			args = append(args, string(k))
			argIdx++
		}
		conditions = append(conditions, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}

	// all tags must be present
	for _, tag := range params.Tags {
		conditions = append(conditions, fmt.Sprintf("list_contains(tags, $%d)", argIdx))
		args = append(args, tag)
		argIdx++
	}
	return strings.Join(conditions, " AND "), args
}

// Count returns how many of an agent's components match params; limit and
// order are ignored
func (s *DuckStore) Count(ctx context.Context, params models.QueryParams) (int, error) {
	if params.AgentID == "" {
		return 0, goerr.Wrap(models.ErrInvalidRequest, "agent_id is required")
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	where, args := duckWhere(params)
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM components WHERE "+where, args...).Scan(&n); err != nil {
		return 0, unavailable(err, "failed to count components", goerr.V("agent_id", params.AgentID))
	}
	return n, nil
}

// Search ranks an agent's embedded components by cosine similarity
func (s *DuckStore) Search(ctx context.Context, agentID string, embedding []float32, k int) ([]models.Match, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	if err := checkDim(embedding, s.dim); err != nil {
		return nil, err
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, array_cosine_similarity(embedding, '%s'::FLOAT[%d]) AS similarity
		FROM components
		WHERE agent_id = ? AND embedding IS NOT NULL
		ORDER BY similarity DESC, id ASC
		LIMIT %d
	`, vectorLiteral(embedding), s.dim, k)

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrRetrieverUnavailable, err),
			"failed to execute similarity search", goerr.V("agent_id", agentID))
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var m models.Match
		var sim sql.NullFloat64
		if err := rows.Scan(&m.ComponentID, &sim); err != nil {
			return nil, goerr.Wrap(models.Classify(models.ErrRetrieverUnavailable, err), "failed to scan match")
		}
		m.Similarity = clampSimilarity(sim.Float64)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(models.Classify(models.ErrRetrieverUnavailable, err), "failed to iterate matches")
	}
	return matches, nil
}

// AppendFeedback inserts one feedback event
func (s *DuckStore) AppendFeedback(ctx context.Context, ev models.FeedbackEvent) error {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO feedback_events (id, component_id, agent_id, delta, ts) VALUES (?, ?, ?, ?, ?)",
		ev.ID, ev.ComponentID, ev.AgentID, ev.Delta, ev.Timestamp.UTC(),
	)
	if err != nil {
		return unavailable(err, "failed to append feedback", goerr.V("component_id", ev.ComponentID))
	}
	return nil
}

// ListFeedback returns the events of the given components keyed by component
func (s *DuckStore) ListFeedback(ctx context.Context, componentIDs []string) (map[string][]models.FeedbackEvent, error) {
	out := make(map[string][]models.FeedbackEvent)
	if len(componentIDs) == 0 {
		return out, nil
	}
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	placeholders := make([]string, len(componentIDs))
	args := make([]any, len(componentIDs))
	for i, id := range componentIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := "SELECT id, component_id, agent_id, delta, ts FROM feedback_events WHERE component_id IN (" +
		strings.Join(placeholders, ", ") + ") ORDER BY ts ASC, id ASC"

	events, err := s.scanFeedback(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		out[ev.ComponentID] = append(out[ev.ComponentID], ev)
	}
	return out, nil
}

// ListAgentFeedback returns every event recorded for an agent
func (s *DuckStore) ListAgentFeedback(ctx context.Context, agentID string) ([]models.FeedbackEvent, error) {
	ctx, cancel := bound(ctx, s.acquireTimeout)
	defer cancel()

	return s.scanFeedback(ctx,
		"SELECT id, component_id, agent_id, delta, ts FROM feedback_events WHERE agent_id = ? ORDER BY ts ASC, id ASC",
		agentID)
}

func (s *DuckStore) scanFeedback(ctx context.Context, query string, args ...any) ([]models.FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// Ping checks that the database answers
func (s *DuckStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err, "duckdb ping failed")
	}
	return nil
}

// Close closes the database connection
func (s *DuckStore) Close() error {
	return s.db.Close()
}

// arrayDim extracts n from a type name like FLOAT[n].
func arrayDim(typ string) (int, bool) {
	open, end := strings.Index(typ, "["), strings.Index(typ, "]")
	if open < 0 || end <= open+1 {
		return 0, false
	}
	n, err := strconv.Atoi(typ[open+1 : end])
	if err != nil {
		return 0, false
	}
	return n, true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComponent(row rowScanner) (models.Component, error) {
	var c models.Component
	var kind string
	var tagsRaw, embeddingRaw, metadataRaw any

	err := row.Scan(
		&c.ID, &c.AgentID, &kind, &c.Content, &tagsRaw, &metadataRaw, &embeddingRaw,
		&c.BaseRelevance, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return models.Component{}, err
	}
	c.Kind = models.Kind(kind)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()

	// DuckDB returns VARCHAR[] as []any
	switch v := tagsRaw.(type) {
	case []any:
		c.Tags = make([]string, 0, len(v))
		for _, tag := range v {
			if s, ok := tag.(string); ok {
				c.Tags = append(c.Tags, s)
			}
		}
	case []string:
		c.Tags = v
	}

	// FLOAT[n] arrives as []any of float32
	switch v := embeddingRaw.(type) {
	case []any:
		c.Embedding = make([]float32, len(v))
		for i, val := range v {
			if f, ok := val.(float32); ok {
				c.Embedding[i] = f
			}
		}
	case []float32:
		c.Embedding = v
	}

	// JSON comes back decoded; re-encode to keep Metadata a string
	switch v := metadataRaw.(type) {
	case nil:
	case string:
		c.Metadata = v
	case []byte:
		c.Metadata = string(v)
	default:
		if data, err := json.Marshal(v); err == nil {
			c.Metadata = string(data)
		}
	}

	return c, nil
}
