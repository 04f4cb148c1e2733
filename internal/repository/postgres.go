// Package repository provides PostgreSQL-backed persistence for flags,
// segments, change events, exposures and API keys. It also handles
// LISTEN/NOTIFY-based invalidation so every server replica reloads its
// snapshot when another one writes.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/rolloutz/internal/exposure"
)

const (
	defaultNotifyChannel = "flag_events"
	maxEventBatchSize    = 1000
)

const (
	ResourceFlag    = "flag"
	ResourceSegment = "segment"
)

// Flag is the row representation of a flag. Variants and targeting are
// stored as JSONB; the service converts rows to core.Flag.
type Flag struct {
	Key           string          `json:"key"`
	Description   string          `json:"description"`
	Enabled       bool            `json:"enabled"`
	Percentage    *float64        `json:"percentage,omitempty"`
	Variants      json.RawMessage `json:"variants"`
	Targeting     json.RawMessage `json:"targeting"`
	Segments      []string        `json:"segments"`
	Prerequisites []string        `json:"prerequisites"`
	Mutex         []string        `json:"mutex"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Segment struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	MatchMode   string          `json:"match_mode"`
	Rules       json.RawMessage `json:"rules"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is a change to a flag or segment, stored in the flag_events table
// and used to drive SSE and gRPC streaming.
type Event struct {
	EventID   int64           `json:"event_id"`
	Resource  string          `json:"resource"`
	Key       string          `json:"key"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements persistence backed by a pgxpool connection
// pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithEventBatchSize caps the number of events [PostgresRepository.ListEventsSince]
// returns per call. Non-positive values keep the default of 1000.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 {
			r.eventBatchSize = size
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "flag_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel, opts...)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  normalizeNotifyChannel(notifyChannel),
		eventBatchSize: maxEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

const flagColumns = `key, description, enabled, percentage, variants, targeting, segments, prerequisites, mutex, created_at, updated_at`

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.Key,
		&flag.Description,
		&flag.Enabled,
		&flag.Percentage,
		&flag.Variants,
		&flag.Targeting,
		&flag.Segments,
		&flag.Prerequisites,
		&flag.Mutex,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

// CreateFlag inserts a new flag row and returns it with server-generated
// timestamps.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (key, description, enabled, percentage, variants, targeting, segments, prerequisites, mutex)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+flagColumns,
		flag.Key,
		flag.Description,
		flag.Enabled,
		flag.Percentage,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Targeting, "null"),
		ensureStrings(flag.Segments),
		ensureStrings(flag.Prerequisites),
		ensureStrings(flag.Mutex),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// UpdateFlag replaces an existing flag row. Returns pgx.ErrNoRows (wrapped)
// if the flag does not exist.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $2,
		    enabled = $3,
		    percentage = $4,
		    variants = $5,
		    targeting = $6,
		    segments = $7,
		    prerequisites = $8,
		    mutex = $9,
		    updated_at = NOW()
		WHERE key = $1
		RETURNING `+flagColumns,
		flag.Key,
		flag.Description,
		flag.Enabled,
		flag.Percentage,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Targeting, "null"),
		ensureStrings(flag.Segments),
		ensureStrings(flag.Prerequisites),
		ensureStrings(flag.Mutex),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag. Returns pgx.ErrNoRows (wrapped) if not
// found.
func (r *PostgresRepository) GetFlag(ctx context.Context, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `SELECT `+flagColumns+` FROM flags WHERE key = $1`, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+flagColumns+` FROM flags ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag. Returns pgx.ErrNoRows (wrapped) if the flag does
// not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	return noRowsAffected("delete flag", commandTag)
}

const segmentColumns = `name, description, match_mode, rules, created_at, updated_at`

func scanSegment(row pgx.Row) (Segment, error) {
	var segment Segment
	err := row.Scan(
		&segment.Name,
		&segment.Description,
		&segment.MatchMode,
		&segment.Rules,
		&segment.CreatedAt,
		&segment.UpdatedAt,
	)
	return segment, err
}

func (r *PostgresRepository) CreateSegment(ctx context.Context, segment Segment) (Segment, error) {
	created, err := scanSegment(r.pool.QueryRow(ctx, `
		INSERT INTO segments (name, description, match_mode, rules)
		VALUES ($1, $2, $3, $4)
		RETURNING `+segmentColumns,
		segment.Name,
		segment.Description,
		segment.MatchMode,
		ensureJSON(segment.Rules, "[]"),
	))
	if err != nil {
		return Segment{}, fmt.Errorf("create segment: %w", err)
	}

	return created, nil
}

// UpdateSegment returns pgx.ErrNoRows (wrapped) if the segment does not
// exist.
func (r *PostgresRepository) UpdateSegment(ctx context.Context, segment Segment) (Segment, error) {
	updated, err := scanSegment(r.pool.QueryRow(ctx, `
		UPDATE segments
		SET description = $2,
		    match_mode = $3,
		    rules = $4,
		    updated_at = NOW()
		WHERE name = $1
		RETURNING `+segmentColumns,
		segment.Name,
		segment.Description,
		segment.MatchMode,
		ensureJSON(segment.Rules, "[]"),
	))
	if err != nil {
		return Segment{}, fmt.Errorf("update segment: %w", err)
	}

	return updated, nil
}

func (r *PostgresRepository) GetSegment(ctx context.Context, name string) (Segment, error) {
	segment, err := scanSegment(r.pool.QueryRow(ctx, `SELECT `+segmentColumns+` FROM segments WHERE name = $1`, name))
	if err != nil {
		return Segment{}, fmt.Errorf("get segment: %w", err)
	}

	return segment, nil
}

func (r *PostgresRepository) ListSegments(ctx context.Context) ([]Segment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+segmentColumns+` FROM segments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]Segment, 0)
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments rows: %w", err)
	}

	return segments, nil
}

func (r *PostgresRepository) DeleteSegment(ctx context.Context, name string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM segments WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}

	return noRowsAffected("delete segment", commandTag)
}

// ValidateAPIKey returns the stored hash for a non-revoked key ID. Callers
// should do constant-time comparison outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, error) {
	var keyHash string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash); err != nil {
		return "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, nil
}

// CreateAPIKey generates a new API key, storing a bcrypt hash of the secret.
// The raw secret is returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if strings.TrimSpace(name) == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
	`, keyID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys. Secrets are
// never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, created_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key. Returns pgx.ErrNoRows (wrapped) if
// the key does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	return noRowsAffected("revoke api key", commandTag)
}

// ListEventsSince returns up to the configured batch size of events with IDs
// greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, eventID int64) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, resource, key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1
		ORDER BY event_id
		LIMIT $2
	`, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var event Event
		if err := rows.Scan(
			&event.EventID,
			&event.Resource,
			&event.Key,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishEvent inserts an event and sends a PostgreSQL NOTIFY on the
// configured channel within a single transaction.
func (r *PostgresRepository) PublishEvent(ctx context.Context, event Event) (Event, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Event{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created Event
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (resource, key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, resource, key, event_type, payload, created_at
	`,
		event.Resource,
		event.Key,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Resource,
		&created.Key,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return Event{}, fmt.Errorf("insert flag event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return Event{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return Event{}, fmt.Errorf("notify flag event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Event{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// InsertExposures bulk-loads exposures with COPY. It implements
// exposure.BatchWriter.
func (r *PostgresRepository) InsertExposures(ctx context.Context, exposures []exposure.Exposure) error {
	if len(exposures) == 0 {
		return nil
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"exposures"},
		[]string{"id", "flag_key", "variant", "subject_id", "enabled", "reason", "exposed_at"},
		pgx.CopyFromSlice(len(exposures), func(i int) ([]any, error) {
			e := exposures[i]
			return []any{e.ID, e.FlagKey, e.Variant, e.SubjectID, e.Enabled, string(e.Reason), e.Timestamp}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("insert exposures: %w", err)
	}

	return nil
}

// CountExposures returns the number of stored exposures for flagKey.
func (r *PostgresRepository) CountExposures(ctx context.Context, flagKey string) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM exposures WHERE flag_key = $1`, flagKey).Scan(&count); err != nil {
		return 0, fmt.Errorf("count exposures: %w", err)
	}

	return count, nil
}

// SubscribeInvalidation returns a channel that receives a signal whenever an
// event notification arrives on the LISTEN channel. The channel is closed
// when ctx ends.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func noRowsAffected(operation string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

// ensureStrings maps nil to an empty slice so TEXT[] columns stay NOT NULL.
func ensureStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event Event) (string, error) {
	serialized, err := json.Marshal(struct {
		EventID   int64  `json:"event_id"`
		Resource  string `json:"resource"`
		Key       string `json:"key"`
		EventType string `json:"event_type"`
	}{
		EventID:   event.EventID,
		Resource:  event.Resource,
		Key:       event.Key,
		EventType: event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
