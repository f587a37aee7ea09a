package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

const jobColumns = `job_id, user_id, status, input_ref, input_file_name, result_ref, log_ref,
	archive_ref, thaw_ref, submit_time, complete_time, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) PutJob(ctx context.Context, job *models.Job) error {
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("%w: new jobs must be PENDING, got %s", ErrInvalidUpdate, job.Status)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (job_id, user_id, status, input_ref, input_file_name, submit_time, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		job.ID, job.UserID, job.Status, job.InputRef, job.InputFileName, job.SubmitTime)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) QueryByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	return s.queryJobs(ctx, "query jobs by user",
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY submit_time DESC`, userID)
}

func (s *PostgresStore) QueryArchivedByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	return s.queryJobs(ctx, "query archived jobs by user",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE user_id = $1 AND status = 'COMPLETED' AND archive_ref IS NOT NULL AND thaw_ref IS NULL
		 ORDER BY submit_time`, userID)
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ConditionalUpdate writes fields only if the row matches pred at write time.
// The check and the write are one UPDATE statement, so concurrent callers racing
// on the same precondition see exactly one Applied.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, id uuid.UUID, pred Predicate, fields Fields) (UpdateResult, error) {
	if err := fields.Validate(pred); err != nil {
		return 0, err
	}

	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	argIdx := 2
	set := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}
	if fields.Status != nil {
		set("status", *fields.Status)
	}
	if fields.ResultRef != nil {
		set("result_ref", *fields.ResultRef)
	}
	if fields.LogRef != nil {
		set("log_ref", *fields.LogRef)
	}
	if fields.CompleteTime != nil {
		set("complete_time", *fields.CompleteTime)
	}
	if fields.ArchiveRef != nil {
		set("archive_ref", *fields.ArchiveRef)
	}
	if fields.ThawRef != nil {
		set("thaw_ref", *fields.ThawRef)
	}

	conditions := []string{"job_id = $1"}
	if pred.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *pred.Status)
		argIdx++
	}
	if pred.Archived != nil {
		conditions = append(conditions, nullCheck("archive_ref", *pred.Archived))
	}
	if pred.Thawing != nil {
		conditions = append(conditions, nullCheck("thaw_ref", *pred.Thawing))
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(conditions, " AND ")

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("conditional update job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Applied, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = $1)`, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return 0, ErrNotFound
	}
	return PreconditionFailed, nil
}

// ClearArchive drops archive_ref and thaw_ref together. The restore path is the
// only writer of these columns in that direction, so it is unconditional.
func (s *PostgresStore) ClearArchive(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET archive_ref = NULL, thaw_ref = NULL, updated_at = NOW() WHERE job_id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullCheck(col string, present bool) string {
	if present {
		return col + " IS NOT NULL"
	}
	return col + " IS NULL"
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.InputRef, &j.InputFileName, &j.ResultRef, &j.LogRef,
		&j.ArchiveRef, &j.ThawRef, &j.SubmitTime, &j.CompleteTime, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Profiles ---

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, name, email, tier, updated_at FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&p.UserID, &p.Name, &p.Email, &p.Tier, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *models.UserProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_profiles (user_id, name, email, tier, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   email = EXCLUDED.email,
		   tier = EXCLUDED.tier,
		   updated_at = NOW()`,
		p.UserID, p.Name, p.Email, p.Tier)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Dead letters ---

func (s *PostgresStore) RecordDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if dl.ID == uuid.Nil {
		dl.ID = uuid.New()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, queue, message_id, body, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.ID, dl.Queue, dl.MessageID, dl.Body, dl.Error, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
