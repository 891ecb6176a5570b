package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicecall-backend/internal/domain"
	"voicecall-backend/internal/repository"
)

// CallSchema creates the voice_calls table and its lookup indexes
const CallSchema = `
	CREATE TABLE IF NOT EXISTS voice_calls (
		call_id        STRING PRIMARY KEY,
		caller_id      STRING NOT NULL,
		receiver_id    STRING NOT NULL,
		status         STRING NOT NULL,
		audio_source   STRING NOT NULL DEFAULT 'microphone',
		start_time     INT8 NOT NULL,
		accept_time    INT8 NOT NULL DEFAULT 0,
		end_time       INT8 NOT NULL DEFAULT 0,
		failure_reason STRING NOT NULL DEFAULT '',
		INDEX voice_calls_caller_idx (caller_id, status),
		INDEX voice_calls_receiver_idx (receiver_id, status)
	)
`

const callColumns = `call_id, caller_id, receiver_id, status, audio_source,
		       start_time, accept_time, end_time, failure_reason`

// uniqueViolation is the SQLSTATE for duplicate keys
const uniqueViolation = "23505"

// CallRepository stores voice call sessions in CockroachDB
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// EnsureSchema creates the voice_calls table if missing
func (r *CallRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, CallSchema); err != nil {
		return fmt.Errorf("failed to create voice_calls table: %w", err)
	}
	return nil
}

// Add inserts a call unless either participant already has a live call
func (r *CallRepository) Add(ctx context.Context, call *domain.CallSession) error {
	query := `
		INSERT INTO voice_calls (
			call_id, caller_id, receiver_id, status, audio_source,
			start_time, accept_time, end_time, failure_reason
		)
		SELECT $1::STRING, $2::STRING, $3::STRING, $4::STRING, $5::STRING,
		       $6::INT8, $7::INT8, $8::INT8, $9::STRING
		WHERE $4::STRING NOT IN ('pending', 'active') OR NOT EXISTS (
			SELECT 1 FROM voice_calls
			WHERE status IN ('pending', 'active')
			  AND (caller_id IN ($2::STRING, $3::STRING) OR receiver_id IN ($2::STRING, $3::STRING))
		)
	`

	tag, err := r.pool.Exec(ctx, query,
		call.CallID,
		call.CallerID,
		call.ReceiverID,
		string(call.Status),
		call.AudioSource,
		call.StartTime,
		call.AcceptTime,
		call.EndTime,
		call.FailureReason,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrCallExists
		}
		return fmt.Errorf("failed to create call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrCallExists
	}

	return nil
}

// FindByID retrieves a call by ID
func (r *CallRepository) FindByID(ctx context.Context, callID string) (*domain.CallSession, error) {
	query := `SELECT ` + callColumns + ` FROM voice_calls WHERE call_id = $1`
	return r.queryOne(ctx, query, callID)
}

func (r *CallRepository) FindAll(ctx context.Context) ([]*domain.CallSession, error) {
	query := `SELECT ` + callColumns + ` FROM voice_calls ORDER BY start_time ASC`
	return r.queryMany(ctx, query)
}

func (r *CallRepository) FindByUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + callColumns + `
		FROM voice_calls
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY start_time ASC
	`
	return r.queryMany(ctx, query, userID)
}

func (r *CallRepository) FindActiveByUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + callColumns + `
		FROM voice_calls
		WHERE status = 'active' AND (caller_id = $1 OR receiver_id = $1)
		ORDER BY start_time ASC
	`
	return r.queryMany(ctx, query, userID)
}

func (r *CallRepository) FindPendingForUser(ctx context.Context, userID string) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + callColumns + `
		FROM voice_calls
		WHERE status = 'pending' AND receiver_id = $1
		ORDER BY start_time ASC
	`
	return r.queryMany(ctx, query, userID)
}

func (r *CallRepository) FindActiveCall(ctx context.Context, userID string) (*domain.CallSession, error) {
	query := `
		SELECT ` + callColumns + `
		FROM voice_calls
		WHERE status IN ('pending', 'active') AND (caller_id = $1 OR receiver_id = $1)
		ORDER BY start_time ASC
		LIMIT 1
	`
	return r.queryOne(ctx, query, userID)
}

func (r *CallRepository) FindPendingCall(ctx context.Context, callerID, receiverID string) (*domain.CallSession, error) {
	query := `
		SELECT ` + callColumns + `
		FROM voice_calls
		WHERE status = 'pending'
		  AND ((caller_id = $1 AND receiver_id = $2) OR (caller_id = $2 AND receiver_id = $1))
		LIMIT 1
	`
	return r.queryOne(ctx, query, callerID, receiverID)
}

func (r *CallRepository) FindPendingStartedBefore(ctx context.Context, cutoff int64) ([]*domain.CallSession, error) {
	query := `
		SELECT ` + callColumns + `
		FROM voice_calls
		WHERE status = 'pending' AND start_time < $1
		ORDER BY start_time ASC
	`
	return r.queryMany(ctx, query, cutoff)
}

// Update overwrites every mutable column of a call, provided the row still
// holds status from
func (r *CallRepository) Update(ctx context.Context, call *domain.CallSession, from domain.CallStatus) error {
	query := `
		UPDATE voice_calls
		SET status = $2, audio_source = $3, accept_time = $4, end_time = $5, failure_reason = $6
		WHERE call_id = $1 AND status = $7
	`

	tag, err := r.pool.Exec(ctx, query,
		call.CallID,
		string(call.Status),
		call.AudioSource,
		call.AcceptTime,
		call.EndTime,
		call.FailureReason,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, call.CallID)
	}

	return nil
}

// UpdateStatus updates call status and the timestamp that status implies
func (r *CallRepository) UpdateStatus(ctx context.Context, callID string, from, status domain.CallStatus, at int64) error {
	query := `
		UPDATE voice_calls
		SET status = $2::STRING,
		    accept_time = CASE WHEN $2::STRING = 'active' THEN $3::INT8 ELSE accept_time END,
		    end_time = CASE WHEN $2::STRING IN ('ended', 'rejected', 'missed', 'failed') THEN $3::INT8 ELSE end_time END
		WHERE call_id = $1 AND status = $4::STRING
	`

	tag, err := r.pool.Exec(ctx, query, callID, string(status), at, string(from))
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrStale(ctx, callID)
	}

	return nil
}

// missOrStale explains a conditional write that touched no row
func (r *CallRepository) missOrStale(ctx context.Context, callID string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM voice_calls WHERE call_id = $1)`, callID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check call: %w", err)
	}
	if !exists {
		return repository.ErrCallNotFound
	}
	return repository.ErrCallStale
}

func (r *CallRepository) Remove(ctx context.Context, callID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM voice_calls WHERE call_id = $1`, callID)
	if err != nil {
		return fmt.Errorf("failed to delete call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrCallNotFound
	}
	return nil
}

func (r *CallRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM voice_calls`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count calls: %w", err)
	}
	return count, nil
}

func (r *CallRepository) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT count(*) FROM voice_calls
		WHERE status IN ('pending', 'active') AND (caller_id = $1 OR receiver_id = $1)
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active calls: %w", err)
	}
	return count, nil
}

func (r *CallRepository) queryOne(ctx context.Context, query string, args ...any) (*domain.CallSession, error) {
	call, err := scanCall(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

func (r *CallRepository) queryMany(ctx context.Context, query string, args ...any) ([]*domain.CallSession, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	calls := make([]*domain.CallSession, 0)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calls: %w", err)
	}

	return calls, nil
}

func scanCall(row pgx.Row) (*domain.CallSession, error) {
	call := &domain.CallSession{}
	var status string
	err := row.Scan(
		&call.CallID,
		&call.CallerID,
		&call.ReceiverID,
		&status,
		&call.AudioSource,
		&call.StartTime,
		&call.AcceptTime,
		&call.EndTime,
		&call.FailureReason,
	)
	if err != nil {
		return nil, err
	}
	call.Status = domain.CallStatus(status)
	return call, nil
}
