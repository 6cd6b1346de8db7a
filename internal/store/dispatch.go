package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lattiq/mailgate/internal/core"
)

// DispatchState is the lifecycle state of one idempotency key.
type DispatchState string

const (
	DispatchPending DispatchState = "pending"
	DispatchSent    DispatchState = "sent"
	DispatchFailed  DispatchState = "failed"
)

// ClaimResult tells the caller what to do with an idempotency key.
type ClaimResult string

const (
	// ClaimAcquired means the caller owns the key and must send.
	ClaimAcquired ClaimResult = "claimed"
	// ClaimCompleted means the key was already sent; Dispatch holds the result.
	ClaimCompleted ClaimResult = "completed"
	// ClaimInProgress means another caller holds an unexpired lease.
	ClaimInProgress ClaimResult = "in_progress"
)

// Dispatch is the persisted record of one idempotency key.
type Dispatch struct {
	IdempotencyKey    string
	State             DispatchState
	LeaseUntil        time.Time
	Provider          core.ProviderName
	ProviderMessageID string
	Attempts          int
	ErrorCode         string
	DeliveryStatus    core.EventType
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SentAt            time.Time
}

// Result rebuilds the cached send result of a sent dispatch.
func (d *Dispatch) Result() *core.SendResult {
	return &core.SendResult{
		MessageID: d.ProviderMessageID,
		Provider:  d.Provider,
		Timestamp: d.SentAt,
		Attempts:  d.Attempts,
		Cached:    true,
	}
}

type dispatchRow struct {
	IdempotencyKey    string `db:"idempotency_key"`
	State             string `db:"state"`
	LeaseUntil        int64  `db:"lease_until"`
	Provider          string `db:"provider"`
	ProviderMessageID string `db:"provider_message_id"`
	Attempts          int    `db:"attempts"`
	ErrorCode         string `db:"error_code"`
	DeliveryStatus    string `db:"delivery_status"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
	SentAt            int64  `db:"sent_at"`
}

func (r *dispatchRow) toDispatch() *Dispatch {
	return &Dispatch{
		IdempotencyKey:    r.IdempotencyKey,
		State:             DispatchState(r.State),
		LeaseUntil:        fromMillis(r.LeaseUntil),
		Provider:          core.ProviderName(r.Provider),
		ProviderMessageID: r.ProviderMessageID,
		Attempts:          r.Attempts,
		ErrorCode:         r.ErrorCode,
		DeliveryStatus:    core.EventType(r.DeliveryStatus),
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
		SentAt:            fromMillis(r.SentAt),
	}
}

const selectDispatch = `
	SELECT idempotency_key, state, lease_until, provider, provider_message_id,
	       attempts, error_code, delivery_status, created_at, updated_at, sent_at
	FROM dispatches WHERE idempotency_key = ?`

// ClaimDispatch atomically claims key for sending. A pending dispatch whose
// lease has expired, or a failed one, is taken over by the caller, unless
// its attempt log already holds a success; that dispatch completes instead.
func (s *SQLiteStore) ClaimDispatch(ctx context.Context, key string, lease time.Duration) (ClaimResult, *Dispatch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	leaseUntil := toMillis(now.Add(lease))

	var row dispatchRow
	err = tx.GetContext(ctx, &row, selectDispatch, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dispatches (idempotency_key, state, lease_until, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			key, string(DispatchPending), leaseUntil, toMillis(now), toMillis(now),
		)
		if err != nil {
			return "", nil, fmt.Errorf("inserting dispatch %s: %w", key, err)
		}
		row = dispatchRow{
			IdempotencyKey: key,
			State:          string(DispatchPending),
			LeaseUntil:     leaseUntil,
			CreatedAt:      toMillis(now),
			UpdatedAt:      toMillis(now),
		}

	case err != nil:
		return "", nil, fmt.Errorf("loading dispatch %s: %w", key, err)

	case row.State == string(DispatchSent):
		return ClaimCompleted, row.toDispatch(), nil

	case row.State == string(DispatchPending) && row.LeaseUntil > toMillis(now):
		return ClaimInProgress, row.toDispatch(), nil

	case row.State == string(DispatchPending):
		// The previous holder may have been accepted by a provider without
		// persisting the result; the attempt log settles it.
		done, err := completeFromAttempts(ctx, tx, &row, now)
		if err != nil {
			return "", nil, err
		}
		if done {
			if err := tx.Commit(); err != nil {
				return "", nil, fmt.Errorf("committing claim: %w", err)
			}
			return ClaimCompleted, row.toDispatch(), nil
		}
		if err := reclaim(ctx, tx, &row, leaseUntil, now); err != nil {
			return "", nil, err
		}

	default:
		if err := reclaim(ctx, tx, &row, leaseUntil, now); err != nil {
			return "", nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("committing claim: %w", err)
	}
	return ClaimAcquired, row.toDispatch(), nil
}

func reclaim(ctx context.Context, tx *sqlx.Tx, row *dispatchRow, leaseUntil int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE dispatches
		SET state = ?, lease_until = ?, error_code = '', updated_at = ?
		WHERE idempotency_key = ?`,
		string(DispatchPending), leaseUntil, toMillis(now), row.IdempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("reclaiming dispatch %s: %w", row.IdempotencyKey, err)
	}
	row.State = string(DispatchPending)
	row.LeaseUntil = leaseUntil
	row.ErrorCode = ""
	row.UpdatedAt = toMillis(now)
	return nil
}

// completeFromAttempts marks row sent when its attempt log holds a success.
func completeFromAttempts(ctx context.Context, tx *sqlx.Tx, row *dispatchRow, now time.Time) (bool, error) {
	var a attemptRow
	err := tx.GetContext(ctx, &a, `
		SELECT id, idempotency_key, provider, attempt_number, started_at, finished_at,
		       outcome, provider_message_id, status_code, error_code
		FROM send_attempts WHERE idempotency_key = ? AND outcome = ?
		ORDER BY attempt_number DESC LIMIT 1`,
		row.IdempotencyKey, string(core.OutcomeSuccess))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading attempts for %s: %w", row.IdempotencyKey, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE dispatches
		SET state = ?, lease_until = 0, provider = ?, provider_message_id = ?,
		    attempts = ?, error_code = '', sent_at = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		string(DispatchSent), a.Provider, a.ProviderMessageID,
		a.AttemptNumber, a.FinishedAt, toMillis(now), row.IdempotencyKey,
	)
	if err != nil {
		return false, fmt.Errorf("completing dispatch %s: %w", row.IdempotencyKey, err)
	}

	row.State = string(DispatchSent)
	row.LeaseUntil = 0
	row.Provider = a.Provider
	row.ProviderMessageID = a.ProviderMessageID
	row.Attempts = a.AttemptNumber
	row.ErrorCode = ""
	row.SentAt = a.FinishedAt
	row.UpdatedAt = toMillis(now)
	return true, nil
}

// MarkSent records the successful result of a dispatch.
func (s *SQLiteStore) MarkSent(ctx context.Context, key string, res *core.SendResult) error {
	now := s.now()
	sentAt := res.Timestamp
	if sentAt.IsZero() {
		sentAt = now
	}

	out, err := s.db.ExecContext(ctx, `
		UPDATE dispatches
		SET state = ?, lease_until = 0, provider = ?, provider_message_id = ?,
		    attempts = ?, error_code = '', sent_at = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		string(DispatchSent), string(res.Provider), res.MessageID,
		res.Attempts, toMillis(sentAt), toMillis(now), key,
	)
	if err != nil {
		return fmt.Errorf("marking dispatch %s sent: %w", key, err)
	}
	return expectOneRow(out, key)
}

// MarkFailed records the terminal failure of a dispatch.
func (s *SQLiteStore) MarkFailed(ctx context.Context, key string, provider core.ProviderName, attempts int, code string) error {
	out, err := s.db.ExecContext(ctx, `
		UPDATE dispatches
		SET state = ?, lease_until = 0, provider = ?, attempts = ?, error_code = ?, updated_at = ?
		WHERE idempotency_key = ?`,
		string(DispatchFailed), string(provider), attempts, code, toMillis(s.now()), key,
	)
	if err != nil {
		return fmt.Errorf("marking dispatch %s failed: %w", key, err)
	}
	return expectOneRow(out, key)
}

// GetDispatch loads the dispatch for key.
func (s *SQLiteStore) GetDispatch(ctx context.Context, key string) (*Dispatch, error) {
	var row dispatchRow
	if err := s.db.GetContext(ctx, &row, selectDispatch, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading dispatch %s: %w", key, err)
	}
	return row.toDispatch(), nil
}

type attemptRow struct {
	ID                string `db:"id"`
	IdempotencyKey    string `db:"idempotency_key"`
	Provider          string `db:"provider"`
	AttemptNumber     int    `db:"attempt_number"`
	StartedAt         int64  `db:"started_at"`
	FinishedAt        int64  `db:"finished_at"`
	Outcome           string `db:"outcome"`
	ProviderMessageID string `db:"provider_message_id"`
	StatusCode        int    `db:"status_code"`
	ErrorCode         string `db:"error_code"`
}

// RecordAttempt appends one provider call to the attempt log.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *core.SendAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO send_attempts (
			id, idempotency_key, provider, attempt_number, started_at, finished_at,
			outcome, provider_message_id, status_code, error_code
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.IdempotencyKey, string(a.Provider), a.AttemptNumber,
		toMillis(a.StartedAt), toMillis(a.FinishedAt), string(a.Outcome),
		a.ProviderMessageID, a.StatusCode, a.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("recording attempt %d for %s: %w", a.AttemptNumber, a.IdempotencyKey, err)
	}
	return nil
}

// ListAttempts returns the attempts made for key in order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, key string) ([]core.SendAttempt, error) {
	var rows []attemptRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, idempotency_key, provider, attempt_number, started_at, finished_at,
		       outcome, provider_message_id, status_code, error_code
		FROM send_attempts WHERE idempotency_key = ?
		ORDER BY attempt_number, started_at`, key)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for %s: %w", key, err)
	}

	attempts := make([]core.SendAttempt, len(rows))
	for i, r := range rows {
		attempts[i] = core.SendAttempt{
			ID:                r.ID,
			IdempotencyKey:    r.IdempotencyKey,
			Provider:          core.ProviderName(r.Provider),
			AttemptNumber:     r.AttemptNumber,
			StartedAt:         fromMillis(r.StartedAt),
			FinishedAt:        fromMillis(r.FinishedAt),
			Outcome:           core.Outcome(r.Outcome),
			ProviderMessageID: r.ProviderMessageID,
			StatusCode:        r.StatusCode,
			ErrorCode:         r.ErrorCode,
		}
	}
	return attempts, nil
}

func expectOneRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dispatch %s: %w", key, ErrNotFound)
	}
	return nil
}
