// Package pgstore keeps payment sessions and balances in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

//go:embed schema.sql
var schema string

// Store implements the session store backed by PostgreSQL.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Create stores a new pending session.
func (s *Store) Create(ctx context.Context, sess sessions.Session) error {
	const op = "create session"
	now := s.nowFunc().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (session_id, user_id, token_amount, status, checkout_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.SessionID, sess.UserID, sess.TokenAmount, string(sessions.StatusPending), sess.CheckoutURL, sess.CreatedAt, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return sessions.Permanent(op, sessions.ErrSessionExists)
		}
		return classify(op, err)
	}
	return nil
}

// Get fetches a session by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	sess, err := getSession(ctx, s.db, sessionID)
	if err != nil {
		return nil, classify("get session", err)
	}
	return sess, nil
}

// GetBalance returns the user's token balance.
func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	balance, err := getBalance(ctx, s.db, userID)
	if err != nil {
		return 0, classify("get balance", err)
	}
	return balance, nil
}

// CompleteAndCredit runs the pending → completed compare-and-set and the balance increment in
// one transaction. The conditional UPDATE takes the session row lock, so a concurrent call for
// the same session waits and then matches zero rows.
func (s *Store) CompleteAndCredit(ctx context.Context, sessionID string, userID, tokenAmount int64) (sessions.CompletionResult, error) {
	const op = "complete and credit"
	now := s.nowFunc().UTC()
	result := sessions.CompletionResult{
		SessionID:   sessionID,
		UserID:      userID,
		TokenAmount: tokenAmount,
		CompletedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sessions.CompletionResult{}, classify(op, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE session_id = $1 AND status = 'pending' AND user_id = $3 AND token_amount = $4
	`, sessionID, now, userID, tokenAmount)
	if err != nil {
		return sessions.CompletionResult{}, classify(op, fmt.Errorf("complete session: %w", err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return sessions.CompletionResult{}, classify(op, err)
	}

	if rows == 0 {
		sess, err := getSession(ctx, tx, sessionID)
		if err != nil {
			return sessions.CompletionResult{}, classify(op, err)
		}
		if _, err := sessions.CheckCompletion(op, sess, userID, tokenAmount); err != nil {
			return sessions.CompletionResult{}, err
		}
		balance, err := getBalance(ctx, tx, userID)
		if err != nil {
			return sessions.CompletionResult{}, classify(op, err)
		}
		result.AlreadyCompleted = true
		result.Balance = balance
		if sess.CompletedAt != nil {
			result.CompletedAt = *sess.CompletedAt
		}
		return result, nil
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO user_balances (user_id, token_balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET token_balance = user_balances.token_balance + EXCLUDED.token_balance,
		    updated_at = EXCLUDED.updated_at
		RETURNING token_balance
	`, userID, tokenAmount, now).Scan(&result.Balance)
	if err != nil {
		return sessions.CompletionResult{}, classify(op, fmt.Errorf("credit balance: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return sessions.CompletionResult{}, classify(op, fmt.Errorf("commit: %w", err))
	}
	return result, nil
}

// MarkFailed moves a pending session to failed; false when it was not pending.
func (s *Store) MarkFailed(ctx context.Context, sessionID string) (bool, error) {
	now := s.nowFunc().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = 'failed', failed_at = $2, updated_at = $2
		WHERE session_id = $1 AND status = 'pending'
	`, sessionID, now)
	if err != nil {
		return false, classify("mark session failed", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, classify("mark session failed", err)
	}
	return rows == 1, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSession(ctx context.Context, q queryer, sessionID string) (*sessions.Session, error) {
	const query = `
		SELECT session_id, user_id, token_amount, status, checkout_url, created_at, updated_at, completed_at, failed_at
		FROM payment_sessions
		WHERE session_id = $1`

	var (
		sess        sessions.Session
		status      string
		completedAt sql.NullTime
		failedAt    sql.NullTime
	)
	err := q.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.SessionID, &sess.UserID, &sess.TokenAmount, &status, &sess.CheckoutURL,
		&sess.CreatedAt, &sess.UpdatedAt, &completedAt, &failedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	sess.Status = sessions.Status(status)
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		sess.FailedAt = &failedAt.Time
	}
	return &sess, nil
}

func getBalance(ctx context.Context, q queryer, userID int64) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT token_balance FROM user_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// classify maps database errors to retry kinds. Connection failures (SQLSTATE class 08),
// serialization failures, deadlocks, shutdowns and resource exhaustion are transient.
func classify(op string, err error) error {
	if _, ok := sessions.KindOf(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return sessions.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return sessions.Transient(op, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"),
			code == "40001", code == "40P01":
			return sessions.Transient(op, err)
		}
	}
	return sessions.Permanent(op, err)
}
