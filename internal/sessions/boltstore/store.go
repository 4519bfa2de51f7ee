// Package boltstore keeps payment sessions and balances in an embedded BoltDB file.
//
// Bolt allows a single read-write transaction at a time, so every mutation here runs
// inside db.Update and the pending → completed check and the balance increment commit
// together or not at all.
package boltstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

var (
	sessionsBucket = []byte("sessions")
	balancesBucket = []byte("balances")
)

// Store wraps a BoltDB database.
type Store struct {
	db      *bolt.DB
	nowFunc func() time.Time
}

// Open opens (or creates) the database at path and ensures both buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, balancesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db, nowFunc: time.Now}, nil
}

// Close releases the database file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create stores a new pending session.
func (s *Store) Create(ctx context.Context, sess sessions.Session) error {
	const op = "create session"
	now := s.nowFunc().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Status = sessions.StatusPending

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		if b.Get([]byte(sess.SessionID)) != nil {
			return sessions.ErrSessionExists
		}
		return putJSON(b, []byte(sess.SessionID), sess)
	})
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// Get fetches a session by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Session, error) {
	var out *sessions.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		sess, err := getSession(tx, sessionID)
		out = sess
		return err
	})
	if err != nil {
		return nil, classify("get session", err)
	}
	return out, nil
}

// GetBalance returns the user's token balance.
func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := getBalance(tx, userID)
		balance = b.TokenBalance
		return err
	})
	if err != nil {
		return 0, classify("get balance", err)
	}
	return balance, nil
}

// CompleteAndCredit completes the session and credits the user inside one write transaction.
func (s *Store) CompleteAndCredit(ctx context.Context, sessionID string, userID, tokenAmount int64) (sessions.CompletionResult, error) {
	const op = "complete and credit"
	now := s.nowFunc().UTC()
	result := sessions.CompletionResult{
		SessionID:   sessionID,
		UserID:      userID,
		TokenAmount: tokenAmount,
		CompletedAt: now,
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		sess, err := getSession(tx, sessionID)
		if err != nil {
			return err
		}
		if sess == nil || sess.Status != sessions.StatusPending || sess.UserID != userID || sess.TokenAmount != tokenAmount {
			already, err := sessions.CheckCompletion(op, sess, userID, tokenAmount)
			if err != nil {
				return err
			}
			result.AlreadyCompleted = already
			if sess.CompletedAt != nil {
				result.CompletedAt = *sess.CompletedAt
			}
			bal, err := getBalance(tx, userID)
			result.Balance = bal.TokenBalance
			return err
		}

		sess.Status = sessions.StatusCompleted
		sess.CompletedAt = &now
		sess.UpdatedAt = now
		if err := putJSON(tx.Bucket(sessionsBucket), []byte(sessionID), sess); err != nil {
			return err
		}

		bal, err := getBalance(tx, userID)
		if err != nil {
			return err
		}
		bal.UserID = userID
		bal.TokenBalance += tokenAmount
		bal.UpdatedAt = now
		result.Balance = bal.TokenBalance
		return putJSON(tx.Bucket(balancesBucket), balanceKey(userID), bal)
	})
	if err != nil {
		return sessions.CompletionResult{}, classify(op, err)
	}
	return result, nil
}

// MarkFailed moves a pending session to failed; false when it was not pending.
func (s *Store) MarkFailed(ctx context.Context, sessionID string) (bool, error) {
	now := s.nowFunc().UTC()
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		sess, err := getSession(tx, sessionID)
		if err != nil || sess == nil || sess.Status != sessions.StatusPending {
			return err
		}
		sess.Status = sessions.StatusFailed
		sess.FailedAt = &now
		sess.UpdatedAt = now
		changed = true
		return putJSON(tx.Bucket(sessionsBucket), []byte(sessionID), sess)
	})
	if err != nil {
		return false, classify("mark session failed", err)
	}
	return changed, nil
}

func getSession(tx *bolt.Tx, sessionID string) (*sessions.Session, error) {
	raw := tx.Bucket(sessionsBucket).Get([]byte(sessionID))
	if raw == nil {
		return nil, nil
	}
	var sess sessions.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func getBalance(tx *bolt.Tx, userID int64) (sessions.Balance, error) {
	b := sessions.Balance{UserID: userID}
	raw := tx.Bucket(balancesBucket).Get(balanceKey(userID))
	if raw == nil {
		return b, nil
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("unmarshal balance: %w", err)
	}
	return b, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func balanceKey(userID int64) []byte {
	return []byte(strconv.FormatInt(userID, 10))
}

// classify keeps already classified errors and marks lock timeouts as transient.
func classify(op string, err error) error {
	if _, ok := sessions.KindOf(err); ok {
		return err
	}
	if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return sessions.Transient(op, err)
	}
	return sessions.Permanent(op, err)
}
