package sessions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/imrishuroy/go-token-checkout/internal/aws"
)

// Expressions shared with the in-memory DynamoDB used by tests.
const (
	condSessionAbsent  = "attribute_not_exists(session_id)"
	condPending        = "#s = :pending"
	condCompletable    = "#s = :pending AND user_id = :uid AND token_amount = :amt"
	updateComplete     = "SET #s = :completed, completed_at = :ts, updated_at = :ts"
	updateFail         = "SET #s = :failed, failed_at = :ts, updated_at = :ts"
	updateCreditTokens = "ADD token_balance :amt SET updated_at = :ts"
)

// Store keeps payment sessions and user balances in two DynamoDB tables.
type Store struct {
	client        aws.DynamoDBAPI
	sessionsTable string
	balancesTable string
	nowFunc       func() time.Time
}

// NewStore creates a new sessions Store.
func NewStore(client aws.DynamoDBAPI, sessionsTable, balancesTable string) *Store {
	return &Store{
		client:        client,
		sessionsTable: sessionsTable,
		balancesTable: balancesTable,
		nowFunc:       time.Now,
	}
}

// Create stores a new pending session. It fails with ErrSessionExists if the id is taken.
func (s *Store) Create(ctx context.Context, sess Session) error {
	const op = "create session"
	now := s.nowFunc().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	sess.Status = StatusPending

	item, err := attributevalue.MarshalMap(sess)
	if err != nil {
		return Permanent(op, fmt.Errorf("marshal session: %w", err))
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.sessionsTable,
		Item:                item,
		ConditionExpression: awsString(condSessionAbsent),
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return Permanent(op, ErrSessionExists)
		}
		return classify(op, fmt.Errorf("put item: %w", err))
	}
	return nil
}

// Get fetches a session by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.sessionsTable,
		Key:            sessionKey(sessionID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, classify("get session", fmt.Errorf("get item: %w", err))
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var sess Session
	if err := attributevalue.UnmarshalMap(out.Item, &sess); err != nil {
		return nil, Permanent("get session", fmt.Errorf("unmarshal session: %w", err))
	}
	return &sess, nil
}

// GetBalance returns the user's token balance, zero when the user has never been credited.
func (s *Store) GetBalance(ctx context.Context, userID int64) (int64, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.balancesTable,
		Key:            balanceKey(userID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return 0, classify("get balance", fmt.Errorf("get item: %w", err))
	}
	if len(out.Item) == 0 {
		return 0, nil
	}
	var b Balance
	if err := attributevalue.UnmarshalMap(out.Item, &b); err != nil {
		return 0, Permanent("get balance", fmt.Errorf("unmarshal balance: %w", err))
	}
	return b.TokenBalance, nil
}

// CompleteAndCredit moves the session from pending to completed and adds tokenAmount to the
// user's balance in a single TransactWriteItems call. The session update is conditional on
// the session still being pending and matching userID and tokenAmount, so two concurrent
// deliveries for the same session produce exactly one credit. When the session had already
// been completed the result reports AlreadyCompleted with the current balance.
func (s *Store) CompleteAndCredit(ctx context.Context, sessionID string, userID, tokenAmount int64) (CompletionResult, error) {
	const op = "complete and credit"
	now := s.nowFunc().UTC()
	ts := &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}
	amt := &types.AttributeValueMemberN{Value: strconv.FormatInt(tokenAmount, 10)}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                &s.sessionsTable,
					Key:                      sessionKey(sessionID),
					UpdateExpression:         awsString(updateComplete),
					ConditionExpression:      awsString(condCompletable),
					ExpressionAttributeNames: map[string]string{"#s": "status"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":completed": &types.AttributeValueMemberS{Value: string(StatusCompleted)},
						":pending":   &types.AttributeValueMemberS{Value: string(StatusPending)},
						":uid":       &types.AttributeValueMemberN{Value: strconv.FormatInt(userID, 10)},
						":amt":       amt,
						":ts":        ts,
					},
					ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
				},
			},
			{
				Update: &types.Update{
					TableName:        &s.balancesTable,
					Key:              balanceKey(userID),
					UpdateExpression: awsString(updateCreditTokens),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":amt": amt,
						":ts":  ts,
					},
				},
			},
		},
	}

	result := CompletionResult{
		SessionID:   sessionID,
		UserID:      userID,
		TokenAmount: tokenAmount,
		CompletedAt: now,
	}

	_, err := s.client.TransactWriteItems(ctx, input)
	if err != nil {
		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return CompletionResult{}, classify(op, fmt.Errorf("transact write: %w", err))
		}
		already, completedAt, rerr := s.resolveCancelled(ctx, op, sessionID, userID, tokenAmount, tce)
		if rerr != nil {
			return CompletionResult{}, rerr
		}
		if !already {
			return CompletionResult{}, Transient(op, fmt.Errorf("transaction canceled: %w", err))
		}
		result.AlreadyCompleted = true
		result.CompletedAt = completedAt
	}

	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		// the outcome is settled; failing here would hide a committed credit
		result.BalanceErr = err
		return result, nil
	}
	result.Balance = balance
	return result, nil
}

// resolveCancelled inspects the cancellation reasons of a complete-and-credit transaction.
func (s *Store) resolveCancelled(ctx context.Context, op, sessionID string, userID, tokenAmount int64, tce *types.TransactionCanceledException) (bool, time.Time, error) {
	reasons := tce.CancellationReasons
	if len(reasons) == 0 || reasons[0].Code == nil || *reasons[0].Code != "ConditionalCheckFailed" {
		// TransactionConflict, throttling and friends: nothing was written
		return false, time.Time{}, Transient(op, fmt.Errorf("transaction canceled: %s", cancellationCodes(reasons)))
	}

	var sess *Session
	if len(reasons[0].Item) > 0 {
		var old Session
		if err := attributevalue.UnmarshalMap(reasons[0].Item, &old); err != nil {
			return false, time.Time{}, Permanent(op, fmt.Errorf("unmarshal session: %w", err))
		}
		sess = &old
	} else {
		got, err := s.Get(ctx, sessionID)
		if err != nil {
			return false, time.Time{}, err
		}
		sess = got
	}

	already, err := CheckCompletion(op, sess, userID, tokenAmount)
	if err != nil || !already {
		return already, time.Time{}, err
	}
	completedAt := sess.UpdatedAt
	if sess.CompletedAt != nil {
		completedAt = *sess.CompletedAt
	}
	return true, completedAt, nil
}

// MarkFailed moves a pending session to failed. It returns false when the session is not
// pending, which makes repeated failure notifications a no-op.
func (s *Store) MarkFailed(ctx context.Context, sessionID string) (bool, error) {
	const op = "mark session failed"
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &s.sessionsTable,
		Key:                      sessionKey(sessionID),
		UpdateExpression:         awsString(updateFail),
		ConditionExpression:      awsString(condPending),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: string(StatusFailed)},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":ts":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var cf *types.ConditionalCheckFailedException
		if errors.As(err, &cf) {
			return false, nil
		}
		return false, classify(op, fmt.Errorf("update item: %w", err))
	}
	return true, nil
}

// transientCodes are DynamoDB error codes worth a retry.
var transientCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"TransactionConflictException":           true,
	"TransactionInProgressException":         true,
	"LimitExceededException":                 true,
}

// classify wraps a DynamoDB client error with its retry kind.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(op, err)
	}
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(op, err)
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if transientCodes[ae.ErrorCode()] || ae.ErrorFault() == smithy.FaultServer {
			return Transient(op, err)
		}
	}
	return Permanent(op, err)
}

func cancellationCodes(reasons []types.CancellationReason) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += ","
		}
		if r.Code == nil {
			out += "None"
			continue
		}
		out += *r.Code
	}
	if out == "" {
		return "unknown"
	}
	return out
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_id": &types.AttributeValueMemberS{Value: sessionID},
	}
}

func balanceKey(userID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(userID, 10)},
	}
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
