package sessions

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// memDynamo is a small in-memory DynamoDB that understands the expressions used by Store.
// Every call holds one mutex, which gives TransactWriteItems the all-or-nothing behaviour
// of the real service.
type memDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue

	transactErr   error
	transactCalls int
}

func newMemDynamo() *memDynamo {
	return &memDynamo{
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *memDynamo) table(name string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[name]
}

func primaryKey(key map[string]types.AttributeValue) (string, error) {
	if v, ok := key["session_id"].(*types.AttributeValueMemberS); ok {
		return v.Value, nil
	}
	if v, ok := key["user_id"].(*types.AttributeValueMemberN); ok {
		return v.Value, nil
	}
	return "", errors.New("no key attribute")
}

func (m *memDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.table(*params.TableName)
	pk, err := primaryKey(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == condSessionAbsent {
		if _, exists := tbl[pk]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	tbl[pk] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *memDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table(*params.TableName)[pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *memDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl := m.table(*params.TableName)
	pk, err := primaryKey(params.Key)
	if err != nil {
		return nil, err
	}
	if !conditionHolds(tbl[pk], params.ConditionExpression, params.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	tbl[pk] = applyUpdate(tbl[pk], params.Key, *params.UpdateExpression, params.ExpressionAttributeValues)
	return &dyn.UpdateItemOutput{}, nil
}

func (m *memDynamo) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactCalls++
	if m.transactErr != nil {
		return nil, m.transactErr
	}

	// First pass: verify condition expressions
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	canceled := false
	for i, it := range params.TransactItems {
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		u := it.Update
		if u == nil {
			return nil, errors.New("only Update items are supported")
		}
		pk, err := primaryKey(u.Key)
		if err != nil {
			return nil, err
		}
		current := m.table(*u.TableName)[pk]
		if !conditionHolds(current, u.ConditionExpression, u.ExpressionAttributeValues) {
			canceled = true
			reasons[i].Code = strPtr("ConditionalCheckFailed")
			if u.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld && current != nil {
				reasons[i].Item = copyItem(current)
			}
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	// Second pass: apply all updates
	for _, it := range params.TransactItems {
		u := it.Update
		tbl := m.table(*u.TableName)
		pk, _ := primaryKey(u.Key)
		tbl[pk] = applyUpdate(tbl[pk], u.Key, *u.UpdateExpression, u.ExpressionAttributeValues)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func conditionHolds(item map[string]types.AttributeValue, cond *string, values map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case condPending:
		return item != nil && attrS(item["status"]) == attrS(values[":pending"])
	case condCompletable:
		return item != nil &&
			attrS(item["status"]) == attrS(values[":pending"]) &&
			attrN(item["user_id"]) == attrN(values[":uid"]) &&
			attrN(item["token_amount"]) == attrN(values[":amt"])
	default:
		return false
	}
}

func applyUpdate(item, key map[string]types.AttributeValue, expr string, values map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		item = copyItem(key)
	}
	switch expr {
	case updateComplete:
		item["status"] = values[":completed"]
		item["completed_at"] = values[":ts"]
		item["updated_at"] = values[":ts"]
	case updateFail:
		item["status"] = values[":failed"]
		item["failed_at"] = values[":ts"]
		item["updated_at"] = values[":ts"]
	case updateCreditTokens:
		current, _ := strconv.ParseInt(attrN(item["token_balance"]), 10, 64)
		add, _ := strconv.ParseInt(attrN(values[":amt"]), 10, 64)
		item["token_balance"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+add, 10)}
		item["updated_at"] = values[":ts"]
	}
	return item
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func attrS(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func attrN(v types.AttributeValue) string {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		return n.Value
	}
	return ""
}

func strPtr(s string) *string { return &s }
