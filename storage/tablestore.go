package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"proman-api/domain"
)

// All documents share one partition so a multi-document batch maps onto a
// single entity-group transaction, which is the only all-or-nothing write
// Azure Tables offers. RowKey is "<collection>:<id>".
const documentPartition = "doc"

// Columns promoted out of the JSON body so queries can filter server-side.
var promotedColumns = []string{"projectId", "status", "category", "userId", "taskId", "subtaskId"}

// TableStore is the aztables-backed Store.
type TableStore struct {
	table *aztables.Client
}

// NewTableStore creates a TableStore from the given connection string.
func NewTableStore(connStr, tableName string) (*TableStore, error) {
	options := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &options)
	if err != nil {
		return nil, err
	}
	return &TableStore{table: svc.NewClient(tableName)}, nil
}

func rowKey(collection, id string) string {
	return collection + ":" + id
}

func (s *TableStore) encodeEntity(collection, id string, data []byte) ([]byte, error) {
	body, err := withDocumentID(data, id)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := sonic.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	ent := map[string]any{
		"PartitionKey": documentPartition,
		"RowKey":       rowKey(collection, id),
		"Collection":   collection,
		"Data":         string(body),
	}
	for _, col := range promotedColumns {
		if v, ok := fields[col]; ok {
			if str, isStr := v.(string); isStr {
				ent[columnName(col)] = str
			}
		}
	}
	return sonic.Marshal(ent)
}

func decodeEntity(raw []byte) (Document, error) {
	var ent struct {
		RowKey string `json:"RowKey"`
		Data   string `json:"Data"`
	}
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return Document{}, err
	}
	id := ent.RowKey
	if idx := strings.IndexByte(id, ':'); idx >= 0 {
		id = id[idx+1:]
	}
	return Document{ID: id, Data: []byte(ent.Data)}, nil
}

func (s *TableStore) GetByID(ctx context.Context, collection, id string) (Document, error) {
	resp, err := s.table.GetEntity(ctx, documentPartition, rowKey(collection, id), nil)
	if err != nil {
		if isNotFound(err) {
			return Document{}, fmt.Errorf("%s/%s: %w", collection, id, domain.ErrNotFound)
		}
		return Document{}, err
	}
	return decodeEntity(resp.Value)
}

func (s *TableStore) Query(ctx context.Context, collection string, filters []Filter, orderBy string, limit int) ([]Document, error) {
	filter, err := buildODataFilter(collection, filters)
	if err != nil {
		return nil, err
	}
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	docs := []Document{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			doc, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	// Azure Tables only orders by keys, so ordering happens here.
	sortDocuments(docs, orderBy)
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func (s *TableStore) Insert(ctx context.Context, collection string, data []byte) (string, error) {
	id := uuid.NewString()
	payload, err := s.encodeEntity(collection, id, data)
	if err != nil {
		return "", err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		return "", err
	}
	return id, nil
}

func (s *TableStore) Update(ctx context.Context, collection, id string, data []byte) error {
	payload, err := s.encodeEntity(collection, id, data)
	if err != nil {
		return err
	}
	etag := azcore.ETagAny
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{
		IfMatch:    &etag,
		UpdateMode: aztables.UpdateModeReplace,
	})
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", collection, id, domain.ErrNotFound)
	}
	return err
}

func (s *TableStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.table.DeleteEntity(ctx, documentPartition, rowKey(collection, id), nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *TableStore) AtomicBatch(ctx context.Context, ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	actions := make([]aztables.TransactionAction, 0, len(ops))
	for _, op := range ops {
		id := op.ID
		var (
			payload []byte
			err     error
		)
		switch op.Kind {
		case BatchInsert:
			if id == "" {
				id = uuid.NewString()
			}
			payload, err = s.encodeEntity(op.Collection, id, op.Data)
			if err != nil {
				return &domain.AtomicWriteError{Cause: err}
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeAdd,
				Entity:     payload,
			})
		case BatchUpdate:
			payload, err = s.encodeEntity(op.Collection, id, op.Data)
			if err != nil {
				return &domain.AtomicWriteError{Cause: err}
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeUpdateReplace,
				Entity:     payload,
			})
		case BatchDelete:
			payload, err = sonic.Marshal(map[string]any{
				"PartitionKey": documentPartition,
				"RowKey":       rowKey(op.Collection, id),
			})
			if err != nil {
				return &domain.AtomicWriteError{Cause: err}
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeDelete,
				Entity:     payload,
			})
		default:
			return &domain.AtomicWriteError{Cause: fmt.Errorf("unknown batch op %q", op.Kind)}
		}
	}
	if _, err := s.table.SubmitTransaction(ctx, actions, nil); err != nil {
		return &domain.AtomicWriteError{Cause: err}
	}
	return nil
}

// ServerNow is the service clock. Clients never stamp timers themselves, so
// the process clock is the authoritative time source here.
func (s *TableStore) ServerNow() time.Time {
	return time.Now().UTC()
}

func buildODataFilter(collection string, filters []Filter) (string, error) {
	parts := []string{
		fmt.Sprintf("PartitionKey eq '%s'", documentPartition),
		fmt.Sprintf("Collection eq '%s'", escapeOData(collection)),
	}
	for _, f := range filters {
		switch f.Op {
		case OpEqual:
			str, ok := f.Value.(string)
			if !ok {
				str = fmt.Sprintf("%v", f.Value)
			}
			parts = append(parts, fmt.Sprintf("%s eq '%s'", columnName(f.Field), escapeOData(str)))
		case OpIn:
			values, ok := f.Value.([]string)
			if !ok {
				return "", fmt.Errorf("in filter on %q requires []string", f.Field)
			}
			if len(values) == 0 {
				// No candidate can match; an impossible clause keeps the
				// query shape uniform.
				parts = append(parts, "RowKey eq ''")
				continue
			}
			ors := make([]string, len(values))
			for i, v := range values {
				if f.Field == "id" {
					ors[i] = fmt.Sprintf("RowKey eq '%s'", escapeOData(rowKey(collection, v)))
				} else {
					ors[i] = fmt.Sprintf("%s eq '%s'", columnName(f.Field), escapeOData(v))
				}
			}
			parts = append(parts, "("+strings.Join(ors, " or ")+")")
		default:
			return "", fmt.Errorf("unknown filter op %q", f.Op)
		}
	}
	return strings.Join(parts, " and "), nil
}

func columnName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToUpper(field[:1]) + field[1:]
}

func escapeOData(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
