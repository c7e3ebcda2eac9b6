package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"aasanpos/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrInvalidMutation = errors.New("invalid mutation")
	// ErrUnavailable marks transient failures: the store could not be
	// reached or timed out. Callers may retry the same write later.
	ErrUnavailable = errors.New("store unavailable")
)

// Document is a JSON object addressed by id inside a shop collection.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// DocumentStore is the remote store contract. Collections are scoped per
// shop; the users collection lives under the empty shop id.
type DocumentStore interface {
	Get(ctx context.Context, shopID string, collection string, id string) (Document, error)
	List(ctx context.Context, shopID string, collection string) ([]Document, error)
	Create(ctx context.Context, shopID string, collection string, doc Document) (Document, error)
	Put(ctx context.Context, shopID string, collection string, doc Document) error
	Delete(ctx context.Context, shopID string, collection string, id string) error
	// Commit applies every mutation or none of them.
	Commit(ctx context.Context, shopID string, mutations []domain.Mutation) error
	Ping(ctx context.Context) error
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func Encode(id string, v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Data: raw}, nil
}

func Decode[T any](doc Document) (T, error) {
	var out T
	if err := json.Unmarshal(doc.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", doc.ID, err)
	}
	return out, nil
}

func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := Decode[T](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ValidateMutation checks the shape of a mutation before any store work.
func ValidateMutation(m domain.Mutation) error {
	if m.Collection == "" || m.DocID == "" {
		return fmt.Errorf("%w: collection and doc id are required", ErrInvalidMutation)
	}
	switch m.Op {
	case domain.MutationSet, domain.MutationMerge:
		if _, err := objectFields(m.Data); err != nil {
			return fmt.Errorf("%w: %s %s/%s: %v", ErrInvalidMutation, m.Op, m.Collection, m.DocID, err)
		}
	case domain.MutationIncrement:
		if m.Field == "" {
			return fmt.Errorf("%w: increment %s/%s without field", ErrInvalidMutation, m.Collection, m.DocID)
		}
	case domain.MutationAdd:
		if m.Field == "" || m.Amount == nil {
			return fmt.Errorf("%w: add %s/%s needs field and amount", ErrInvalidMutation, m.Collection, m.DocID)
		}
	case domain.MutationDelete:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidMutation, m.Op)
	}
	return nil
}

// MergeObject overlays the top-level fields of patch onto base. A nil base
// yields patch itself.
func MergeObject(base json.RawMessage, patch json.RawMessage) (json.RawMessage, error) {
	over, err := objectFields(patch)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if len(base) > 0 {
		if fields, err = objectFields(base); err != nil {
			return nil, err
		}
	}
	for k, v := range over {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// IncrementField adds delta to an integer field of the document. A missing
// field counts as zero.
func IncrementField(doc json.RawMessage, field string, delta int64) (json.RawMessage, error) {
	fields, err := objectFields(doc)
	if err != nil {
		return nil, err
	}
	var current int64
	if raw, ok := fields[field]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("%w: field %s is not a number", ErrInvalidMutation, field)
		}
		current, err = strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s is not an integer", ErrInvalidMutation, field)
		}
	}
	fields[field] = json.RawMessage(strconv.FormatInt(current+delta, 10))
	return json.Marshal(fields)
}

// AddDecimalField adds amount to a decimal field of the document and writes
// the result back as a JSON string. A missing or null field counts as zero.
func AddDecimalField(doc json.RawMessage, field string, amount decimal.Decimal) (json.RawMessage, error) {
	fields, err := objectFields(doc)
	if err != nil {
		return nil, err
	}
	current := decimal.Zero
	if raw, ok := fields[field]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := current.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("%w: field %s is not a decimal", ErrInvalidMutation, field)
		}
	}
	out, err := current.Add(amount).MarshalJSON()
	if err != nil {
		return nil, err
	}
	fields[field] = out
	return json.Marshal(fields)
}

func objectFields(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("document is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("document is not a JSON object")
	}
	return fields, nil
}
