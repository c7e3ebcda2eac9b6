package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/xid"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	shop_id    TEXT        NOT NULL,
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (shop_id, collection, id)
);
CREATE INDEX IF NOT EXISTS documents_created_idx ON documents (shop_id, collection, created_at);
`

type Store struct {
	db *sql.DB

	schemaMu    sync.Mutex
	schemaReady bool
}

// New opens the pool and prepares the schema. When the server cannot be
// reached the store is still returned and the schema is created by the first
// call that gets through, so the shop can start offline.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := s.ensureSchema(pingCtx); err != nil && !store.IsTransient(err) {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", classify(err))
	}
	s.schemaReady = true
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.ensureSchema(ctx)
}

func (s *Store) Get(ctx context.Context, shopID string, collection string, id string) (store.Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return store.Document{}, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM documents
		WHERE shop_id = $1 AND collection = $2 AND id = $3
	`, shopID, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, classify(err)
	}
	return store.Document{ID: id, Data: data}, nil
}

func (s *Store) List(ctx context.Context, shopID string, collection string) ([]store.Document, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data FROM documents
		WHERE shop_id = $1 AND collection = $2
		ORDER BY created_at, id
	`, shopID, collection)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0, 64)
	for rows.Next() {
		var doc store.Document
		var data []byte
		if err := rows.Scan(&doc.ID, &data); err != nil {
			return nil, classify(err)
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return docs, nil
}

func (s *Store) Create(ctx context.Context, shopID string, collection string, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		doc.ID = xid.New(strings.TrimSuffix(collection, "s"))
	}
	if err := store.ValidateMutation(domain.Mutation{Op: domain.MutationSet, Collection: collection, DocID: doc.ID, Data: doc.Data}); err != nil {
		return store.Document{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return store.Document{}, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (shop_id, collection, id, data)
		VALUES ($1, $2, $3, $4::jsonb)
	`, shopID, collection, doc.ID, string(doc.Data))
	if err != nil {
		if isUniqueViolation(err) {
			return store.Document{}, store.ErrConflict
		}
		return store.Document{}, classify(err)
	}
	return doc, nil
}

func (s *Store) Put(ctx context.Context, shopID string, collection string, doc store.Document) error {
	m := domain.Mutation{Op: domain.MutationSet, Collection: collection, DocID: doc.ID, Data: doc.Data}
	if err := store.ValidateMutation(m); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	return classify(apply(ctx, s.db, shopID, m))
}

func (s *Store) Delete(ctx context.Context, shopID string, collection string, id string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE shop_id = $1 AND collection = $2 AND id = $3
	`, shopID, collection, id)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Commit runs the batch in one serializable transaction.
func (s *Store) Commit(ctx context.Context, shopID string, mutations []domain.Mutation) error {
	for _, m := range mutations {
		if err := store.ValidateMutation(m); err != nil {
			return err
		}
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range mutations {
		if err := apply(ctx, tx, shopID, m); err != nil {
			return classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func apply(ctx context.Context, db execer, shopID string, m domain.Mutation) error {
	switch m.Op {
	case domain.MutationSet:
		_, err := db.ExecContext(ctx, `
			INSERT INTO documents (shop_id, collection, id, data)
			VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (shop_id, collection, id)
			DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		`, shopID, m.Collection, m.DocID, string(m.Data))
		return err
	case domain.MutationMerge:
		_, err := db.ExecContext(ctx, `
			INSERT INTO documents (shop_id, collection, id, data)
			VALUES ($1, $2, $3, $4::jsonb)
			ON CONFLICT (shop_id, collection, id)
			DO UPDATE SET data = documents.data || EXCLUDED.data, updated_at = now()
		`, shopID, m.Collection, m.DocID, string(m.Data))
		return err
	case domain.MutationIncrement:
		res, err := db.ExecContext(ctx, `
			UPDATE documents
			SET data = jsonb_set(data, ARRAY[$4::text], to_jsonb(COALESCE((data->>$4::text)::bigint, 0) + $5::bigint)),
				updated_at = now()
			WHERE shop_id = $1 AND collection = $2 AND id = $3
		`, shopID, m.Collection, m.DocID, m.Field, m.Delta)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("increment %s/%s: %w", m.Collection, m.DocID, store.ErrNotFound)
		}
		return nil
	case domain.MutationAdd:
		// Decimals are stored as JSON strings to keep them exact.
		res, err := db.ExecContext(ctx, `
			UPDATE documents
			SET data = jsonb_set(data, ARRAY[$4::text], to_jsonb((COALESCE((data->>$4::text)::numeric, 0) + $5::numeric)::text)),
				updated_at = now()
			WHERE shop_id = $1 AND collection = $2 AND id = $3
		`, shopID, m.Collection, m.DocID, m.Field, m.Amount.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("add %s/%s: %w", m.Collection, m.DocID, store.ErrNotFound)
		}
		return nil
	case domain.MutationDelete:
		_, err := db.ExecContext(ctx, `
			DELETE FROM documents WHERE shop_id = $1 AND collection = $2 AND id = $3
		`, shopID, m.Collection, m.DocID)
		return err
	default:
		return fmt.Errorf("%w: unknown op %q", store.ErrInvalidMutation, m.Op)
	}
}

// classify maps connection loss, timeouts and serialization conflicts to
// store.ErrUnavailable so callers can queue and retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidMutation) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		case strings.HasPrefix(pgErr.Code, "22"):
			return fmt.Errorf("%w: %v", store.ErrInvalidMutation, err)
		}
		return err
	}
	var netErr net.Error
	if pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
