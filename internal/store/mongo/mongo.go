package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/xid"
)

// record is the stored shape: the JSON document lives under data, keyed by
// shop and document id. Commit needs a replica set for transactions.
type record struct {
	Key       string    `bson:"_id"`
	ShopID    string    `bson:"shop_id"`
	DocID     string    `bson:"doc_id"`
	Data      bson.Raw  `bson:"data"`
	CreatedAt time.Time `bson:"created_at"`
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database

	indexMu    sync.Mutex
	indexReady bool
}

// New connects and ensures indexes. An unreachable server is not fatal: the
// driver reconnects on its own and indexes are created on the next call
// that reaches it.
func New(ctx context.Context, uri string, dbName string) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(connectCtx); err != nil && !store.IsTransient(err) {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.indexReady {
		return nil
	}
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return classify(err)
	}
	for _, name := range []string{domain.CollectionProducts, domain.CollectionCustomers, domain.CollectionSales, domain.CollectionUsers} {
		_, err := s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "shop_id", Value: 1}, {Key: "created_at", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("ensure index %s: %w", name, classify(err))
		}
	}
	s.indexReady = true
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.ensureIndexes(ctx)
}

func recordKey(shopID, id string) string {
	return shopID + "/" + id
}

func (s *Store) Get(ctx context.Context, shopID string, collection string, id string) (store.Document, error) {
	var rec record
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": recordKey(shopID, id)}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		return store.Document{}, classify(err)
	}
	return toDocument(rec)
}

func (s *Store) List(ctx context.Context, shopID string, collection string) ([]store.Document, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "doc_id", Value: 1}})
	cursor, err := s.db.Collection(collection).Find(ctx, bson.M{"shop_id": shopID}, opts)
	if err != nil {
		return nil, classify(err)
	}
	var recs []record
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, classify(err)
	}

	docs := make([]store.Document, 0, len(recs))
	for _, rec := range recs {
		doc, err := toDocument(rec)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) Create(ctx context.Context, shopID string, collection string, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		doc.ID = xid.New(strings.TrimSuffix(collection, "s"))
	}
	data, err := toBSON(doc.Data)
	if err != nil {
		return store.Document{}, err
	}

	_, err = s.db.Collection(collection).InsertOne(ctx, bson.M{
		"_id":        recordKey(shopID, doc.ID),
		"shop_id":    shopID,
		"doc_id":     doc.ID,
		"data":       data,
		"created_at": time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return store.Document{}, store.ErrConflict
	}
	if err != nil {
		return store.Document{}, classify(err)
	}
	return doc, nil
}

func (s *Store) Put(ctx context.Context, shopID string, collection string, doc store.Document) error {
	m := domain.Mutation{Op: domain.MutationSet, Collection: collection, DocID: doc.ID, Data: doc.Data}
	if err := store.ValidateMutation(m); err != nil {
		return err
	}
	return classify(s.apply(ctx, shopID, m))
}

func (s *Store) Delete(ctx context.Context, shopID string, collection string, id string) error {
	res, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": recordKey(shopID, id)})
	if err != nil {
		return classify(err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Commit runs the batch inside a multi-document transaction.
func (s *Store) Commit(ctx context.Context, shopID string, mutations []domain.Mutation) error {
	for _, m := range mutations {
		if err := store.ValidateMutation(m); err != nil {
			return err
		}
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return err
	}

	session, err := s.client.StartSession()
	if err != nil {
		return classify(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, m := range mutations {
			if err := s.apply(sc, shopID, m); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return classify(err)
}

func (s *Store) apply(ctx context.Context, shopID string, m domain.Mutation) error {
	coll := s.db.Collection(m.Collection)
	filter := bson.M{"_id": recordKey(shopID, m.DocID)}
	now := time.Now().UTC()
	onInsert := bson.M{"shop_id": shopID, "doc_id": m.DocID, "created_at": now}

	switch m.Op {
	case domain.MutationSet:
		data, err := toBSON(m.Data)
		if err != nil {
			return err
		}
		update := bson.M{"$set": bson.M{"data": data}, "$setOnInsert": onInsert}
		_, err = coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		return err
	case domain.MutationMerge:
		data, err := toBSON(m.Data)
		if err != nil {
			return err
		}
		fields := bson.M{}
		for _, e := range data {
			fields["data."+e.Key] = e.Value
		}
		update := bson.M{"$set": fields, "$setOnInsert": onInsert}
		_, err = coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
		return err
	case domain.MutationIncrement:
		res, err := coll.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"data." + m.Field: m.Delta}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("increment %s/%s: %w", m.Collection, m.DocID, store.ErrNotFound)
		}
		return nil
	case domain.MutationAdd:
		// Read and write inside the caller's transaction; a concurrent writer
		// aborts it with a transient error and the commit is retried.
		var rec record
		err := coll.FindOne(ctx, filter).Decode(&rec)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("add %s/%s: %w", m.Collection, m.DocID, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		current, err := decimalField(rec.Data, m.Field)
		if err != nil {
			return err
		}
		next := current.Add(*m.Amount).String()
		_, err = coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"data." + m.Field: next}})
		return err
	case domain.MutationDelete:
		_, err := coll.DeleteOne(ctx, filter)
		return err
	default:
		return fmt.Errorf("%w: unknown op %q", store.ErrInvalidMutation, m.Op)
	}
}

func decimalField(data bson.Raw, field string) (decimal.Decimal, error) {
	v, err := data.LookupErr(field)
	if err != nil {
		return decimal.Zero, nil
	}
	switch v.Type {
	case bson.TypeNull:
		return decimal.Zero, nil
	case bson.TypeString:
		d, err := decimal.NewFromString(v.StringValue())
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: field %s is not a decimal", store.ErrInvalidMutation, field)
		}
		return d, nil
	case bson.TypeInt32:
		return decimal.NewFromInt32(v.Int32()), nil
	case bson.TypeInt64:
		return decimal.NewFromInt(v.Int64()), nil
	case bson.TypeDouble:
		return decimal.NewFromFloat(v.Double()), nil
	}
	return decimal.Zero, fmt.Errorf("%w: field %s has type %s", store.ErrInvalidMutation, field, v.Type)
}

func toBSON(raw []byte) (bson.D, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(raw, false, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidMutation, err)
	}
	return d, nil
}

func toDocument(rec record) (store.Document, error) {
	data, err := bson.MarshalExtJSON(rec.Data, false, false)
	if err != nil {
		return store.Document{}, fmt.Errorf("encode %s: %w", rec.DocID, err)
	}
	return store.Document{ID: rec.DocID, Data: data}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidMutation) {
		return err
	}
	var serverErr mongo.ServerError
	if mongo.IsNetworkError(err) ||
		mongo.IsTimeout(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, mongo.ErrClientDisconnected) ||
		(errors.As(err, &serverErr) && serverErr.HasErrorLabel("TransientTransactionError")) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
