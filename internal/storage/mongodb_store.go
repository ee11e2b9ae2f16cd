package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/TessaraPay/gateway/internal/currency"
)

// MongoStore implements SessionStore using MongoDB. Per-session serialization
// uses optimistic concurrency: each document carries a version counter, and a
// mutation replaces the document only if the version it read is still current,
// retrying on conflict. This keeps the transition logic identical to the other
// backends without multi-document transactions.
type MongoStore struct {
	client     *mongo.Client
	sessions   *mongo.Collection
	counters   *mongo.Collection
	sessionTTL time.Duration
}

// sessionDoc wraps a session with the concurrency version and the lowercase
// address key backing the unique index.
type sessionDoc struct {
	PaymentSession `bson:",inline"`
	AddressKey     string `bson:"payment_address_lower"`
	Version        int64  `bson:"version"`
}

const mongoRetryLimit = 8

// NewMongoStore connects to MongoDB and ensures indexes.
func NewMongoStore(uri, database string, sessionTTL time.Duration) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetRegistry(decimalRegistry()))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:     client,
		sessions:   db.Collection("payment_sessions"),
		counters:   db.Collection("address_indexes"),
		sessionTTL: sessionTTL,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "payment_address_lower", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "status", Value: bson.D{
					{Key: "$in", Value: []string{"pending", "detected", "confirming"}},
				}}}),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// withSessionDoc runs fn against the current document and replaces it if fn
// reports a change, retrying when another writer races in between.
func (s *MongoStore) withSessionDoc(ctx context.Context, id string, fn func(sess *PaymentSession) (bool, error)) (PaymentSession, error) {
	for attempt := 0; attempt < mongoRetryLimit; attempt++ {
		var doc sessionDoc
		err := s.sessions.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return PaymentSession{}, ErrNotFound
		}
		if err != nil {
			return PaymentSession{}, fmt.Errorf("load session: %w", err)
		}

		changed, fnErr := fn(&doc.PaymentSession)
		if !changed {
			return doc.PaymentSession, fnErr
		}

		readVersion := doc.Version
		doc.Version++
		doc.AddressKey = strings.ToLower(doc.PaymentAddress)
		res, err := s.sessions.ReplaceOne(ctx,
			bson.D{{Key: "_id", Value: id}, {Key: "version", Value: readVersion}},
			doc)
		if err != nil {
			return PaymentSession{}, fmt.Errorf("replace session: %w", err)
		}
		if res.MatchedCount == 1 {
			return doc.PaymentSession, fnErr
		}
		// Lost the race; reload and reapply.
	}
	return PaymentSession{}, fmt.Errorf("session %s: too many concurrent writers", id)
}

func (s *MongoStore) Create(ctx context.Context, spec SessionSpec) (PaymentSession, error) {
	cur, err := validateSpec(spec)
	if err != nil {
		return PaymentSession{}, err
	}

	now := time.Now().UTC()
	expiresAt := spec.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.sessionTTL)
	}

	doc := sessionDoc{
		PaymentSession: PaymentSession{
			ID:                    uuid.NewString(),
			UserID:                spec.UserID,
			Currency:              cur.Code,
			PaymentAddress:        spec.PaymentAddress,
			ForwardingAddress:     spec.ForwardingAddress,
			AddressIndex:          spec.AddressIndex,
			ExpectedAmount:        spec.ExpectedAmount,
			ReceivedAmount:        decimal.Zero,
			RequiredConfirmations: cur.RequiredConfirmations,
			Status:                StatusPending,
			Settlement: SettlementRecord{
				PartialPayment: spec.PartialPayment,
				AmountUSD:      spec.AmountUSD,
			},
			Metadata:  cloneMetadata(spec.Metadata),
			History:   []HistoryEntry{},
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: expiresAt,
		},
		AddressKey: strings.ToLower(spec.PaymentAddress),
	}

	if _, err := s.sessions.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return PaymentSession{}, fmt.Errorf("%w: %s", ErrAddressInUse, spec.PaymentAddress)
		}
		return PaymentSession{}, fmt.Errorf("insert session: %w", err)
	}
	return doc.PaymentSession, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (PaymentSession, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PaymentSession{}, ErrNotFound
	}
	if err != nil {
		return PaymentSession{}, fmt.Errorf("load session: %w", err)
	}
	return doc.PaymentSession, nil
}

func (s *MongoStore) GetByAddress(ctx context.Context, address string) (PaymentSession, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx,
		bson.D{{Key: "payment_address_lower", Value: strings.ToLower(address)}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return PaymentSession{}, ErrNotFound
	}
	if err != nil {
		return PaymentSession{}, fmt.Errorf("load session by address: %w", err)
	}
	return doc.PaymentSession, nil
}

func (s *MongoStore) GetByUser(ctx context.Context, userID string) ([]PaymentSession, error) {
	cursor, err := s.sessions.Find(ctx,
		bson.D{{Key: "user_id", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("query sessions by user: %w", err)
	}
	return decodeSessions(ctx, cursor)
}

func (s *MongoStore) ListByStatus(ctx context.Context, statuses ...SessionStatus) ([]PaymentSession, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	cursor, err := s.sessions.Find(ctx,
		bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: vals}}}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	return decodeSessions(ctx, cursor)
}

func decodeSessions(ctx context.Context, cursor *mongo.Cursor) ([]PaymentSession, error) {
	defer cursor.Close(ctx)
	var out []PaymentSession
	for cursor.Next(ctx) {
		var doc sessionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, doc.PaymentSession)
	}
	return out, cursor.Err()
}

func (s *MongoStore) Update(ctx context.Context, id string, fields UpdateFields) (PaymentSession, error) {
	return s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		if sess.Status.Terminal() && (fields.ForwardingAddress != nil || fields.ExpectedAmount != nil || fields.ExpiresAt != nil) {
			return false, ErrTerminalState
		}
		if fields.ForwardingAddress != nil {
			sess.ForwardingAddress = *fields.ForwardingAddress
		}
		if fields.ExpectedAmount != nil {
			sess.ExpectedAmount = *fields.ExpectedAmount
		}
		if fields.ExpiresAt != nil {
			sess.ExpiresAt = *fields.ExpiresAt
		}
		if len(fields.Metadata) > 0 {
			if sess.Metadata == nil {
				sess.Metadata = make(map[string]string, len(fields.Metadata))
			}
			for k, v := range fields.Metadata {
				sess.Metadata[k] = v
			}
		}
		sess.UpdatedAt = time.Now().UTC()
		return true, nil
	})
}

func (s *MongoStore) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	_, err := s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		appendEntry(sess, entry)
		return true, nil
	})
	return err
}

func (s *MongoStore) MarkDetected(ctx context.Context, id, txHash string, amount decimal.Decimal, blockHeight int64) (PaymentSession, bool, error) {
	var changed bool
	sess, err := s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		var err error
		changed, err = applyDetected(sess, txHash, amount, blockHeight)
		return changed, err
	})
	return sess, changed, err
}

func (s *MongoStore) UpdateConfirmations(ctx context.Context, id string, confirmations int, blockHeight int64) (PaymentSession, bool, error) {
	var changed bool
	sess, err := s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		var err error
		changed, err = applyConfirmations(sess, confirmations, blockHeight)
		return changed, err
	})
	return sess, changed, err
}

func (s *MongoStore) MarkCompleted(ctx context.Context, id string, mismatch MismatchKind) (PaymentSession, bool, error) {
	var changed bool
	sess, err := s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		changed = applyCompleted(sess, mismatch)
		return changed, nil
	})
	return sess, changed, err
}

func (s *MongoStore) MarkFailed(ctx context.Context, id, reason string) (PaymentSession, error) {
	return s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		if err := applyFailed(sess, reason); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *MongoStore) Cancel(ctx context.Context, id string) (PaymentSession, error) {
	return s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		if err := applyCancelled(sess); err != nil {
			return false, err
		}
		return true, nil
	})
}

func (s *MongoStore) RecordForwardSuccess(ctx context.Context, id, txHash string, forwarded, fee decimal.Decimal, feeTaken bool, feePercent float64) (PaymentSession, error) {
	return s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		return applyForwardSuccess(sess, txHash, forwarded, fee, feeTaken, feePercent), nil
	})
}

func (s *MongoStore) RecordForwardFailure(ctx context.Context, id, reason string) (PaymentSession, error) {
	return s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		applyForwardFailure(sess, reason)
		return true, nil
	})
}

func (s *MongoStore) MarkFeesCollected(ctx context.Context, id, txHash string) (PaymentSession, error) {
	return s.withSessionDoc(ctx, id, func(sess *PaymentSession) (bool, error) {
		return applyFeesCollected(sess, txHash), nil
	})
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.sessions.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// NextAddressIndex atomically advances the per-currency derivation counter.
func (s *MongoStore) NextAddressIndex(ctx context.Context, currencyCode string) (uint32, error) {
	cur, err := currency.Lookup(currencyCode)
	if err != nil {
		return 0, err
	}

	var doc struct {
		NextIndex int64 `bson:"next_index"`
	}
	err = s.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: cur.Code}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "next_index", Value: 1}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("advance address index: %w", err)
	}
	return uint32(doc.NextIndex - 1), nil
}

func (s *MongoStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	entry := HistoryEntry{
		ID:        uuid.NewString(),
		Type:      HistoryExpired,
		Status:    StatusExpired,
		Timestamp: now.UTC(),
	}
	res, err := s.sessions.UpdateMany(ctx,
		bson.D{
			{Key: "status", Value: StatusPending},
			{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now.UTC()}}},
		},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "status", Value: StatusExpired},
				{Key: "updated_at", Value: now.UTC()},
			}},
			{Key: "$push", Value: bson.D{{Key: "history", Value: entry}}},
		})
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
