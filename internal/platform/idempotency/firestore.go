package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/donorportal/api/internal/platform/firestore"
)

const defaultCollection = "idempotency_keys"

// FirestoreStore keeps records in Firestore so replays survive instance restarts.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

func NewFirestoreStore(provider *pfirestore.Provider) *FirestoreStore {
	return &FirestoreStore{provider: provider, collection: defaultCollection}
}

type firestoreRecord struct {
	Key         string    `firestore:"key"`
	Fingerprint string    `firestore:"fingerprint"`
	Completed   bool      `firestore:"completed"`
	Status      int       `firestore:"status"`
	ContentType string    `firestore:"contentType"`
	Body        []byte    `firestore:"body"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Record, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return Record{}, err
	}
	ref := client.Collection(s.collection).Doc(documentID(key))

	var result Record
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			result = pending(key, fingerprint, now, ttl)
			return tx.Set(ref, toFirestore(result))
		}
		if err != nil {
			return err
		}
		var stored firestoreRecord
		if err := snap.DataTo(&stored); err != nil {
			return err
		}
		record, replace, err := decide(fromFirestore(stored), key, fingerprint, now, ttl)
		if err != nil {
			return err
		}
		result = record
		if replace {
			return tx.Set(ref, toFirestore(record))
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, record Record) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	record.Completed = true
	_, err = client.Collection(s.collection).Doc(documentID(record.Key)).Set(ctx, toFirestore(record))
	return pfirestore.WrapError("idempotency.complete", err)
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(s.collection).Doc(documentID(key)).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return pfirestore.WrapError("idempotency.release", err)
}

func toFirestore(r Record) firestoreRecord {
	return firestoreRecord{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Completed:   r.Completed,
		Status:      r.Status,
		ContentType: r.ContentType,
		Body:        r.Body,
		ExpiresAt:   r.ExpiresAt.UTC(),
	}
}

func fromFirestore(r firestoreRecord) Record {
	return Record{
		Key:         r.Key,
		Fingerprint: r.Fingerprint,
		Completed:   r.Completed,
		Status:      r.Status,
		ContentType: r.ContentType,
		Body:        r.Body,
		ExpiresAt:   r.ExpiresAt,
	}
}
