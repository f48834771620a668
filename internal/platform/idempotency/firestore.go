package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/megamarket/api/internal/platform/firestore"
)

const (
	defaultCollection   = "idempotency_keys"
	defaultTxAttempts   = 5
	defaultCleanupLimit = 100
)

// FirestoreStore keeps one document per scoped key, named by the key's SHA-256 so caller supplied
// keys never become document paths.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

type FirestoreOption func(*FirestoreStore)

func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	s := &FirestoreStore{provider: provider, collection: defaultCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

type entryDocument struct {
	Key         string              `firestore:"key"`
	Fingerprint string              `firestore:"fingerprint"`
	Done        bool                `firestore:"done"`
	Status      int                 `firestore:"response_status"`
	Header      map[string][]string `firestore:"response_headers"`
	Body        []byte              `firestore:"response_body"`
	UpdatedAt   time.Time           `firestore:"updated_at"`
	ExpiresAt   time.Time           `firestore:"expires_at"`
}

func (d entryDocument) entry() Entry {
	return Entry{
		Fingerprint: d.Fingerprint,
		Done:        d.Done,
		Response:    Response{Status: d.Status, Header: d.Header, Body: d.Body},
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *FirestoreStore) ref(ctx context.Context, key string) (*firestore.DocumentRef, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(s.collection).Doc(hashHex([]byte(key))), nil
}

// read returns nil when the document does not exist.
func read(tx *firestore.Transaction, ref *firestore.DocumentRef) (*entryDocument, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc entryDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *FirestoreStore) Claim(ctx context.Context, key, fingerprint string, now time.Time, lockTTL time.Duration) (Outcome, Entry, error) {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	ref, err := s.ref(ctx, key)
	if err != nil {
		return OutcomeClaimed, Entry{}, err
	}

	var (
		outcome Outcome
		entry   Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := read(tx, ref)
		if err != nil {
			return err
		}
		var current *Entry
		if doc != nil {
			e := doc.entry()
			current = &e
		}
		if outcome, err = decide(current, fingerprint, now); err != nil {
			return err
		}
		if outcome != OutcomeClaimed {
			entry = *current
			return nil
		}
		claimed := entryDocument{Key: key, Fingerprint: fingerprint, UpdatedAt: now, ExpiresAt: now.Add(lockTTL)}
		entry = claimed.entry()
		return tx.Set(ref, claimed)
	}, pfirestore.WithTxAttempts(defaultTxAttempts))
	if err != nil && !errors.Is(err, ErrFingerprintMismatch) {
		err = pfirestore.WrapError("idempotency.claim", err)
	}
	return outcome, entry, err
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	done := entryDocument{
		Key:         key,
		Fingerprint: fingerprint,
		Done:        true,
		Status:      resp.Status,
		Header:      storableHeader(resp.Header),
		Body:        resp.Body,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := read(tx, ref)
		if err != nil {
			return err
		}
		if current != nil && now.Before(current.ExpiresAt) && current.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		return tx.Set(ref, done)
	}, pfirestore.WithTxAttempts(defaultTxAttempts))
	if err != nil && !errors.Is(err, ErrFingerprintMismatch) {
		err = pfirestore.WrapError("idempotency.complete", err)
	}
	return err
}

func (s *FirestoreStore) Abandon(ctx context.Context, key string) error {
	ref, err := s.ref(ctx, key)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.abandon", err)
	}
	return nil
}

// CleanupExpired deletes up to limit entries whose expires_at has passed.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).Where("expires_at", "<=", now).Limit(limit).Documents(ctx).GetAll()
	if err != nil || len(docs) == 0 {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}

	bw := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	removed := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return removed, pfirestore.WrapError("idempotency.cleanup", err)
		}
		removed++
	}
	return removed, nil
}
