package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/megamarket/api/internal/domain"
	pfirestore "github.com/megamarket/api/internal/platform/firestore"
	"github.com/megamarket/api/internal/repositories"
)

const pendingOrderCollection = "pending_orders"

type pendingOrderDocument struct {
	Draft    draftDocument `firestore:"draft"`
	IntentID string        `firestore:"intentId"`
	StagedAt time.Time     `firestore:"stagedAt"`
}

// PendingOrderRepository keeps one staged draft per account at pending_orders/{accountId}.
type PendingOrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[pendingOrderDocument]
}

var _ repositories.PendingOrderRepository = (*PendingOrderRepository)(nil)

// NewPendingOrderRepository constructs the Firestore staging slot store.
func NewPendingOrderRepository(provider *pfirestore.Provider) (*PendingOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("pending order repository requires firestore provider")
	}
	return &PendingOrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[pendingOrderDocument](provider, pendingOrderCollection),
	}, nil
}

// Put overwrites the account's slot.
func (r *PendingOrderRepository) Put(ctx context.Context, accountID string, pending domain.PendingOrder) error {
	return r.base.Set(ctx, strings.TrimSpace(accountID), pendingOrderDocument{
		Draft:    encodeDraft(pending.Draft),
		IntentID: pending.IntentID,
		StagedAt: pending.StagedAt.UTC(),
	})
}

// Get reads the slot without removing it.
func (r *PendingOrderRepository) Get(ctx context.Context, accountID string) (domain.PendingOrder, bool, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(accountID))
	if err != nil {
		if isNotFound(err) {
			return domain.PendingOrder{}, false, nil
		}
		return domain.PendingOrder{}, false, err
	}
	pending, err := decodePending(doc.Data)
	if err != nil {
		return domain.PendingOrder{}, false, err
	}
	return pending, true, nil
}

// Take reads and deletes the slot in one transaction so two concurrent readers cannot both receive it.
func (r *PendingOrderRepository) Take(ctx context.Context, accountID string) (domain.PendingOrder, bool, error) {
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return domain.PendingOrder{}, false, err
	}
	var (
		pending domain.PendingOrder
		found   bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		found = false
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[pendingOrderDocument](snap)
		if err != nil {
			return err
		}
		if pending, err = decodePending(doc.Data); err != nil {
			return err
		}
		found = true
		return tx.Delete(ref)
	})
	if err != nil {
		return domain.PendingOrder{}, false, pfirestore.WrapError("pending_orders.take", err)
	}
	return pending, found, nil
}

// DeleteIfDraft removes the slot only while it still holds draftID. A slot that was restaged with a
// different draft in the meantime is left alone.
func (r *PendingOrderRepository) DeleteIfDraft(ctx context.Context, accountID, draftID string) (bool, error) {
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return false, err
	}
	var deleted bool
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		deleted = false
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[pendingOrderDocument](snap)
		if err != nil {
			return err
		}
		if doc.Data.Draft.ID != draftID {
			return nil
		}
		deleted = true
		return tx.Delete(ref)
	})
	if err != nil {
		return false, pfirestore.WrapError("pending_orders.release", err)
	}
	return deleted, nil
}

// StagedBefore lists up to limit slots staged before cutoff, oldest first. Nothing is removed.
func (r *PendingOrderRepository) StagedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.PendingOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("stagedAt", "<", cutoff.UTC()).OrderBy("stagedAt", firestore.Asc).Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.PendingOrder, 0, len(docs))
	for _, doc := range docs {
		pending, err := decodePending(doc.Data)
		if err != nil {
			return nil, pfirestore.WrapError("pending_orders.stale", err)
		}
		if pending.Draft.AccountID == "" {
			pending.Draft.AccountID = doc.ID
		}
		out = append(out, pending)
	}
	return out, nil
}

// DeleteIfStaged removes the slot only while it still holds draftID staged at stagedAt. A slot restaged
// after it was listed, even with the same draft, is kept.
func (r *PendingOrderRepository) DeleteIfStaged(ctx context.Context, accountID, draftID string, stagedAt time.Time) (bool, error) {
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return false, err
	}
	var deleted bool
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		deleted = false
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[pendingOrderDocument](snap)
		if err != nil {
			return err
		}
		if doc.Data.Draft.ID != draftID || !doc.Data.StagedAt.Equal(stagedAt) {
			return nil
		}
		deleted = true
		return tx.Delete(ref)
	})
	if err != nil {
		return false, pfirestore.WrapError("pending_orders.expire", err)
	}
	return deleted, nil
}

func decodePending(doc pendingOrderDocument) (domain.PendingOrder, error) {
	draft, err := decodeDraft(doc.Draft)
	if err != nil {
		return domain.PendingOrder{}, err
	}
	return domain.PendingOrder{Draft: draft, IntentID: doc.IntentID, StagedAt: doc.StagedAt.UTC()}, nil
}
