package services

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/repositories"
)

const defaultStagingSweepLimit = 200

// PendingOrderStagingDeps wires the dependencies required by the staging slot.
type PendingOrderStagingDeps struct {
	Repository repositories.PendingOrderRepository
	Clock      func() time.Time
	Logger     func(context.Context, string, map[string]any)
}

type pendingOrderStaging struct {
	repo   repositories.PendingOrderRepository
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewPendingOrderStaging constructs the durable single-slot staging store.
func NewPendingOrderStaging(deps PendingOrderStagingDeps) (PendingOrderStaging, error) {
	if deps.Repository == nil {
		return nil, errors.New("pending order staging: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &pendingOrderStaging{
		repo:   deps.Repository,
		now:    func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

func (s *pendingOrderStaging) Stage(ctx context.Context, sess Session, draft domain.OrderDraft, intentID string) error {
	accountID, err := sess.accountID()
	if err != nil {
		return err
	}
	if strings.TrimSpace(draft.ID) == "" || len(draft.Items) == 0 {
		return &ValidationError{Fields: []string{"draft"}, Reason: "draft is incomplete"}
	}
	if draft.AccountID != "" && draft.AccountID != accountID {
		return &ValidationError{Fields: []string{"draft"}, Reason: "draft belongs to another account"}
	}
	draft.AccountID = accountID

	pending := domain.PendingOrder{
		Draft:    draft,
		IntentID: strings.TrimSpace(intentID),
		StagedAt: s.now(),
	}
	if err := s.repo.Put(ctx, accountID, pending); err != nil {
		return unavailable("staging", err)
	}
	s.logger(ctx, "checkout.draft.staged", map[string]any{
		"accountId": accountID,
		"draftId":   draft.ID,
		"intentId":  pending.IntentID,
	})
	return nil
}

func (s *pendingOrderStaging) Consume(ctx context.Context, sess Session) (domain.PendingOrder, bool, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return domain.PendingOrder{}, false, err
	}
	pending, ok, err := s.repo.Take(ctx, accountID)
	if err != nil {
		return domain.PendingOrder{}, false, unavailable("staging", err)
	}
	if ok {
		s.logger(ctx, "checkout.draft.consumed", map[string]any{
			"accountId": accountID,
			"draftId":   pending.Draft.ID,
		})
	}
	return pending, ok, nil
}

func (s *pendingOrderStaging) Peek(ctx context.Context, sess Session) (domain.PendingOrder, bool, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return domain.PendingOrder{}, false, err
	}
	pending, ok, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return domain.PendingOrder{}, false, unavailable("staging", err)
	}
	return pending, ok, nil
}

func (s *pendingOrderStaging) Release(ctx context.Context, sess Session, draftID string) (bool, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return false, err
	}
	draftID = strings.TrimSpace(draftID)
	if draftID == "" {
		return false, &ValidationError{Fields: []string{"draftId"}}
	}
	released, err := s.repo.DeleteIfDraft(ctx, accountID, draftID)
	if err != nil {
		return false, unavailable("staging", err)
	}
	return released, nil
}

// ExpireBefore removes drafts staged before cutoff and returns the ones it removed. A candidate for which
// keep reports true stays in place, as does one restaged after it was listed.
func (s *pendingOrderStaging) ExpireBefore(ctx context.Context, cutoff time.Time, limit int, keep func(context.Context, domain.PendingOrder) bool) ([]domain.PendingOrder, error) {
	if limit <= 0 {
		limit = defaultStagingSweepLimit
	}
	stale, err := s.repo.StagedBefore(ctx, cutoff.UTC(), limit)
	if err != nil {
		return nil, unavailable("staging", err)
	}
	var (
		expired []domain.PendingOrder
		kept    int
	)
	for _, pending := range stale {
		if keep != nil && keep(ctx, pending) {
			kept++
			continue
		}
		removed, err := s.repo.DeleteIfStaged(ctx, pending.Draft.AccountID, pending.Draft.ID, pending.StagedAt)
		if err != nil {
			return expired, unavailable("staging", err)
		}
		if removed {
			expired = append(expired, pending)
		}
	}
	if len(expired) > 0 || kept > 0 {
		s.logger(ctx, "checkout.drafts.expired", map[string]any{
			"removed": len(expired),
			"kept":    kept,
			"cutoff":  cutoff.UTC(),
		})
	}
	return expired, nil
}
