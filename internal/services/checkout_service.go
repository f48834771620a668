package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/megamarket/api/internal/domain"
	"github.com/megamarket/api/internal/payments"
	"github.com/megamarket/api/internal/platform/observability"
)

const (
	defaultCheckoutCurrency = "usd"
	defaultCheckoutCartURL  = "/cart"
	defaultStagingRetention = 7 * 24 * time.Hour
)

// CheckoutState is a checkout attempt's position in the payment state machine.
type CheckoutState string

const (
	CheckoutStateInit             CheckoutState = "INIT"
	CheckoutStateIntentCreated    CheckoutState = "INTENT_CREATED"
	CheckoutStateConfirming       CheckoutState = "CONFIRMING"
	CheckoutStateSucceeded        CheckoutState = "SUCCEEDED"
	CheckoutStateFailed           CheckoutState = "FAILED"
	CheckoutStateRequiresRedirect CheckoutState = "REQUIRES_REDIRECT"
	// CheckoutStateProcessing means the provider accepted the payment but has not settled it yet. The
	// draft stays staged until the client completes the return with the settled status.
	CheckoutStateProcessing       CheckoutState = "PROCESSING"
)

var checkoutTransitions = map[CheckoutState][]CheckoutState{
	CheckoutStateInit:             {CheckoutStateIntentCreated},
	CheckoutStateIntentCreated:    {CheckoutStateConfirming},
	CheckoutStateConfirming:       {CheckoutStateSucceeded, CheckoutStateFailed, CheckoutStateRequiresRedirect, CheckoutStateProcessing},
	CheckoutStateFailed:           {CheckoutStateConfirming},
	CheckoutStateRequiresRedirect: {CheckoutStateSucceeded, CheckoutStateFailed},
	CheckoutStateProcessing:       {CheckoutStateSucceeded, CheckoutStateFailed},
}

// CheckoutAttempt tracks one pass through the payment state machine.
type CheckoutAttempt struct {
	State          CheckoutState
	IntentID       string
	ClientSecret   string
	AmountMinor    int64
	Currency       string
	Draft          domain.OrderDraft
	RedirectURL    string
	FailureMessage string
	Order          *domain.Order
}

func (a *CheckoutAttempt) advance(next CheckoutState) error {
	for _, allowed := range checkoutTransitions[a.State] {
		if allowed == next {
			a.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, next)
}

// checkoutPayments abstracts payments.Manager for easier testing.
type checkoutPayments interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
	Confirm(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.PaymentDetails, error)
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
	Cancel(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CancelRequest) (payments.PaymentDetails, error)
}

type orderConfirmationFinder interface {
	FindByConfirmation(ctx context.Context, accountID, confirmationID string) (domain.Order, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts            CartService
	Addresses        AddressResolver
	Staging          PendingOrderStaging
	Finalizer        OrderFinalizer
	Orders           orderConfirmationFinder
	Payments         checkoutPayments
	Currency         string
	ReturnURL        string
	CartURL          string
	StagingRetention time.Duration
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
	IDGenerator      func() string
}

type checkoutService struct {
	carts     CartService
	addresses AddressResolver
	staging   PendingOrderStaging
	finalizer OrderFinalizer
	orders    orderConfirmationFinder
	payments  checkoutPayments
	currency  string
	returnURL string
	cartURL   string
	retention time.Duration
	now       func() time.Time
	logger    func(ctx context.Context, event string, fields map[string]any)
	newID     func() string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Carts == nil:
		return nil, errors.New("checkout service: cart service is required")
	case deps.Addresses == nil:
		return nil, errors.New("checkout service: address resolver is required")
	case deps.Staging == nil:
		return nil, errors.New("checkout service: staging is required")
	case deps.Finalizer == nil:
		return nil, errors.New("checkout service: order finalizer is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout service: payment manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}
	cartURL := strings.TrimSpace(deps.CartURL)
	if cartURL == "" {
		cartURL = defaultCheckoutCartURL
	}
	retention := deps.StagingRetention
	if retention <= 0 {
		retention = defaultStagingRetention
	}

	return &checkoutService{
		carts:     deps.Carts,
		addresses: deps.Addresses,
		staging:   deps.Staging,
		finalizer: deps.Finalizer,
		orders:    deps.Orders,
		payments:  deps.Payments,
		currency:  currency,
		returnURL: strings.TrimSpace(deps.ReturnURL),
		cartURL:   cartURL,
		retention: retention,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		newID:  idGen,
	}, nil
}

// Begin assembles a draft from the current cart, creates a payment intent for its total and stages the
// draft against the intent, replacing any earlier attempt.
func (s *checkoutService) Begin(ctx context.Context, sess Session, cmd BeginCheckoutCommand) (attempt CheckoutAttempt, err error) {
	ctx, end := observability.StartSpan(ctx, "checkout.begin", attribute.String("account.id", sess.AccountID))
	defer func() { end(err) }()

	accountID, err := sess.accountID()
	if err != nil {
		return CheckoutAttempt{}, err
	}

	cart, err := s.carts.GetCart(ctx, sess)
	if err != nil {
		return CheckoutAttempt{}, err
	}
	if cart.Empty() {
		return CheckoutAttempt{}, &EmptyCartError{}
	}
	resolved, err := s.addresses.Resolve(ctx, sess, cmd.Address)
	if err != nil {
		return CheckoutAttempt{}, err
	}
	draft, err := AssembleOrder(cart, resolved, AssembleOptions{Currency: s.currency, Now: s.now(), NewID: s.newID})
	if err != nil {
		return CheckoutAttempt{}, err
	}

	attempt = CheckoutAttempt{
		State:       CheckoutStateInit,
		AmountMinor: domain.MinorUnits(draft.Total),
		Currency:    draft.Currency,
		Draft:       draft,
	}
	if attempt.AmountMinor <= 0 {
		return CheckoutAttempt{}, &IntentCreationError{Reason: "order total must be positive"}
	}

	intent, err := s.payments.CreateIntent(ctx, s.paymentContext(), payments.IntentRequest{
		Amount:         attempt.AmountMinor,
		Currency:       attempt.Currency,
		ReceiptEmail:   strings.TrimSpace(sess.Email),
		Description:    fmt.Sprintf("Order draft %s", draft.ID),
		IdempotencyKey: checkoutIntentKey(accountID, draft.ID, attempt.AmountMinor, attempt.Currency),
		Metadata: map[string]string{
			"accountId": accountID,
			"draftId":   draft.ID,
		},
	})
	if err != nil {
		s.logger(ctx, "checkout.intent.failed", map[string]any{
			"accountId": accountID,
			"draftId":   draft.ID,
			"amount":    attempt.AmountMinor,
			"error":     err.Error(),
		})
		return CheckoutAttempt{}, &IntentCreationError{Reason: "payment provider rejected the intent", Err: err}
	}
	attempt.IntentID = intent.ID
	attempt.ClientSecret = intent.ClientSecret
	if err := attempt.advance(CheckoutStateIntentCreated); err != nil {
		return CheckoutAttempt{}, err
	}

	if previous, ok, err := s.staging.Peek(ctx, sess); err == nil && ok && previous.IntentID != intent.ID {
		s.logger(ctx, "checkout.draft.replaced", map[string]any{
			"accountId":        accountID,
			"previousDraftId":  previous.Draft.ID,
			"previousIntentId": previous.IntentID,
		})
	}
	if err := s.staging.Stage(ctx, sess, draft, intent.ID); err != nil {
		s.cancelIntent(ctx, intent.ID)
		return CheckoutAttempt{}, err
	}

	s.logger(ctx, "checkout.intent.created", map[string]any{
		"accountId": accountID,
		"draftId":   draft.ID,
		"intentId":  intent.ID,
		"amount":    attempt.AmountMinor,
		"currency":  attempt.Currency,
	})
	return attempt, nil
}

// Confirm stages the draft and then asks the provider to confirm the intent. Staging always happens
// before confirmation is attempted.
func (s *checkoutService) Confirm(ctx context.Context, sess Session, cmd ConfirmCheckoutCommand) (attempt CheckoutAttempt, err error) {
	ctx, end := observability.StartSpan(ctx, "checkout.confirm", attribute.String("payment.intent_id", cmd.IntentID))
	defer func() { end(err) }()

	accountID, err := sess.accountID()
	if err != nil {
		return CheckoutAttempt{}, err
	}
	attempt, err = s.resolveAttempt(ctx, sess, cmd)
	if err != nil {
		return CheckoutAttempt{}, err
	}

	current, err := s.payments.LookupPayment(ctx, s.paymentContext(), payments.LookupRequest{IntentID: attempt.IntentID})
	if err != nil {
		return attempt, unavailable("payments", err)
	}
	if current.Amount != attempt.AmountMinor || !strings.EqualFold(current.Currency, attempt.Currency) {
		s.logger(ctx, "checkout.confirm.amount_mismatch", map[string]any{
			"accountId":    accountID,
			"intentId":     attempt.IntentID,
			"intentAmount": current.Amount,
			"draftAmount":  attempt.AmountMinor,
		})
		return attempt, &ValidationError{Fields: []string{"intentId"}, Reason: "payment amount does not match the order total"}
	}

	if err := attempt.advance(CheckoutStateConfirming); err != nil {
		return attempt, err
	}
	if err := s.staging.Stage(ctx, sess, attempt.Draft, attempt.IntentID); err != nil {
		return attempt, err
	}

	if current.Status == payments.StatusSucceeded {
		return s.succeed(ctx, sess, attempt)
	}

	returnURL := strings.TrimSpace(cmd.ReturnURL)
	if returnURL == "" {
		returnURL = s.returnURL
	}
	result, err := s.payments.Confirm(ctx, s.paymentContext(), payments.ConfirmRequest{
		IntentID:        attempt.IntentID,
		PaymentMethodID: strings.TrimSpace(cmd.PaymentMethodID),
		ReturnURL:       returnURL,
	})
	if err != nil {
		_ = attempt.advance(CheckoutStateFailed)
		s.logger(ctx, "checkout.confirm.failed", map[string]any{
			"accountId": accountID,
			"intentId":  attempt.IntentID,
			"error":     err.Error(),
		})
		return attempt, &PaymentDeclinedError{IntentID: attempt.IntentID, Err: err}
	}

	switch result.Status {
	case payments.StatusSucceeded:
		return s.succeed(ctx, sess, attempt)
	case payments.StatusPending:
		if err := attempt.advance(CheckoutStateProcessing); err != nil {
			return attempt, err
		}
		s.logger(ctx, "checkout.confirm.processing", map[string]any{
			"accountId": accountID,
			"intentId":  attempt.IntentID,
		})
		return attempt, nil
	case payments.StatusRequiresAction:
		if err := attempt.advance(CheckoutStateRequiresRedirect); err != nil {
			return attempt, err
		}
		attempt.RedirectURL = result.RedirectURL
		s.logger(ctx, "checkout.confirm.requires_redirect", map[string]any{
			"accountId": accountID,
			"intentId":  attempt.IntentID,
			"status":    string(result.Status),
		})
		return attempt, nil
	default:
		if err := attempt.advance(CheckoutStateFailed); err != nil {
			return attempt, err
		}
		attempt.FailureMessage = result.FailureMessage
		s.logger(ctx, "checkout.confirm.declined", map[string]any{
			"accountId": accountID,
			"intentId":  attempt.IntentID,
			"status":    string(result.Status),
		})
		return attempt, &PaymentDeclinedError{IntentID: attempt.IntentID, ProviderMessage: result.FailureMessage}
	}
}

// CompleteRedirect resolves the provider's return. Only a staged draft recorded for the same intent is
// finalized; a repeated return yields the order recorded the first time.
func (s *checkoutService) CompleteRedirect(ctx context.Context, sess Session, ret RedirectReturn) (result RedirectResult, err error) {
	ctx, end := observability.StartSpan(ctx, "checkout.redirect", attribute.String("payment.intent_id", ret.ConfirmationID))
	defer func() { end(err) }()

	accountID, err := sess.accountID()
	if err != nil {
		return RedirectResult{}, err
	}
	confirmationID := strings.TrimSpace(ret.ConfirmationID)
	if confirmationID == "" {
		return RedirectResult{}, &ValidationError{Fields: []string{"confirmationId"}}
	}

	status := strings.ToLower(strings.TrimSpace(ret.Status))
	if status != string(payments.StatusSucceeded) {
		s.logger(ctx, "checkout.redirect.not_succeeded", map[string]any{
			"accountId":      accountID,
			"confirmationId": confirmationID,
			"status":         status,
		})
		return s.returnToCart(), nil
	}

	existing, err := s.orders.FindByConfirmation(ctx, accountID, confirmationID)
	switch {
	case err == nil:
		if existing.DraftID != "" {
			if _, releaseErr := s.staging.Release(ctx, sess, existing.DraftID); releaseErr != nil {
				s.logger(ctx, "checkout.redirect.release_failed", map[string]any{"orderId": existing.ID, "error": releaseErr.Error()})
			}
		}
		return RedirectResult{Outcome: RedirectOutcomeOrderExisting, Order: &existing}, nil
	case !isRepoNotFound(err):
		return RedirectResult{}, unavailable("orders", err)
	}

	pending, ok, err := s.staging.Peek(ctx, sess)
	if err != nil {
		return RedirectResult{}, err
	}
	if !ok {
		s.logger(ctx, "checkout.redirect.orphaned", map[string]any{
			"accountId":      accountID,
			"confirmationId": confirmationID,
			"reason":         "nothing staged",
		})
		return RedirectResult{}, &OrphanedConfirmationError{ConfirmationID: confirmationID, Reason: "no staged draft"}
	}
	if pending.IntentID != confirmationID {
		s.logger(ctx, "checkout.redirect.orphaned", map[string]any{
			"accountId":      accountID,
			"confirmationId": confirmationID,
			"stagedIntentId": pending.IntentID,
			"reason":         "staged draft belongs to another payment",
		})
		return RedirectResult{}, &OrphanedConfirmationError{ConfirmationID: confirmationID, Reason: "staged draft belongs to another payment"}
	}

	details, err := s.payments.LookupPayment(ctx, s.paymentContext(), payments.LookupRequest{IntentID: confirmationID})
	if err != nil {
		return RedirectResult{}, unavailable("payments", err)
	}
	if details.Status != payments.StatusSucceeded {
		s.logger(ctx, "checkout.redirect.status_mismatch", map[string]any{
			"accountId":      accountID,
			"confirmationId": confirmationID,
			"providerStatus": string(details.Status),
		})
		return s.returnToCart(), nil
	}
	if details.Amount != domain.MinorUnits(pending.Draft.Total) {
		s.logger(ctx, "checkout.redirect.orphaned", map[string]any{
			"accountId":      accountID,
			"confirmationId": confirmationID,
			"reason":         "amount mismatch",
		})
		return RedirectResult{}, &OrphanedConfirmationError{ConfirmationID: confirmationID, Reason: "captured amount does not match the staged draft"}
	}

	finalized, err := s.finalizer.Finalize(ctx, sess, pending.Draft, FinalizeOptions{ConfirmationID: confirmationID})
	if err != nil {
		return RedirectResult{}, err
	}
	outcome := RedirectOutcomeOrderCreated
	if !finalized.Created {
		outcome = RedirectOutcomeOrderExisting
	}
	return RedirectResult{Outcome: outcome, Order: &finalized.Order}, nil
}

// Abandon clears the staged slot and cancels its intent. A slot whose payment already succeeded is kept.
func (s *checkoutService) Abandon(ctx context.Context, sess Session) (bool, error) {
	accountID, err := sess.accountID()
	if err != nil {
		return false, err
	}
	pending, ok, err := s.staging.Peek(ctx, sess)
	if err != nil || !ok {
		return false, err
	}
	if pending.IntentID != "" {
		details, err := s.payments.LookupPayment(ctx, s.paymentContext(), payments.LookupRequest{IntentID: pending.IntentID})
		if err != nil {
			return false, unavailable("payments", err)
		}
		if details.Status == payments.StatusSucceeded {
			return false, fmt.Errorf("%w: payment %s already succeeded", ErrInvalidTransition, pending.IntentID)
		}
	}

	if _, _, err := s.staging.Consume(ctx, sess); err != nil {
		return false, err
	}
	if pending.IntentID != "" {
		s.cancelIntent(ctx, pending.IntentID)
	}
	s.logger(ctx, "checkout.abandoned", map[string]any{
		"accountId": accountID,
		"draftId":   pending.Draft.ID,
		"intentId":  pending.IntentID,
	})
	return true, nil
}

// ExpireStaleDrafts removes drafts staged longer ago than the retention window whose payment was never
// captured. A draft whose intent succeeded is finalized instead, and one the provider is still processing
// or cannot report on is kept for the next sweep.
func (s *checkoutService) ExpireStaleDrafts(ctx context.Context, limit int) (int, error) {
	statuses := make(map[string]payments.Status)
	keep := func(ctx context.Context, pending domain.PendingOrder) bool {
		if pending.IntentID == "" {
			return false
		}
		details, err := s.payments.LookupPayment(ctx, s.paymentContext(), payments.LookupRequest{IntentID: pending.IntentID})
		if err != nil {
			s.logger(ctx, "checkout.drafts.lookup_failed", map[string]any{
				"accountId": pending.Draft.AccountID,
				"intentId":  pending.IntentID,
				"error":     err.Error(),
			})
			return true
		}
		statuses[pending.IntentID] = details.Status
		switch details.Status {
		case payments.StatusSucceeded:
			s.recoverPaidDraft(ctx, pending, details)
			return true
		case payments.StatusPending:
			return true
		}
		return false
	}

	expired, err := s.staging.ExpireBefore(ctx, s.now().Add(-s.retention), limit, keep)
	for _, pending := range expired {
		switch statuses[pending.IntentID] {
		case payments.StatusRequiresAction, payments.StatusFailed:
			s.cancelIntent(ctx, pending.IntentID)
		}
	}
	return len(expired), err
}

// recoverPaidDraft records the order for a captured payment whose return never completed. The slot is
// released by the finalizer once the order is stored and kept otherwise.
func (s *checkoutService) recoverPaidDraft(ctx context.Context, pending domain.PendingOrder, details payments.PaymentDetails) {
	accountID := pending.Draft.AccountID
	s.logger(ctx, "checkout.redirect.orphaned", map[string]any{
		"accountId":      accountID,
		"confirmationId": pending.IntentID,
		"draftId":        pending.Draft.ID,
		"reason":         "paid draft past retention",
	})
	if details.Amount != domain.MinorUnits(pending.Draft.Total) {
		return
	}
	result, err := s.finalizer.Finalize(ctx, Session{AccountID: accountID}, pending.Draft, FinalizeOptions{ConfirmationID: pending.IntentID, KeepCart: true})
	if err != nil {
		s.logger(ctx, "checkout.drafts.recover_failed", map[string]any{
			"accountId":      accountID,
			"confirmationId": pending.IntentID,
			"error":          err.Error(),
		})
		return
	}
	s.logger(ctx, "checkout.drafts.recovered", map[string]any{
		"accountId":      accountID,
		"confirmationId": pending.IntentID,
		"orderId":        result.Order.ID,
		"created":        result.Created,
	})
}

func (s *checkoutService) resolveAttempt(ctx context.Context, sess Session, cmd ConfirmCheckoutCommand) (CheckoutAttempt, error) {
	intentID := strings.TrimSpace(cmd.IntentID)
	if cmd.Attempt != nil {
		attempt := *cmd.Attempt
		if intentID != "" && intentID != attempt.IntentID {
			return CheckoutAttempt{}, &ValidationError{Fields: []string{"intentId"}, Reason: "intent does not match the checkout attempt"}
		}
		return attempt, nil
	}
	if intentID == "" {
		return CheckoutAttempt{}, &ValidationError{Fields: []string{"intentId"}}
	}

	pending, ok, err := s.staging.Peek(ctx, sess)
	if err != nil {
		return CheckoutAttempt{}, err
	}
	if !ok || pending.IntentID != intentID {
		return CheckoutAttempt{}, &ValidationError{Fields: []string{"intentId"}, Reason: "no checkout in progress for this payment"}
	}
	return CheckoutAttempt{
		State:       CheckoutStateIntentCreated,
		IntentID:    pending.IntentID,
		AmountMinor: domain.MinorUnits(pending.Draft.Total),
		Currency:    pending.Draft.Currency,
		Draft:       pending.Draft,
	}, nil
}

func (s *checkoutService) succeed(ctx context.Context, sess Session, attempt CheckoutAttempt) (CheckoutAttempt, error) {
	if err := attempt.advance(CheckoutStateSucceeded); err != nil {
		return attempt, err
	}
	result, err := s.finalizer.Finalize(ctx, sess, attempt.Draft, FinalizeOptions{ConfirmationID: attempt.IntentID})
	if err != nil {
		return attempt, err
	}
	attempt.Order = &result.Order
	return attempt, nil
}

func (s *checkoutService) returnToCart() RedirectResult {
	return RedirectResult{Outcome: RedirectOutcomeReturnedToCart, RedirectURL: s.cartURL}
}

func (s *checkoutService) cancelIntent(ctx context.Context, intentID string) {
	_, err := s.payments.Cancel(ctx, s.paymentContext(), payments.CancelRequest{
		IntentID:       intentID,
		IdempotencyKey: "cancel-" + intentID,
	})
	if err != nil {
		s.logger(ctx, "checkout.intent.cancel_failed", map[string]any{"intentId": intentID, "error": err.Error()})
	}
}

func (s *checkoutService) paymentContext() payments.PaymentContext {
	return payments.PaymentContext{Currency: s.currency}
}

func checkoutIntentKey(accountID, draftID string, amount int64, currency string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s", accountID, draftID, amount, currency)))
	return "checkout-" + hex.EncodeToString(sum[:16])
}
