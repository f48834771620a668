package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks input the caller can correct. No state is mutated when it is returned.
	ErrValidation = errors.New("checkout: validation failed")
	// ErrAddressNotFound indicates the selected address id does not resolve for the account.
	ErrAddressNotFound = errors.New("checkout: address not found")
	// ErrIntentCreation indicates the payment provider refused to create an intent.
	ErrIntentCreation = errors.New("checkout: payment intent creation failed")
	// ErrPaymentDeclined indicates the provider declined or failed the confirmation.
	ErrPaymentDeclined = errors.New("checkout: payment declined")
	// ErrOrphanedConfirmation indicates a successful payment that has no staged draft to finalize.
	ErrOrphanedConfirmation = errors.New("checkout: order confirmation incomplete")
	// ErrPersistence indicates the order could not be recorded after payment succeeded.
	ErrPersistence = errors.New("checkout: order not recorded")
	// ErrUnavailable indicates a collaborator could not be reached.
	ErrUnavailable = errors.New("checkout: dependency unavailable")
	// ErrInvalidTransition indicates a checkout attempt was driven out of order.
	ErrInvalidTransition = errors.New("checkout: invalid state transition")

	// ErrCartLineNotFound indicates the referenced cart line does not exist.
	ErrCartLineNotFound = errors.New("cart: line not found")
	// ErrOrderNotFound indicates the order does not exist for the account.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderCancelled indicates the order was cancelled and can no longer be changed.
	ErrOrderCancelled = errors.New("order: cancelled")
)

// ValidationError names the input fields that were missing or invalid.
type ValidationError struct {
	Fields []string
	Reason string
}

func (e *ValidationError) Error() string {
	msg := "validation failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Fields) > 0 {
		msg += " [" + strings.Join(e.Fields, ", ") + "]"
	}
	return msg
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) Code() string { return "validation_failed" }

func (e *ValidationError) SafeMessage() string {
	if e.Reason != "" {
		return e.Reason
	}
	return "some fields are missing or invalid"
}

// EmptyCartError is returned when checkout starts on a cart with no lines.
type EmptyCartError struct{}

func (e *EmptyCartError) Error() string { return "cart is empty" }

func (e *EmptyCartError) Is(target error) bool { return target == ErrValidation }

func (e *EmptyCartError) Code() string { return "cart_empty" }

func (e *EmptyCartError) SafeMessage() string { return "your cart is empty" }

// AddressNotFoundError is returned when the selected saved address does not exist for the account.
type AddressNotFoundError struct {
	AddressID string
}

func (e *AddressNotFoundError) Error() string {
	return fmt.Sprintf("address %q not found", e.AddressID)
}

func (e *AddressNotFoundError) Is(target error) bool { return target == ErrAddressNotFound }

func (e *AddressNotFoundError) Code() string { return "address_not_found" }

func (e *AddressNotFoundError) SafeMessage() string {
	return "the selected address could not be found"
}

// IntentCreationError is returned when no payment intent could be created. Nothing has been staged.
type IntentCreationError struct {
	Reason string
	Err    error
}

func (e *IntentCreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("create payment intent: %s: %v", e.Reason, e.Err)
	}
	return "create payment intent: " + e.Reason
}

func (e *IntentCreationError) Unwrap() error { return e.Err }

func (e *IntentCreationError) Is(target error) bool { return target == ErrIntentCreation }

func (e *IntentCreationError) Code() string { return "payment_intent_failed" }

func (e *IntentCreationError) SafeMessage() string { return "payment could not be started" }

// PaymentDeclinedError carries the provider's decline message. The staged draft stays valid for a retry.
type PaymentDeclinedError struct {
	IntentID        string
	ProviderMessage string
	Err             error
}

func (e *PaymentDeclinedError) Error() string {
	msg := fmt.Sprintf("payment %s declined", e.IntentID)
	if e.ProviderMessage != "" {
		msg += ": " + e.ProviderMessage
	}
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *PaymentDeclinedError) Unwrap() error { return e.Err }

func (e *PaymentDeclinedError) Is(target error) bool { return target == ErrPaymentDeclined }

func (e *PaymentDeclinedError) Code() string { return "payment_declined" }

func (e *PaymentDeclinedError) SafeMessage() string {
	if e.ProviderMessage != "" {
		return e.ProviderMessage
	}
	return "the payment was declined"
}

// OrphanedConfirmationError reports a successful payment with no matching staged draft. No order is
// fabricated.
type OrphanedConfirmationError struct {
	ConfirmationID string
	Reason         string
}

func (e *OrphanedConfirmationError) Error() string {
	return fmt.Sprintf("payment %s succeeded but no order could be confirmed: %s", e.ConfirmationID, e.Reason)
}

func (e *OrphanedConfirmationError) Is(target error) bool { return target == ErrOrphanedConfirmation }

func (e *OrphanedConfirmationError) Code() string { return "order_confirmation_incomplete" }

func (e *OrphanedConfirmationError) SafeMessage() string {
	return "your payment succeeded but the order confirmation is incomplete; please contact support"
}

// PersistenceError is returned when payment succeeded but the order record could not be written.
// The staged draft is kept so finalization can be retried.
type PersistenceError struct {
	DraftID        string
	ConfirmationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist order for draft %s (confirmation %s): %v", e.DraftID, e.ConfirmationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Code() string { return "order_not_recorded" }

func (e *PersistenceError) SafeMessage() string {
	return "your payment succeeded but the order has not been recorded yet; please retry"
}

func unavailable(component string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, component, err)
}
