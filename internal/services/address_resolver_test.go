package services

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	domain "github.com/megamarket/api/internal/domain"
)

func newTestAddressResolver(t *testing.T) (AddressResolver, *memoryAddressRepository) {
	t.Helper()
	repo := newMemoryAddressRepository()
	repo.addresses["acct-1"] = []domain.Address{{
		ID:         "5",
		Label:      "Home",
		Street:     "1 Main St",
		City:       "Springfield",
		State:      "IL",
		PostalCode: "62701",
		Country:    "US",
	}}
	resolver, err := NewAddressResolver(AddressResolverDeps{
		Addresses:   repo,
		Clock:       fixedClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
		IDGenerator: func() string { return "addr-new" },
	})
	if err != nil {
		t.Fatalf("NewAddressResolver: %v", err)
	}
	return resolver, repo
}

func TestFormatAddress(t *testing.T) {
	got := FormatAddress(domain.Address{
		Label: "Work", Street: "9 Elm", City: "Austin", State: "TX", PostalCode: "73301", Country: "US",
	})
	if got != "Work: 9 Elm, Austin, TX, 73301, US" {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestAddressResolverSelectsSavedAddress(t *testing.T) {
	resolver, repo := newTestAddressResolver(t)
	resolved, err := resolver.Resolve(context.Background(), Session{AccountID: "acct-1"}, AddressSelection{SelectedID: "5"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Formatted != "Home: 1 Main St, Springfield, IL, 62701, US" || resolved.AddressID != "5" || resolved.Created {
		t.Fatalf("unexpected resolution %#v", resolved)
	}
	if len(repo.created) != 0 {
		t.Fatalf("selecting a saved address must not create one")
	}
}

func TestAddressResolverUnknownSelection(t *testing.T) {
	resolver, _ := newTestAddressResolver(t)
	_, err := resolver.Resolve(context.Background(), Session{AccountID: "acct-1"}, AddressSelection{SelectedID: "404"})
	var notFound *AddressNotFoundError
	if !errors.As(err, &notFound) || notFound.AddressID != "404" {
		t.Fatalf("expected AddressNotFoundError, got %v", err)
	}
	if !errors.Is(err, ErrAddressNotFound) {
		t.Fatalf("expected sentinel match")
	}

	_, err = resolver.Resolve(context.Background(), Session{AccountID: "acct-other"}, AddressSelection{SelectedID: "5"})
	if !errors.As(err, &notFound) {
		t.Fatalf("another account's address must not resolve, got %v", err)
	}

	_, err = resolver.Resolve(context.Background(), Session{AccountID: "acct-1"}, AddressSelection{SelectedID: "  "})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank selection, got %v", err)
	}
}

func TestAddressResolverNewAddressMissingFields(t *testing.T) {
	resolver, repo := newTestAddressResolver(t)
	_, err := resolver.Resolve(context.Background(), Session{AccountID: "acct-1"}, AddressSelection{
		UseNew: true,
		New:    AddressInput{Label: "Cabin", City: "Duluth", PostalCode: " ", Country: "<b></b>"},
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"street", "state", "postalCode", "country"}
	if !reflect.DeepEqual(validation.Fields, want) {
		t.Fatalf("expected fields %v, got %v", want, validation.Fields)
	}
	if len(repo.created) != 0 {
		t.Fatalf("no address should be persisted on validation failure")
	}
}

func TestAddressResolverPersistsNewAddress(t *testing.T) {
	resolver, repo := newTestAddressResolver(t)
	resolved, err := resolver.Resolve(context.Background(), Session{AccountID: "acct-1"}, AddressSelection{
		UseNew: true,
		New: AddressInput{
			Label:      " <i>Cabin</i> ",
			Street:     "4 Lake Rd",
			City:       "Duluth",
			State:      "MN",
			PostalCode: "55802",
			Country:    "US",
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !resolved.Created || resolved.AddressID != "addr-new" {
		t.Fatalf("expected created address, got %#v", resolved)
	}
	if resolved.Formatted != "Cabin: 4 Lake Rd, Duluth, MN, 55802, US" {
		t.Fatalf("unexpected formatted %q", resolved.Formatted)
	}
	if len(repo.created) != 1 || repo.created[0].Label != "Cabin" {
		t.Fatalf("expected cleaned address persisted, got %#v", repo.created)
	}
}

func TestAddressResolverCreateFailureIsUnavailable(t *testing.T) {
	resolver, repo := newTestAddressResolver(t)
	repo.createErr = errRepoUnavailable
	_, err := resolver.Resolve(context.Background(), Session{AccountID: "acct-1"}, AddressSelection{
		UseNew: true,
		New:    AddressInput{Label: "a", Street: "b", City: "c", State: "d", PostalCode: "e", Country: "f"},
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
