package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SecretResolver resolves sm:// references to their values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errNoSecretResolver = errors.New("secret resolver not configured")

// SecretError reports a reference that could not be resolved.
type SecretError struct {
	Field string
	Ref   string
	Err   error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve %s (%s): %v", e.Field, e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secret fields that resolved to nothing.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("config: missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the field names, e.g. PSP.StripeAPIKey.
func (e *MissingSecretsError) Names() []string {
	return append([]string(nil), e.names...)
}

// RedactedNames returns short hashes of the field names for logs shipped off-host.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func isSecretReference(value string) bool {
	return strings.HasPrefix(value, "sm://") || strings.HasPrefix(value, "secret://")
}

// secretField names a config field that may hold an sm:// reference.
type secretField struct {
	name  string
	value *string
}

func resolveSecrets(ctx context.Context, resolver SecretResolver, fields []secretField) error {
	for _, field := range fields {
		ref := strings.TrimSpace(*field.value)
		if !isSecretReference(ref) {
			continue
		}
		if resolver == nil {
			return &SecretError{Field: field.name, Ref: ref, Err: errNoSecretResolver}
		}
		value, err := resolver.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Field: field.name, Ref: ref, Err: err}
		}
		*field.value = strings.TrimSpace(value)
	}
	return nil
}

func missingSecrets(required []string, fields []secretField) error {
	values := make(map[string]string, len(fields))
	for _, field := range fields {
		values[field.name] = strings.TrimSpace(*field.value)
	}
	seen := make(map[string]bool)
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if values[name] == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	return &MissingSecretsError{names: names}
}
