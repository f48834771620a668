package textutil

import (
	"slices"
	"strings"
)

// MetadataLimits bounds a provider metadata map. Zero fields are unlimited.
type MetadataLimits struct {
	MaxKeys     int
	MaxKeyLen   int
	MaxValueLen int
}

// StripeMetadataLimits are the limits Stripe enforces on object metadata.
var StripeMetadataLimits = MetadataLimits{MaxKeys: 50, MaxKeyLen: 40, MaxValueLen: 500}

// CompactMetadata trims keys and values and drops entries that end up empty, because providers read an
// empty value as a delete. Over-long keys and values are cut on a rune boundary. When more than MaxKeys
// entries remain, the lexically first keys are kept so repeated calls send the same subset.
func CompactMetadata(values map[string]string, limits MetadataLimits) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		key = truncateRunes(strings.TrimSpace(key), limits.MaxKeyLen)
		value = truncateRunes(strings.TrimSpace(value), limits.MaxValueLen)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	if limits.MaxKeys > 0 && len(out) > limits.MaxKeys {
		keys := make([]string, 0, len(out))
		for key := range out {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys[limits.MaxKeys:] {
			delete(out, key)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}
