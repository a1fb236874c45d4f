package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Fingerprint derives a stable key for duplicate-import detection from the
// fields that identify a transaction across re-imports of the same export:
// source, normalized description, amount and posting date. Two candidates
// with the same fingerprint are the same transaction.
func (t Transaction) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%s\x1f%d\x1f%s",
		t.Source,
		normalizeDescription(t.Description),
		t.Amount.Cents,
		t.PostedAt.Format("2006-01-02"))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeDescription collapses whitespace and case so cosmetic differences
// between exports of the same statement do not defeat dedupe.
func normalizeDescription(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// VendorKey derives a coarse vendor grouping key from the raw description:
// the leading run of words with trailing store/reference numbers stripped.
// "STARBUCKS #221" and "STARBUCKS #480" both map to "STARBUCKS".
func VendorKey(description string) string {
	fields := strings.Fields(strings.ToUpper(description))
	var kept []string
	for _, f := range fields {
		if strings.HasPrefix(f, "#") || isNumeric(f) {
			break
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(kept, " ")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
