package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainManifest = "sealkit/manifest/v1"
	DomainReceipt  = "sealkit/receipt/v1"
	DomainLedger   = "sealkit/ledger/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ManifestFingerprint computes the fingerprint of a sealed-input snapshot:
// the domain-separated hash of the canonical JSON list of (id, sha256_hex)
// pairs sorted by id. Paths and sizes are excluded so that relocating a
// snapshot does not change its identity.
func ManifestFingerprint(inputs []SealedAsset) (string, error) {
	sorted := make([]SealedAsset, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	list := make(IRArray, 0, len(sorted))
	for i, in := range sorted {
		if i > 0 && sorted[i-1].ID == in.ID {
			return "", fmt.Errorf("ManifestFingerprint: duplicate input id %q", in.ID)
		}
		list = append(list, IRObject{
			"id":         IRString(in.ID),
			"sha256_hex": IRString(in.SHA256Hex),
		})
	}

	canonical, err := MarshalCanonical(list)
	if err != nil {
		return "", fmt.Errorf("ManifestFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainManifest, canonical), nil
}

// ReceiptID computes a content-addressed identity for a receipt. A state
// that publishes the same receipt twice reports the same id.
func ReceiptID(r GateReceipt) (string, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return "", fmt.Errorf("ReceiptID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainReceipt, canonical), nil
}

// LedgerID computes the identity of a ledger row from its table and
// natural key. Re-recording the same fact yields the same id, which the
// ledger uses for ON CONFLICT idempotency.
func LedgerID(table string, natural IRObject) (string, error) {
	canonical, err := MarshalCanonical(IRObject{
		"table": IRString(table),
		"key":   natural,
	})
	if err != nil {
		return "", fmt.Errorf("LedgerID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainLedger, canonical), nil
}

// MustManifestFingerprint is like ManifestFingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustManifestFingerprint(inputs []SealedAsset) string {
	fp, err := ManifestFingerprint(inputs)
	if err != nil {
		panic(err)
	}
	return fp
}
