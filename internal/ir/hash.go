package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for digests. The version suffix allows migrating the
// algorithm later without colliding with old digests.
const (
	DomainSnapshot = "tickstate/snapshot/v1"
	DomainCommit   = "tickstate/commit/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separates domain from data unambiguously.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotDigest returns a content digest of a state value.
// Two states with equal content have equal digests regardless of sharing.
func SnapshotDigest(state Value) (string, error) {
	canonical, err := MarshalCanonical(state)
	if err != nil {
		return "", fmt.Errorf("SnapshotDigest: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}

// CommitDigest identifies a commit by key, op sequence and content.
func CommitDigest(c Commit) (string, error) {
	obj := Object{
		"key":    String(c.Key.String()),
		"op_seq": Int(c.OpSeq),
		"txn_id": String(c.Meta.TxnID),
		"state":  c.State,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("CommitDigest: %w", err)
	}
	return hashWithDomain(DomainCommit, canonical), nil
}

// MustSnapshotDigest is like SnapshotDigest but panics on error.
// Use only in tests or when the state is known to be valid.
func MustSnapshotDigest(state Value) string {
	d, err := SnapshotDigest(state)
	if err != nil {
		panic(err)
	}
	return d
}
