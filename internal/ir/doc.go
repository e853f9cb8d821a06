// Package ir provides the foundational types of the tickstate runtime.
//
// This package contains value and record types only. Every other internal
// package imports ir; ir imports nothing internal.
//
// Key design constraints:
//   - State values are a sealed family (Value) with no float type, so that
//     snapshot digests are deterministic
//   - State trees are persistent: SetPath copies only the containers on the
//     written path and shares everything else
//   - Identity is by reference (Ref/Same), content equality is by digest
//   - TraitEntry is a closed sum type; switch on it exhaustively
//   - All JSON tags use snake_case
package ir
