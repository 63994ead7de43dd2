// Package ir defines the kernel's data model and its canonical encoding.
//
// This package contains types and pure functions only. Every other
// internal package imports ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types in sealed documents, integers only
//   - Counters are 128-bit (hi, lo) pairs; draw totals are arbitrary precision
//   - All JSON tags use snake_case and match the on-disk log formats
//   - Sealed documents are written with MarshalCanonical, never json.Marshal
package ir
