// Package bitmap provides a fixed-size lock-free bitmap with range claims.
//
// Architecture:
//   - Flat array of atomic.Uint64 words, one bit per arena block
//   - Ranges may span words; claims set each word with a CAS and roll back
//     the words already set when a later word conflicts
//   - No locks: every operation is a bounded sequence of atomic ops
//
// Used internally for:
//   - Arena block ownership (TryClaim / Release)
//   - Committed and purge-pending block tracking
package bitmap
