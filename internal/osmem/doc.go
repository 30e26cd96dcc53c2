// Package osmem is the virtual-memory layer under the arenas.
//
// # Overview
//
// The allocator never takes memory from the Go heap for blocks. Arenas and
// huge pages are anonymous mappings obtained here, reserved without access
// and committed on demand. Every region comes with a MemID that records how
// it was obtained; releasing memory always goes through the MemID so that
// arena ranges and direct OS mappings take their own paths.
//
// # Platform Support
//
//   - Unix: mmap(2) with PROT_NONE reservations, mprotect(2) for commit and
//     guard pages, madvise(2) for purge/decommit
//   - Elsewhere: Go-heap backed regions kept alive by their MemID; commit,
//     decommit and protection degrade to no-ops
//
// # Contract
//
// Callers must not assume memory is zero unless the MemID or the Commit
// result says so.
package osmem
