// Package pagemap maps any address inside a registered page back to the page.
//
// The map is indexed by addr >> shift, one entry per arena block. Each entry
// holds the distance back to the first block of its page (stored plus one,
// so zero marks an unmapped block). The page value itself is kept only at the
// first block. A lookup is two atomic loads on the hot path and never panics;
// addresses that are not covered by a live page return nil.
//
// The table is sparse: the top level is a fixed array of pointers to leaves
// that are created on first registration within their range.
package pagemap
