// Package freelist encodes the intrusive next pointers stored in free blocks.
//
// A free block keeps the address of the next free block in its first word.
// Storing that address in the clear lets a heap overflow forge a free list
// that hands out arbitrary memory. The codec stores
//
//	rotl(p ^ k2, k1) + k1
//
// instead, with two keys that are unique per page. XOR and addition are
// linear in the lowest bit on their own; the rotation breaks that, and mixing
// the operations means that two observed encodings cannot be combined to
// cancel the keys.
//
// "No next block" is encoded from an explicit null sentinel rather than from
// zero, so the all-zero word is not a valid terminator.
//
// Decoding with a page bound rejects next pointers that leave the page or do
// not land on a block boundary. Callers treat such a result as a corrupted
// free list and truncate the chain.
package freelist
