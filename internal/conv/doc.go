// Package conv provides checked integer conversions.
//
// Use it where a value crosses into a narrower fixed-width field, such as
// the records of the stress tool's operation trace. Conversions that are
// safe by construction use plain casts.
package conv
