package mem

import "errors"

// ErrAllocationFailure is returned when a space has no room left within its
// capacity. The heap reacts by collecting and retrying.
var ErrAllocationFailure = errors.New("allocation failure")

// ErrObjectTooLarge is returned by spaces that cannot hold an object of the
// requested size at all.
var ErrObjectTooLarge = errors.New("object too large for space")
