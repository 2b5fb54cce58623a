//go:build !unix

package mem

// DefaultMapper returns the mapper used when none is configured.
func DefaultMapper() Mapper {
	return SliceMapper{}
}
