package sliceutil

// Chunk splits slice into consecutive sub-slices of at most size elements.
// The sub-slices share the backing array of slice. A non-positive size
// yields a single chunk.
func Chunk[T any](slice []T, size int) [][]T {
	if len(slice) == 0 {
		return nil
	}
	if size <= 0 || size >= len(slice) {
		return [][]T{slice}
	}
	chunks := make([][]T, 0, (len(slice)+size-1)/size)
	for start := 0; start < len(slice); start += size {
		chunks = append(chunks, slice[start:min(start+size, len(slice))])
	}
	return chunks
}
