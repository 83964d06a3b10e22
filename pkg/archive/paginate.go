// Copyright 2024-2026 Aiku AI

package archive

// DefaultPageSize is the number of entries shown per page.
const DefaultPageSize = 10

// Paginate splits items into consecutive pages of size; the last page may
// be short. Page i is items[size*i : size*i+size]. A non-positive size
// falls back to DefaultPageSize.
func Paginate[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultPageSize
	}
	pages := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		pages = append(pages, items[start:end:end])
	}
	return pages
}

// PageCount returns how many pages Paginate would produce.
func PageCount(n, size int) int {
	if size <= 0 {
		size = DefaultPageSize
	}
	return (n + size - 1) / size
}
