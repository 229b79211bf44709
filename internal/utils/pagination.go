// Package utils provides small, generic helper functions used across
// different layers of the application. These utilities are independent
// of domain or business logic.
package utils

import "strconv"

// AtoiDefault converts a string to an int using strconv.Atoi.
// If the string is empty or cannot be parsed as an integer,
// it returns the provided default value instead.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page holds normalized pagination parameters for list endpoints.
type Page struct {
	Page   int // 1-based page number
	Size   int // items per page
	Offset int // derived SQL offset
}

// ParsePage normalizes raw page/size query values. Page defaults to 1 and is
// clamped to >= 1; size defaults to defSize and is clamped to [1, maxSize].
func ParsePage(pageStr, sizeStr string, defSize, maxSize int) Page {
	page := AtoiDefault(pageStr, 1)
	if page < 1 {
		page = 1
	}
	size := AtoiDefault(sizeStr, defSize)
	if size < 1 {
		size = defSize
	}
	if size > maxSize {
		size = maxSize
	}
	return Page{Page: page, Size: size, Offset: (page - 1) * size}
}

// TotalPages returns the page count for total items at the given page size.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	pages := total / int64(size)
	if total%int64(size) != 0 {
		pages++
	}
	return int(pages)
}
