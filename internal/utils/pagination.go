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

// ClampPage normalizes 1-based page/size query values: non-positive pages
// become 1 and the size is forced into [1, max].
func ClampPage(page, size, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = max
	}
	if size > max {
		size = max
	}
	return page, size
}

// PageBounds converts a page/size pair into slice bounds over total items.
func PageBounds(page, size, total int) (lo, hi int) {
	lo = (page - 1) * size
	if lo > total {
		lo = total
	}
	hi = lo + size
	if hi > total {
		hi = total
	}
	return lo, hi
}
