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

// ClampPage normalizes 1-based page and pageSize (defaulting and capping
// the size) and returns the corresponding (offset, limit) pair.
func ClampPage(page, pageSize, defSize, maxSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defSize
	}
	if maxSize > 0 && pageSize > maxSize {
		pageSize = maxSize
	}
	return (page - 1) * pageSize, pageSize
}
