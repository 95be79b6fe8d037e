// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for externally
// supplied identifiers.
//
// Habit IDs arrive from the UI layer and from server snapshots, and are used
// as storage keys and URL path segments. Validating them at the boundary
// prevents path traversal in persisted keys and keeps malformed server data
// out of the cache.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// habitIDPattern matches valid habit identifiers.
// Allows: lowercase letters, digits, hyphens and underscores, 1-64 chars,
// must start alphanumeric. Covers both server-issued ULID-ish IDs and
// human-assigned slugs ("morning-run").
var habitIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// ValidateHabitID validates a habit identifier.
//
// Returns an error if the ID is empty or does not match the allowed shape.
//
// Example:
//
//	if err := validation.ValidateHabitID(id); err != nil {
//	    return fmt.Errorf("invalid habit id: %w", err)
//	}
func ValidateHabitID(id string) error {
	if id == "" {
		return fmt.Errorf("habit id cannot be empty")
	}
	if !habitIDPattern.MatchString(id) {
		return fmt.Errorf("invalid habit id format: %q (must be 1-64 lowercase alphanumeric chars, hyphens, or underscores)", id)
	}
	return nil
}

// SanitizeHabitID normalizes and validates a habit identifier.
// Returns the lowercased, trimmed ID if valid, or an error if invalid.
func SanitizeHabitID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ValidateHabitID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
