// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"errors"
	"fmt"
)

// ErrHabitNotFound is returned when an operation references a habit that is
// not present in the current week's entries. Recoverable: the caller may
// trigger a targeted single-habit fetch.
var ErrHabitNotFound = errors.New("habit not found in current week cache")

// ErrNegativeDelta is returned by ApplyUserAction for a negative increment.
// Verification events only ever increase progress; decrements are not
// supported by this engine.
var ErrNegativeDelta = errors.New("user action delta must be non-negative")

// NotFoundError wraps ErrHabitNotFound with the offending ID for logs and
// API responses. Matchable with errors.Is(err, ErrHabitNotFound).
type NotFoundError struct {
	HabitID HabitID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("habit %q not found in current week cache", e.HabitID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrHabitNotFound
}
