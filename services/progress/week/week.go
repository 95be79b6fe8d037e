// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package week detects calendar week boundaries for the progress cache.
//
// Weekly counters are only meaningful for one calendar week. The detector is
// a pure function of wall-clock time: it reports whether the week the cache
// was stamped with is still the current week. It deliberately does not report
// how many weeks have passed; a rollover is always resolved by a full resync,
// never by incremental patching, so "changed" is the only signal needed.
//
// The week convention is ISO 8601 (Monday start) everywhere. Using a fixed
// convention instead of the device locale means a cache persisted under one
// locale never rolls over spuriously under another.
package week

import (
	"fmt"
	"time"
)

// Key identifies a calendar week, e.g. "2025-W10".
//
// Keys are opaque to callers; only equality matters. The string form is kept
// human-readable because it appears in logs and persisted cache records.
type Key string

// Zero is the unset week key, used by a cache that has never been populated.
const Zero Key = ""

// CurrentKey returns the ISO-8601 week key for now.
//
// # Description
//
// Deterministic and pure: the same instant always maps to the same key.
// ISO weeks start on Monday; the year component is the ISO week-year, which
// can differ from the calendar year near January 1st (e.g. 2024-12-30 is
// 2025-W01).
//
// # Inputs
//
//   - now: The instant to classify. Interpreted in its own location.
//
// # Outputs
//
//   - Key: e.g. "2025-W10". Never Zero.
func CurrentKey(now time.Time) Key {
	year, wk := now.ISOWeek()
	return Key(fmt.Sprintf("%04d-W%02d", year, wk))
}

// HasRolledOver reports whether stamp no longer identifies the current week.
//
// An unset stamp (Zero) is treated as rolled over: the cache has never been
// stamped and must be populated before reads are meaningful. A suspension
// across several week boundaries still yields a single "true" — the caller
// resolves any rollover with a full resync.
func HasRolledOver(stamp Key, now time.Time) bool {
	return stamp != CurrentKey(now)
}
