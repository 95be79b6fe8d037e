// Copyright (C) 2025 StreakWorks (oss@streakworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/StreakWorks/StreakCore/pkg/validation"
	"github.com/StreakWorks/StreakCore/services/progress"
	"github.com/StreakWorks/StreakCore/services/progress/engine"
)

// incrementRequest is the body of POST /v1/progress/:habit/increment.
type incrementRequest struct {
	// Delta defaults to 1 when the body is empty.
	Delta *int `json:"delta"`
}

// GetStatus returns the coordinator's diagnostic state.
func GetStatus(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, coord.Status())
	}
}

// ListProgress returns every entry in the current week's cache.
//
// This is a progress-displaying read path, so it records an interaction:
// the UI calling it is about to put these numbers on screen.
func ListProgress(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord.RecordInteraction()
		snap := coord.Snapshot()

		entries := make([]engine.WeeklyProgress, 0, len(snap.Entries))
		for _, entry := range snap.Entries {
			entries = append(entries, entry)
		}
		c.JSON(http.StatusOK, gin.H{
			"week_stamp": snap.WeekStamp,
			"state":      snap.State,
			"entries":    entries,
		})
	}
}

// GetProgress returns one habit's entry. Records an interaction.
func GetProgress(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := validation.SanitizeHabitID(c.Param("habit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		coord.RecordInteraction()
		entry, err := coord.Get(engine.HabitID(id))
		if err != nil {
			if errors.Is(err, engine.ErrHabitNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// IncrementProgress applies a user verification event to a habit.
func IncrementProgress(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := validation.SanitizeHabitID(c.Param("habit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var req incrementRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		delta := 1
		if req.Delta != nil {
			delta = *req.Delta
		}

		coord.RecordInteraction()
		entry, err := coord.IncrementHabit(c.Request.Context(), engine.HabitID(id), delta)
		if err != nil {
			switch {
			case errors.Is(err, engine.ErrHabitNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			case errors.Is(err, engine.ErrNegativeDelta):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// ForceSync triggers one sync cycle immediately.
func ForceSync(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord.SyncNow(c.Request.Context())
		c.JSON(http.StatusOK, coord.Status())
	}
}

// Foreground reports an app-foreground transition.
func Foreground(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord.OnAppForeground(c.Request.Context())
		c.JSON(http.StatusOK, coord.Status())
	}
}

// Background reports an app-background transition.
func Background(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord.OnAppBackground()
		c.Status(http.StatusNoContent)
	}
}

// Logout clears the live cache and persisted state.
func Logout(coord *progress.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		coord.Logout(c.Request.Context())
		c.Status(http.StatusNoContent)
	}
}
