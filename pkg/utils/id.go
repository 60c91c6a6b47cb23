package utils

import "github.com/google/uuid"

// NewRunID returns a time-ordered identifier for one invocation, used to
// correlate log lines. Falls back to a random v4 id if v7 generation fails.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}
