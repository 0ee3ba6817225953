package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GenerateSessionID generates a unique session ID
func GenerateSessionID() string {
	return GenerateID("sess")
}

// GenerateRequestID generates a unique signaling request ID
func GenerateRequestID() string {
	return uuid.NewString()
}
