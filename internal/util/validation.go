package util

import (
	"github.com/google/uuid"
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuid.Validate(s) == nil
}
