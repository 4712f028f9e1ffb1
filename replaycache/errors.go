package replaycache

import (
	"fmt"

	"github.com/google/uuid"
)

func errEventNotCached(id uuid.UUID) error {
	return fmt.Errorf("event %s is not in the replay cache", id)
}
