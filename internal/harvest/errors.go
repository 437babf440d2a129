package harvest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("harvest row not found")
	ErrNotConfigured       = errors.New("collection is not set up for harvesting")
	ErrConcurrencyConflict = errors.New("collection is already being harvested")
	ErrFailureRatio        = errors.New("too many records failed")
)

// ConfigurationError reports a collection that cannot be harvested as
// configured. Nothing is mutated when it is returned.
type ConfigurationError struct {
	CollectionID uuid.UUID
	Ref          string
	Reason       string
}

func (e *ConfigurationError) Error() string {
	target := e.Ref
	if target == "" && e.CollectionID != uuid.Nil {
		target = e.CollectionID.String()
	}
	if target == "" {
		return "harvest configuration: " + e.Reason
	}
	return fmt.Sprintf("harvest configuration of %s: %s", target, e.Reason)
}
