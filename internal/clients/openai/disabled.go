package openai

import (
	"context"
	"fmt"

	"github.com/aristath/evolver/internal/domain"
)

// Disabled is the generator used when no API key is configured. Every call
// fails with a GenerationError so sessions terminate with a clear cause.
type Disabled struct {
	Reason string
}

// Generate always fails.
func (d Disabled) Generate(context.Context, domain.GenerationRequest) (string, error) {
	return "", &domain.GenerationError{
		Attempts: 0,
		Err:      fmt.Errorf("%w: generator disabled: %s", domain.ErrNoArtifact, d.Reason),
	}
}
