package resolver

import (
	"context"

	"github.com/linkrelay/linkrelay/internal/telemetry"
)

// InstrumentedResolver wraps a Resolver with telemetry.
type InstrumentedResolver struct {
	resolver  Resolver
	telemetry *telemetry.Telemetry
}

// NewInstrumentedResolver creates a new instrumented resolver.
func NewInstrumentedResolver(r Resolver, tel *telemetry.Telemetry) *InstrumentedResolver {
	return &InstrumentedResolver{
		resolver:  r,
		telemetry: tel,
	}
}

// Resolve resolves a page URL with telemetry.
func (r *InstrumentedResolver) Resolve(ctx context.Context, pageURL string) (*Resolution, error) {
	var result *Resolution

	var err error

	instrumentedErr := r.telemetry.InstrumentResolverOperation(ctx, func(ctx context.Context) error {
		result, err = r.resolver.Resolve(ctx, pageURL)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
