package estimator

import (
	"github.com/sentrix-io/sentrix/internal/metrics"
	"github.com/sentrix-io/sentrix/internal/store"
)

// GenerationOutcome classifies the error of a model generation.
type GenerationOutcome int

const (
	OutcomeNone GenerationOutcome = iota
	OutcomeAbort
	OutcomeTimeout
	OutcomeFailure
)

func (o GenerationOutcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeAbort:
		return "abort"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// errorOutcomes are the outcomes with a last-error gauge, in label order.
var errorOutcomes = []GenerationOutcome{OutcomeAbort, OutcomeTimeout, OutcomeFailure}

// ClassifyGenerationError maps a stored error onto an outcome. Anything that
// is neither "abort" nor "timeout" is a failure.
func ClassifyGenerationError(raw *string) GenerationOutcome {
	if raw == nil {
		return OutcomeNone
	}
	switch *raw {
	case "abort":
		return OutcomeAbort
	case "timeout":
		return OutcomeTimeout
	default:
		return OutcomeFailure
	}
}

// publishGeneration sets the model generation gauges of g. The three error
// gauges hold the generation timestamp for the matching outcome and 0 for
// the others.
func publishGeneration(client metrics.Client, g store.ModelGeneration) error {
	outcome := ClassifyGenerationError(g.Error)
	ts := float64(g.Ended.UnixMilli())
	var errs []error

	if outcome == OutcomeNone {
		errs = append(errs,
			client.Set(metrics.ModelGeneration, ts, g.Scope, g.Type),
			client.Set(metrics.ModelGenerationDuration, float64(g.Ended.Sub(g.Started).Milliseconds()), g.Scope, g.Type),
		)
		if g.CompressedSize != nil && *g.CompressedSize != 0 {
			errs = append(errs, client.Set(metrics.ModelGenerationCompressedSize, float64(*g.CompressedSize), g.Scope, g.Type))
		}
		if g.UncompressedSize != nil && *g.UncompressedSize != 0 {
			errs = append(errs, client.Set(metrics.ModelGenerationUncompressedSize, float64(*g.UncompressedSize), g.Scope, g.Type))
		}
	}
	for _, o := range errorOutcomes {
		v := 0.0
		if o == outcome {
			v = ts
		}
		errs = append(errs, client.Set(metrics.ModelGenerationError, v, g.Scope, g.Type, o.String()))
	}
	return combine(errs)
}
