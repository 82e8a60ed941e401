// Package extract drives the iterative extraction protocol for a single
// page: call the oracle, merge what came back, and keep asking with the
// prior outputs in context until the page is complete or the attempt
// budget runs out.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spherical-ai/prospectus-engine/internal/merge"
	"github.com/spherical-ai/prospectus-engine/internal/observability"
	"github.com/spherical-ai/prospectus-engine/internal/oracle"
	"github.com/spherical-ai/prospectus-engine/internal/schema"
	"github.com/spherical-ai/prospectus-engine/internal/store"
)

// Oracle is the extraction function contract: one page image plus prior
// attempt outputs in, one classified result out.
type Oracle interface {
	Extract(ctx context.Context, imagePath string, prior []json.RawMessage) (*schema.School, json.RawMessage, error)
}

// Policy selects the completeness criterion for a page.
type Policy string

const (
	// PolicyOracle trusts the model's own continuation flag.
	PolicyOracle Policy = "oracle"
	// PolicySchema requires every extracted entity to carry its required
	// fields.
	PolicySchema Policy = "schema"
	// PolicyStrict requires both signals to agree.
	PolicyStrict Policy = "strict"
)

// Config holds the extraction protocol settings.
type Config struct {
	// MaxRetries counts retries after the first attempt, so the total
	// budget per page is MaxRetries+1 oracle calls.
	MaxRetries int
	Policy     Policy
	Backoff    oracle.BackoffConfig
}

// PageExtractor runs the bounded refinement loop for single pages.
type PageExtractor struct {
	oracle Oracle
	cfg    Config
	logger *observability.Logger
}

// New creates a page extractor.
func New(o Oracle, cfg Config, logger *observability.Logger) *PageExtractor {
	if cfg.Policy == "" {
		cfg.Policy = PolicyStrict
	}
	return &PageExtractor{oracle: o, cfg: cfg, logger: logger}
}

// ExtractPage extracts one page. Soft failures come back inside the
// PageResult with Complete false and the partial data kept; the only
// signals that stop the loop early are a non-retryable oracle error and
// context cancellation.
func (e *PageExtractor) ExtractPage(ctx context.Context, page store.PageRef) store.PageResult {
	budget := e.cfg.MaxRetries + 1
	if budget < 1 {
		budget = 1
	}

	acc := merge.NewAccumulator()
	var prior []json.RawMessage
	var lastErr string
	attempts := 0
	complete := false

loop:
	for attempts < budget {
		if ctx.Err() != nil {
			lastErr = ctx.Err().Error()
			break
		}
		attempts++

		school, raw, err := e.oracle.Extract(ctx, page.ImagePath, prior)
		if err != nil {
			lastErr = err.Error()

			switch {
			case oracle.IsTransient(err):
				e.logger.Warn().
					Int("page_index", page.Index).
					Int("attempt", attempts).
					Err(err).
					Msg("Transient oracle failure")
				if attempts == budget {
					break loop
				}
				if sleepErr := oracle.Sleep(ctx, e.cfg.Backoff.Backoff(attempts-1)); sleepErr != nil {
					lastErr = sleepErr.Error()
					break loop
				}
			case oracle.IsMalformed(err):
				// Retrying with the same context is the remedy; the bad
				// output is not fed back.
				e.logger.Warn().
					Int("page_index", page.Index).
					Int("attempt", attempts).
					Err(err).
					Msg("Malformed oracle output")
			default:
				e.logger.Error().
					Int("page_index", page.Index).
					Int("attempt", attempts).
					Err(err).
					Msg("Oracle failure is not retryable")
				break loop
			}
			continue
		}

		acc.Add(school, page.Index)
		prior = append(prior, raw)

		done, reason := e.evaluate(school, raw, acc)
		if done {
			complete = true
			lastErr = ""
			break
		}
		lastErr = reason

		e.logger.Debug().
			Int("page_index", page.Index).
			Int("attempt", attempts).
			Str("reason", reason).
			Msg("Page incomplete, continuing")
	}

	return store.PageResult{
		PageIndex: page.Index,
		Attempts:  attempts,
		Data:      acc.School(),
		Complete:  complete,
		LastError: lastErr,
	}
}

// evaluate applies the configured completeness policy to the latest output
// and the accumulated page document.
func (e *PageExtractor) evaluate(latest *schema.School, raw json.RawMessage, acc *merge.Accumulator) (bool, string) {
	oracleDone := !latest.Repeat

	valErr := schema.ValidateRaw(raw)
	missing := schema.MissingFields(acc.School())
	schemaDone := valErr == nil && len(missing) == 0

	switch e.cfg.Policy {
	case PolicyOracle:
		if oracleDone {
			return true, ""
		}
		return false, "oracle signaled more data"
	case PolicySchema:
		if schemaDone {
			return true, ""
		}
		return false, incompleteReason(valErr, missing)
	default:
		if oracleDone && schemaDone {
			return true, ""
		}
		if !oracleDone {
			return false, "oracle signaled more data"
		}
		return false, incompleteReason(valErr, missing)
	}
}

func incompleteReason(valErr error, missing []string) string {
	if valErr != nil {
		return fmt.Sprintf("schema validation failed: %v", valErr)
	}
	shown := missing
	if len(shown) > 5 {
		shown = shown[:5]
	}
	return fmt.Sprintf("missing required fields: %s", strings.Join(shown, ", "))
}
