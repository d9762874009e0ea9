package clinicsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Executor fans out the batch of tenant-scoped queries, one goroutine per
// kind, each under its own deadline. Fan-in is a strict barrier: nothing is
// returned until every query has settled, and no query's failure cancels
// another's.
//
// Failure policy is deliberately asymmetric: any timeout poisons the whole
// batch (hard failure), while a backend error degrades only its own kind to
// an empty collection (soft failure).
type Executor struct {
	ref     *HandleRef
	timeout time.Duration
	logger  *logrus.Logger
}

func NewExecutor(ref *HandleRef, timeout time.Duration, logger *logrus.Logger) *Executor {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Executor{ref: ref, timeout: timeout, logger: logger}
}

type queryOutcome struct {
	kind     Kind
	records  []Record
	err      error
	timedOut bool
	panicked bool
	elapsed  time.Duration
}

// Run executes the named queries for tenantID and returns the per-kind
// results. On any timeout it returns a TimeoutError naming the timed-out
// queries and no results. Kinds whose query failed for a non-timeout reason
// are present in the result with an empty slice. A cancelled parent context
// aborts the whole batch: the per-query errors it induces must not commit as
// a clean empty working set.
func (e *Executor) Run(ctx context.Context, tenantID string, kinds []Kind) (map[Kind][]Record, error) {
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	outcomes := make(chan queryOutcome, len(kinds))
	for _, kind := range kinds {
		go func(kind Kind) {
			start := time.Now()
			sent := false
			defer func() {
				if r := recover(); r != nil && !sent {
					outcomes <- queryOutcome{
						kind:     kind,
						panicked: true,
						err:      fmt.Errorf("unexpected failure in %s: %v", kind, r),
						elapsed:  time.Since(start),
					}
				}
			}()
			queryCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()

			// Fetch the handle at use time: the session guard may have
			// swapped it mid-cycle.
			handle := e.ref.Current()
			if handle == nil {
				sent = true
				outcomes <- queryOutcome{kind: kind, err: errors.New("no client handle"), elapsed: time.Since(start)}
				return
			}
			records, err := handle.Store.Select(queryCtx, string(kind), tenantID)
			outcome := queryOutcome{
				kind:    kind,
				records: records,
				err:     err,
				elapsed: time.Since(start),
			}
			if err != nil && (isTransportTimeout(err) || queryCtx.Err() == context.DeadlineExceeded) {
				outcome.timedOut = true
			}
			sent = true
			outcomes <- outcome
		}(kind)
	}

	results := make(map[Kind][]Record, len(kinds))
	var timedOut []string
	var panicked error
	for range kinds {
		outcome := <-outcomes
		switch {
		case outcome.panicked:
			if panicked == nil {
				panicked = outcome.err
			}
			e.logger.WithFields(logrus.Fields{
				"tenant":  tenantID,
				"query":   string(outcome.kind),
				"elapsed": outcome.elapsed.String(),
			}).WithError(outcome.err).Error("query panicked")
		case outcome.timedOut:
			timedOut = append(timedOut, string(outcome.kind))
			e.logger.WithFields(logrus.Fields{
				"tenant":  tenantID,
				"query":   string(outcome.kind),
				"elapsed": outcome.elapsed.String(),
			}).Error("query exceeded deadline")
		case outcome.err != nil:
			results[outcome.kind] = []Record{}
			e.logger.WithFields(logrus.Fields{
				"tenant":  tenantID,
				"query":   string(outcome.kind),
				"elapsed": outcome.elapsed.String(),
			}).WithError(&QueryFailure{Query: string(outcome.kind), Err: outcome.err}).Warn("query failed; kind degraded to empty")
		default:
			if outcome.records == nil {
				outcome.records = []Record{}
			}
			results[outcome.kind] = outcome.records
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("synchronization cancelled: %w", err)
	}
	if panicked != nil {
		return nil, panicked
	}
	if len(timedOut) > 0 {
		sort.Strings(timedOut)
		return nil, &TimeoutError{Queries: timedOut}
	}
	return results, nil
}
