// Package clinicsync keeps an in-memory working set of tenant-scoped records
// consistent with the remote backend: session guard, scoped query fan-out,
// tenant-identity normalization, and a snapshot store exposed to the UI.
package clinicsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultQueryTimeout    = 60 * time.Second
	defaultRefreshTimeout  = 5 * time.Second
	defaultRepairTimeout   = 5 * time.Second
	defaultMonitorInterval = 30 * time.Second
	defaultMaxRebuilds     = 5
)

type Options struct {
	// Handle is the initial client handle. Required.
	Handle *Handle
	// Factory rebuilds the handle when the session guard escalates.
	Factory HandleFactory
	Logger  *logrus.Logger

	QueryTimeout   time.Duration
	RefreshTimeout time.Duration
	RepairTimeout  time.Duration
}

// Store holds the normalized, sorted collections and the loading/error
// status. Snapshots are replaced wholesale per cycle; cycles are
// generation-guarded so a superseded cycle can never overwrite a newer one.
type Store struct {
	ref           *HandleRef
	guard         *SessionGuard
	executor      *Executor
	logger        *logrus.Logger
	repairTimeout time.Duration

	mu         sync.Mutex
	tenantID   string
	snapshot   Snapshot
	loading    bool
	errMsg     string
	generation uint64

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

func New(opts Options) (*Store, error) {
	if opts.Handle == nil {
		return nil, fmt.Errorf("%w: handle is required", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	repairTimeout := opts.RepairTimeout
	if repairTimeout <= 0 {
		repairTimeout = defaultRepairTimeout
	}
	ref := NewHandleRef(opts.Handle)
	return &Store{
		ref:           ref,
		guard:         NewSessionGuard(ref, opts.Factory, opts.RefreshTimeout, logger),
		executor:      NewExecutor(ref, opts.QueryTimeout, logger),
		logger:        logger,
		repairTimeout: repairTimeout,
		closed:        make(chan struct{}),
	}, nil
}

// HandleRef exposes the current-handle indirection to collaborators (the
// subscriber fetches the feed through it).
func (s *Store) HandleRef() *HandleRef {
	return s.ref
}

// Tenant returns the active tenant id, empty when none is set.
func (s *Store) Tenant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tenantID
}

// Loading reports whether a cycle is in flight for the current generation.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the last hard-failure message, empty when the store is clean.
// "no tenant yet" is not an error: tenant unset leaves this empty.
func (s *Store) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Generation returns the latest issued cycle generation.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Snapshot returns a copy of the exposed collections.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.clone()
}

// SetTenant switches the active tenant, resets state, and resynchronizes.
// An empty id clears the working set silently: not loading, no error, no
// queries issued.
func (s *Store) SetTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	s.tenantID = tenantID
	s.snapshot = Snapshot{}
	s.errMsg = ""
	// Bump the generation so any in-flight cycle for the previous tenant is
	// discarded at settle time.
	s.generation++
	if tenantID == "" {
		s.loading = false
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.resync(ctx, Kinds())
}

// Refetch runs one full synchronization cycle for the active tenant.
func (s *Store) Refetch(ctx context.Context) error {
	return s.resync(ctx, Kinds())
}

// RefetchInventory resynchronizes only the two inventory kinds, leaving the
// other collections untouched on success.
func (s *Store) RefetchInventory(ctx context.Context) error {
	return s.resync(ctx, InventoryKinds())
}

func (s *Store) resync(ctx context.Context, kinds []Kind) (err error) {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.mu.Lock()
	tenant := s.tenantID
	if tenant == "" {
		s.snapshot = Snapshot{}
		s.loading = false
		s.errMsg = ""
		s.mu.Unlock()
		return nil
	}
	s.generation++
	generation := s.generation
	s.loading = true
	s.mu.Unlock()

	start := time.Now()
	defer func() {
		// Whatever goes wrong inside a cycle, the store must settle into a
		// non-loading state; a panic is reported like any other hard failure.
		if r := recover(); r != nil {
			err = s.fail(generation, tenant, start, fmt.Errorf("unexpected failure: %v", r))
		}
	}()

	status, err := s.guard.Ensure(ctx)
	if err != nil {
		return s.fail(generation, tenant, start, err)
	}
	if status == SessionReinitialized {
		s.logger.WithField("tenant", tenant).Info("continuing cycle on reinitialized client handle")
	}

	byKind, err := s.executor.Run(ctx, tenant, kinds)
	if err != nil {
		return s.fail(generation, tenant, start, err)
	}

	normalized := make(map[Kind][]Record, len(byKind))
	repairs := make(map[Kind][]string)
	for kind, records := range byKind {
		clean, repairIDs, excluded := normalizeTenant(records, tenant)
		if excluded > 0 {
			s.logger.WithFields(logrus.Fields{
				"tenant":   tenant,
				"query":    string(kind),
				"excluded": excluded,
			}).Warn("records with foreign tenant excluded")
		}
		sortRecords(kind, clean)
		normalized[kind] = clean
		if len(repairIDs) > 0 {
			repairs[kind] = repairIDs
		}
	}

	s.mu.Lock()
	if generation != s.generation {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"tenant":     tenant,
			"generation": generation,
		}).Debug("cycle superseded; results discarded")
		return nil
	}
	for kind, records := range normalized {
		s.snapshot.setCollection(kind, records)
	}
	s.loading = false
	s.errMsg = ""
	s.mu.Unlock()

	for kind, ids := range repairs {
		s.scheduleRepair(tenant, string(kind), ids)
	}
	s.logger.WithFields(logrus.Fields{
		"tenant":  tenant,
		"elapsed": time.Since(start).String(),
		"kinds":   len(normalized),
	}).Info("synchronization cycle committed")
	return nil
}

// fail settles a hard failure: empty collections, non-loading, populated
// error. A superseded cycle's failure is discarded like its data would be.
func (s *Store) fail(generation uint64, tenant string, start time.Time, cause error) error {
	s.mu.Lock()
	if generation == s.generation {
		s.snapshot = Snapshot{}
		s.loading = false
		s.errMsg = cause.Error()
	}
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"tenant":  tenant,
		"elapsed": time.Since(start).String(),
	}).WithError(cause).Error("synchronization cycle failed")
	return cause
}

// scheduleRepair issues the tenant-identity repair writes after the data is
// already exposed. Fire-and-forget: failures are logged, never retried here;
// the next cycle re-observes anything left unrepaired.
func (s *Store) scheduleRepair(tenantID, table string, ids []string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, id := range ids {
			select {
			case <-s.closed:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.repairTimeout)
			handle := s.ref.Current()
			var err error
			if handle == nil {
				err = fmt.Errorf("no client handle")
			} else {
				err = handle.Store.Update(ctx, table, id, map[string]any{"tenant_id": tenantID})
			}
			cancel()
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"tenant": tenantID,
					"table":  table,
					"record": id,
				}).WithError(err).Warn("tenant repair write failed")
			}
		}
	}()
}

// Close stops background repair work. In-flight cycles settle normally.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
	})
}
