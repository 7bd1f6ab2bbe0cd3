package banstore

import (
	"net"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

// ErrScopeDone is returned when a scope is committed after it has
// already been finished with Commit or Rollback
var ErrScopeDone = errors.New("scope already finished")

// Scope is a single serializable transaction. Callers that need to
// batch several store operations atomically pass the same scope to each
// of them and finish with exactly one Commit or Rollback. A scope must
// not be shared between goroutines.
type Scope struct {
	store   *Store
	txn     *badger.Txn
	touched []net.IP
	done    bool
}

// Begin opens a new read-write transaction scope
func (s *Store) Begin() *Scope {
	return &Scope{
		store: s,
		txn:   s.db.NewTransaction(true),
	}
}

// Commit makes all mutations performed in the scope durable. A
// conflicting concurrent commit surfaces as badger.ErrConflict; the
// store never retries on its own. Committing a scope that is already
// finished returns ErrScopeDone
func (sc *Scope) Commit() error {
	if sc.done {
		return ErrScopeDone
	}
	sc.done = true

	if err := sc.txn.Commit(); err != nil {
		return err
	}

	// the mutations are visible now, stale cached answers go
	for _, addr := range sc.touched {
		sc.store.invalidate(addr)
	}
	sc.touched = nil

	return nil
}

// Rollback discards the scope. It is safe to call more than once and
// after Commit, so it can sit in a defer on every exit path
func (sc *Scope) Rollback() {
	if sc.done {
		return
	}
	sc.done = true
	sc.touched = nil
	sc.txn.Discard()
}

// update runs fn in the given scope. A nil scope gets a one-shot
// transaction that is committed when fn succeeds and discarded
// otherwise. A caller-supplied scope is never committed here
func (s *Store) update(scope *Scope, fn func(txn *badger.Txn) error) error {
	if scope != nil {
		return fn(scope.txn)
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}

	return txn.Commit()
}

// invalidateAfter drops addr from the ban read cache once the mutation
// is visible: immediately for an implicit one-shot transaction, at the
// scope's Commit for an explicit one. Invalidating earlier would let a
// concurrent IsBanned re-cache the pre-commit answer for a full TTL
func (s *Store) invalidateAfter(scope *Scope, addr net.IP) {
	if scope == nil {
		s.invalidate(addr)
		return
	}
	scope.touched = append(scope.touched, addr)
}

// view is the read-only counterpart of update
func (s *Store) view(scope *Scope, fn func(txn *badger.Txn) error) error {
	if scope != nil {
		return fn(scope.txn)
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	return fn(txn)
}
