package banstore

import (
	"net"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/scraperwall/banstore/data"
	log "github.com/sirupsen/logrus"
)

// Delta is one pending change the enforcement layer hasn't applied
// yet. Added is true for a fresh ban, false for a removal
type Delta struct {
	IP    net.IP
	Added bool
}

// DeltaScan is a cursor over all pending changes, bound to a single
// transaction. The caller walks it with Next, applies each Delta to
// the enforcement layer, and finishes with exactly one of Commit or
// Rollback. Enumeration itself never mutates the store; a crash or a
// Rollback before Commit leaves every pending row as it was, so the
// next scan yields the same deltas again
type DeltaScan struct {
	store    *Store
	scope    *Scope
	ownScope bool
	it       *badger.Iterator
	prefix   []byte
	cur      Delta
	err      error
	started  bool
	closed   bool
}

// ScanDeltas opens a cursor over every entry in a pending state, in
// address-byte order. With a nil scope the cursor owns its transaction
// and Commit/Rollback finish it; with a caller-supplied scope the
// caller keeps control of the transaction
func (s *Store) ScanDeltas(scope *Scope) (*DeltaScan, error) {
	ds := &DeltaScan{
		store:  s,
		scope:  scope,
		prefix: []byte(entryNamespace),
	}

	if scope == nil {
		ds.scope = s.Begin()
		ds.ownScope = true
	}

	ds.it = ds.scope.txn.NewIterator(badger.DefaultIteratorOptions)

	return ds, nil
}

// Next advances to the next pending entry. It returns false when the
// scan is exhausted, failed or closed; check Err afterwards
func (ds *DeltaScan) Next() bool {
	if ds.closed || ds.err != nil {
		return false
	}

	if !ds.started {
		ds.it.Seek(ds.prefix)
		ds.started = true
	} else {
		ds.it.Next()
	}

	for ; ds.it.ValidForPrefix(ds.prefix); ds.it.Next() {
		item := ds.it.Item()
		addr := net.IP(item.KeyCopy(nil)[len(ds.prefix):])

		var e *data.Entry
		err := item.Value(func(v []byte) error {
			var verr error
			e, verr = data.UnmarshalEntry(addr, v)
			return verr
		})
		if err != nil {
			ds.err = err
			return false
		}

		if !e.State.Pending() {
			continue
		}

		ds.cur = Delta{IP: addr, Added: e.State == data.AddPending}
		return true
	}

	return false
}

// Delta returns the element the last successful Next stopped at
func (ds *DeltaScan) Delta() Delta {
	return ds.cur
}

// Err returns the first error the scan ran into
func (ds *DeltaScan) Err() error {
	return ds.err
}

// Commit confirms that the enforcement layer accepted every delta and
// advances the state machine: AddPending entries become Active,
// RemovePending entries are deleted and
// RemovePendingBecomeFailedLogin entries are demoted to FailedLogin
// with their ban window cleared. resetFailedLoginCount additionally
// zeroes the demoted entries' counters and stamps LastFailedLogin with
// now. A cursor that owns its transaction commits it; otherwise the
// mutations stay in the caller's scope until the caller commits
func (ds *DeltaScan) Commit(now time.Time, resetFailedLoginCount bool) error {
	if ds.closed {
		return nil
	}
	ds.it.Close()
	ds.closed = true

	txn := ds.scope.txn

	// re-collect the pending set inside the same transaction. The
	// snapshot guarantees it is the set that was enumerated
	pending := make([]*data.Entry, 0)
	err := eachEntry(txn, func(e *data.Entry, raw []byte) error {
		if e.State.Pending() {
			pending = append(pending, e)
		}
		return nil
	})
	if err != nil {
		ds.fail()
		return err
	}

	for _, e := range pending {
		switch e.State {
		case data.AddPending:
			e.State = data.Active
			err = setEntry(txn, e)

		case data.RemovePending:
			log.Infof("unbanning %s", e.Address)
			err = txn.Delete(entryKey(e.IP))

		case data.RemovePendingBecomeFailedLogin:
			log.Infof("unbanning %s, keeping its failed logins", e.Address)
			e.State = data.FailedLogin
			e.BanStart = time.Time{}
			e.BanEnd = time.Time{}
			if resetFailedLoginCount {
				e.FailedLoginCount = 0
				e.LastFailedLogin = now
			}
			err = setEntry(txn, e)
		}

		if err != nil {
			ds.fail()
			return err
		}

		ds.store.invalidateAfter(ds.scope, e.IP)
	}

	if ds.ownScope {
		return ds.scope.Commit()
	}

	return nil
}

// Rollback closes the cursor without touching any state. Safe to call
// more than once and after Commit, so it can sit in a defer
func (ds *DeltaScan) Rollback() {
	if ds.closed {
		return
	}
	ds.it.Close()
	ds.closed = true

	if ds.ownScope {
		ds.scope.Rollback()
	}
}

// fail abandons the cursor after an error during Commit. A
// caller-supplied scope is left to the caller to roll back
func (ds *DeltaScan) fail() {
	if ds.ownScope {
		ds.scope.Rollback()
	}
}

// EnumerateDeltaAndUpdateState runs one full reconciliation round: it
// scans all pending changes, hands each one to fn (which applies it to
// the enforcement layer), and then either commits the terminal state
// transitions or rolls everything back. The transitions are only
// applied when commit is true and fn never failed; any other outcome
// leaves the pending set untouched for an idempotent retry
func (s *Store) EnumerateDeltaAndUpdateState(commit bool, now time.Time, resetFailedLoginCount bool, fn func(Delta) error, scope *Scope) error {
	ds, err := s.ScanDeltas(scope)
	if err != nil {
		return err
	}
	defer ds.Rollback()

	for ds.Next() {
		if fn == nil {
			continue
		}
		if err := fn(ds.Delta()); err != nil {
			return err
		}
	}
	if err := ds.Err(); err != nil {
		return err
	}

	if !commit {
		return nil
	}

	return ds.Commit(now, resetFailedLoginCount)
}
