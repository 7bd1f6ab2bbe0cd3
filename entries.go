package banstore

import (
	"net"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"github.com/scraperwall/banstore/data"
	log "github.com/sirupsen/logrus"
)

// EntryFilter selects entries during enumeration and counting.
// A nil filter matches everything
type EntryFilter func(e *data.Entry) bool

// GetEntry returns the stored entry for an address or nil if the
// address is unknown
func (s *Store) GetEntry(ip net.IP, scope *Scope) (*data.Entry, error) {
	addr, err := data.NormalizeIP(ip)
	if err != nil {
		return nil, err
	}

	var e *data.Entry
	err = s.view(scope, func(txn *badger.Txn) error {
		var gerr error
		e, gerr = getEntry(txn, addr)
		return gerr
	})

	return e, err
}

// GetState returns the lifecycle state of an address. ok is false when
// the address is unknown
func (s *Store) GetState(ip net.IP, scope *Scope) (state data.State, ok bool, err error) {
	e, err := s.GetEntry(ip, scope)
	if err != nil || e == nil {
		return 0, false, err
	}
	return e.State, true, nil
}

// GetBanWindow returns the ban window of an address. ok is false when
// the address is unknown or carries no window
func (s *Store) GetBanWindow(ip net.IP, scope *Scope) (start, end time.Time, ok bool, err error) {
	e, err := s.GetEntry(ip, scope)
	if err != nil || e == nil || !e.HasBanWindow() {
		return time.Time{}, time.Time{}, false, err
	}
	return e.BanStart, e.BanEnd, true, nil
}

// EnumerateEntries calls fn for every entry matching filter, in
// address-byte order. fn returning an error stops the scan and the
// error is passed through
func (s *Store) EnumerateEntries(filter EntryFilter, fn func(e *data.Entry) error, scope *Scope) error {
	return s.view(scope, func(txn *badger.Txn) error {
		return eachEntry(txn, func(e *data.Entry, raw []byte) error {
			if filter != nil && !filter(e) {
				return nil
			}
			return fn(e)
		})
	})
}

// Count returns the number of entries matching filter. Without a
// filter only keys are touched
func (s *Store) Count(filter EntryFilter, scope *Scope) (int, error) {
	count := 0

	err := s.view(scope, func(txn *badger.Txn) error {
		if filter == nil {
			prefix := []byte(entryNamespace)
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				count++
			}
			return nil
		}

		return eachEntry(txn, func(e *data.Entry, raw []byte) error {
			if filter(e) {
				count++
			}
			return nil
		})
	})

	return count, err
}

// SetState overrides the lifecycle state of the given addresses. A nil
// or empty slice targets every entry in the store. Unparseable
// addresses are skipped. Returns the number of entries changed
func (s *Store) SetState(ips []net.IP, state data.State, scope *Scope) (int, error) {
	if !state.Valid() {
		return 0, errors.Errorf("unknown state %d", state)
	}

	changed := 0
	touched := make([]net.IP, 0, len(ips))

	err := s.update(scope, func(txn *badger.Txn) error {
		if len(ips) == 0 {
			entries := make([]*data.Entry, 0)
			err := eachEntry(txn, func(e *data.Entry, raw []byte) error {
				if e.State != state {
					entries = append(entries, e)
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, e := range entries {
				e.State = state
				if err := setEntry(txn, e); err != nil {
					return err
				}
				touched = append(touched, e.IP)
				changed++
			}
			return nil
		}

		for _, ip := range ips {
			addr, err := data.NormalizeIP(ip)
			if err != nil {
				log.Warnf("skipping invalid address %v", ip)
				continue
			}

			e, err := getEntry(txn, addr)
			if err != nil {
				return err
			}
			if e == nil || e.State == state {
				continue
			}

			e.State = state
			if err := setEntry(txn, e); err != nil {
				return err
			}
			touched = append(touched, addr)
			changed++
		}
		return nil
	})

	if err == nil {
		for _, addr := range touched {
			s.invalidateAfter(scope, addr)
		}
	}

	return changed, err
}

// DeleteAddress removes a single entry. It reports whether the address
// was present
func (s *Store) DeleteAddress(ip net.IP, scope *Scope) (bool, error) {
	n, err := s.DeleteAddresses([]net.IP{ip}, scope)
	return n > 0, err
}

// DeleteAddresses removes the given entries in one transaction and
// returns how many existed. Unparseable addresses are skipped
func (s *Store) DeleteAddresses(ips []net.IP, scope *Scope) (int, error) {
	deleted := 0
	touched := make([]net.IP, 0, len(ips))

	err := s.update(scope, func(txn *badger.Txn) error {
		for _, ip := range ips {
			addr, err := data.NormalizeIP(ip)
			if err != nil {
				log.Warnf("skipping invalid address %v", ip)
				continue
			}

			if _, err := txn.Get(entryKey(addr)); err == badger.ErrKeyNotFound {
				continue
			} else if err != nil {
				return err
			}

			if err := txn.Delete(entryKey(addr)); err != nil {
				return err
			}
			touched = append(touched, addr)
			deleted++
		}
		return nil
	})

	if err == nil {
		for _, addr := range touched {
			s.invalidateAfter(scope, addr)
		}
	}

	return deleted, err
}

// Truncate drops every entry in the store. The caller has to pass
// confirm=true, otherwise nothing happens and ErrTruncateNotConfirmed
// is returned
func (s *Store) Truncate(confirm bool) (int, error) {
	if !confirm {
		return 0, ErrTruncateNotConfirmed
	}

	keys := make([][]byte, 0)
	err := s.view(nil, func(txn *badger.Txn) error {
		prefix := []byte(entryNamespace)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	// delete in chunks so a big table doesn't exceed badger's
	// transaction size limit
	const chunk = 1000
	deleted := 0
	for len(keys) > 0 {
		n := chunk
		if n > len(keys) {
			n = len(keys)
		}

		batch := keys[:n]
		keys = keys[n:]

		err := s.db.Update(func(txn *badger.Txn) error {
			for _, key := range batch {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	if s.banCache != nil {
		s.banCache.Purge()
	}

	log.Infof("truncated %d entries", deleted)

	return deleted, nil
}
