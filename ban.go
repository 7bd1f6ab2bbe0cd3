package banstore

import (
	"net"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/scraperwall/banstore/data"
	log "github.com/sirupsen/logrus"
)

// ApplyBan records a ban window for an address. An unknown address is
// inserted as AddPending so the next reconciliation hands it to the
// enforcement layer. A known address is only updated when it isn't
// queued for removal and its current window has lapsed: an active,
// non-expired ban is never shortened or replaced, and a record the
// enforcement layer is about to drop is left alone.
//
// Returns 1 when the ban was written, 0 when the guard refused it
func (s *Store) ApplyBan(ip net.IP, banStart, banEnd, now time.Time, scope *Scope) (int, error) {
	addr, err := data.NormalizeIP(ip)
	if err != nil {
		return 0, err
	}

	affected := 0

	err = s.update(scope, func(txn *badger.Txn) error {
		e, err := getEntry(txn, addr)
		if err != nil {
			return err
		}

		if e == nil {
			e = &data.Entry{
				IP:       addr,
				Address:  addr.String(),
				State:    data.AddPending,
				BanStart: banStart,
				BanEnd:   banEnd,
			}
			affected = 1

			log.Infof("banning %s until %s", e.Address, banEnd)
			return setEntry(txn, e)
		}

		if e.State == data.RemovePending {
			return nil
		}
		if e.HasBanWindow() && e.BanEnd.After(now) {
			return nil
		}

		// a ban that is still enforced externally only gets its window
		// refreshed; everything else needs a fresh application
		if e.State != data.Active {
			e.State = data.AddPending
		}
		e.BanStart = banStart
		e.BanEnd = banEnd
		affected = 1

		log.Infof("banning %s until %s (%s)", e.Address, banEnd, e.State)
		return setEntry(txn, e)
	})

	if err == nil && affected > 0 {
		s.invalidateAfter(scope, addr)
	}

	return affected, err
}

// IncrementFailedLogin counts a failed login attempt. An unknown
// address is inserted with the given count. The counter only moves
// while the address is in FailedLogin; a banned or pending record is
// left untouched. The returned value is the counter as stored after
// the call, read in the same transaction
func (s *Store) IncrementFailedLogin(ip net.IP, when time.Time, amount int, scope *Scope) (int, error) {
	addr, err := data.NormalizeIP(ip)
	if err != nil {
		return 0, err
	}

	count := 0

	err = s.update(scope, func(txn *badger.Txn) error {
		e, err := getEntry(txn, addr)
		if err != nil {
			return err
		}

		if e == nil {
			e = &data.Entry{
				IP:               addr,
				Address:          addr.String(),
				State:            data.FailedLogin,
				FailedLoginCount: amount,
				LastFailedLogin:  when,
			}
			count = amount
			return setEntry(txn, e)
		}

		if e.State != data.FailedLogin {
			count = e.FailedLoginCount
			return nil
		}

		e.FailedLoginCount += amount
		e.LastFailedLogin = when
		count = e.FailedLoginCount

		log.Tracef("%s has %d failed logins", e.Address, count)
		return setEntry(txn, e)
	})

	return count, err
}
