package banstore

import (
	"net"

	"github.com/scraperwall/banstore/data"
)

// IsBanned is the enforcement fast path: it reports whether an address
// is in the banned set (Active or AddPending). Answers are served from
// a TTL cache when one is configured, so they may lag a concurrent
// writer by at most the cache TTL. Mutations drop the touched
// addresses from the cache once they are visible: immediately for
// implicit transactions, at Commit for an explicit scope
func (s *Store) IsBanned(ip net.IP) (bool, error) {
	addr, err := data.NormalizeIP(ip)
	if err != nil {
		return false, err
	}

	if s.banCache != nil {
		if v, err := s.banCache.Get(string(addr)); err == nil {
			return v.(bool), nil
		}
	}

	e, err := s.GetEntry(addr, nil)
	if err != nil {
		return false, err
	}

	banned := e != nil && e.Banned()

	if s.banCache != nil {
		s.banCache.Set(string(addr), banned)
	}

	return banned, nil
}
