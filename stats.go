package banstore

import (
	badger "github.com/dgraph-io/badger/v3"
	"github.com/dustin/go-humanize"
	"github.com/scraperwall/banstore/data"
	log "github.com/sirupsen/logrus"
)

// Stats aggregates how many entries sit in each lifecycle state and
// how large the database files are
type Stats struct {
	Total                          int
	Active                         int
	AddPending                     int
	RemovePending                  int
	FailedLogin                    int
	RemovePendingBecomeFailedLogin int
	LSMSize                        int64
	VLogSize                       int64
}

// Stats counts all entries by state in one snapshot
func (s *Store) Stats(scope *Scope) (*Stats, error) {
	stats := &Stats{}

	err := s.view(scope, func(txn *badger.Txn) error {
		return eachEntry(txn, func(e *data.Entry, raw []byte) error {
			stats.Total++
			switch e.State {
			case data.Active:
				stats.Active++
			case data.AddPending:
				stats.AddPending++
			case data.RemovePending:
				stats.RemovePending++
			case data.FailedLogin:
				stats.FailedLogin++
			case data.RemovePendingBecomeFailedLogin:
				stats.RemovePendingBecomeFailedLogin++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	stats.LSMSize, stats.VLogSize = s.db.Size()

	return stats, nil
}

// LogStats writes a single summary line about the store
func (s *Store) LogStats() {
	stats, err := s.Stats(nil)
	if err != nil {
		log.Errorf("failed to gather stats: %v", err)
		return
	}

	log.Infof("stats :: %s entries / %d banned / %d pending add / %d pending remove / %d counting :: %s lsm / %s vlog",
		humanize.Comma(int64(stats.Total)),
		stats.Active,
		stats.AddPending,
		stats.RemovePending+stats.RemovePendingBecomeFailedLogin,
		stats.FailedLogin,
		humanize.Bytes(uint64(stats.LSMSize)),
		humanize.Bytes(uint64(stats.VLogSize)))
}
