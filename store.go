package banstore

import (
	"context"
	"net"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	badger "github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
	"github.com/scraperwall/banstore/data"
	log "github.com/sirupsen/logrus"
)

const entryNamespace = "ip/"

// ErrInvalidAddress is returned when an address can't be parsed or normalized
var ErrInvalidAddress = data.ErrInvalidAddress

// ErrTruncateNotConfirmed is returned by Truncate when the caller
// didn't confirm that it really wants to drop every entry
var ErrTruncateNotConfirmed = errors.New("truncate not confirmed")

// Store tracks the ban lifecycle of network addresses in an embedded
// badger database. All operations are safe for concurrent use; each
// runs in its own serializable transaction unless the caller passes an
// explicit Scope
type Store struct {
	db       *badger.DB
	config   *Config
	banCache *ttlcache.Cache
	ctx      context.Context
}

// Open opens or creates the store and applies pending migrations.
// The parent context stops the background value-log GC when cancelled
func Open(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.setDefaults()

	opts := badger.DefaultOptions(config.DataDir)
	opts.SyncWrites = config.SyncWrites
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open badger database")
	}

	s := &Store{
		db:     db,
		config: config,
		ctx:    ctx,
	}

	if config.BanCacheTTL > 0 {
		s.banCache = ttlcache.NewCache()
		s.banCache.SetTTL(config.BanCacheTTL)
		s.banCache.SkipTTLExtensionOnHit(true)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	if !config.InMemory {
		go s.runGC()
	}

	return s, nil
}

// Close shuts the store down. In-flight scopes become unusable
func (s *Store) Close() error {
	if s.banCache != nil {
		s.banCache.Close()
	}
	return s.db.Close()
}

// migrate heals records written by older versions: legacy encodings are
// rewritten in the current one and entries that claim to be banned but
// carry no ban window are demoted to FailedLogin. Running it again is
// harmless
func (s *Store) migrate() error {
	stale := make([]*data.Entry, 0)

	err := s.view(nil, func(txn *badger.Txn) error {
		return eachEntry(txn, func(e *data.Entry, raw []byte) error {
			healed := false

			if e.Banned() && !e.HasBanWindow() {
				e.State = data.FailedLogin
				healed = true
			}
			if len(raw) > 0 && raw[0] != data.CodecVersion {
				healed = true
			}

			if healed {
				stale = append(stale, e)
			}
			return nil
		})
	})
	if err != nil {
		return errors.Wrap(err, "migration scan failed")
	}

	for _, e := range stale {
		err := s.db.Update(func(txn *badger.Txn) error {
			return setEntry(txn, e)
		})
		if err != nil {
			return errors.Wrapf(err, "failed to migrate %s", e.Address)
		}
	}

	if len(stale) > 0 {
		log.Infof("migrated %d entries to the current encoding", len(stale))
	}

	return nil
}

// runGC triggers badger's value log garbage collection periodically,
// until the store's context is cancelled
func (s *Store) runGC() {
	ticker := time.NewTicker(s.config.GCInterval)
	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil {
				// don't report error when GC didn't result in any cleanup
				if err == badger.ErrNoRewrite {
					log.Debugf("no badger GC occurred: %v", err)
				} else {
					log.Errorf("failed to GC badger: %v", err)
				}
			}

		case <-s.ctx.Done():
			ticker.Stop()
			return
		}
	}
}

// entryKey returns the composite storage key for a normalized address
func entryKey(addr net.IP) []byte {
	key := make([]byte, 0, len(entryNamespace)+len(addr))
	key = append(key, entryNamespace...)
	return append(key, addr...)
}

// getEntry reads and decodes one entry inside txn. A missing address
// yields (nil, nil)
func getEntry(txn *badger.Txn, addr net.IP) (*data.Entry, error) {
	item, err := txn.Get(entryKey(addr))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var e *data.Entry
	err = item.Value(func(v []byte) error {
		var verr error
		e, verr = data.UnmarshalEntry(addr, v)
		return verr
	})

	return e, err
}

func setEntry(txn *badger.Txn, e *data.Entry) error {
	return txn.Set(entryKey(e.IP), e.Marshal())
}

// eachEntry walks every entry in address order and calls fn with the
// decoded entry and its raw stored value
func eachEntry(txn *badger.Txn, fn func(e *data.Entry, raw []byte) error) error {
	prefix := []byte(entryNamespace)

	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		addr := net.IP(item.KeyCopy(nil)[len(prefix):])

		var e *data.Entry
		var raw []byte
		err := item.Value(func(v []byte) error {
			raw = make([]byte, len(v))
			copy(raw, v)

			var verr error
			e, verr = data.UnmarshalEntry(addr, raw)
			return verr
		})
		if err != nil {
			return err
		}

		if err := fn(e, raw); err != nil {
			return err
		}
	}

	return nil
}

// invalidate drops an address from the ban read cache after a mutation
func (s *Store) invalidate(addr net.IP) {
	if s.banCache != nil {
		s.banCache.Remove(string(addr))
	}
}
