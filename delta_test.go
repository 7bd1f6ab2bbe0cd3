package banstore

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	badger "github.com/dgraph-io/badger/v3"
	"github.com/scraperwall/banstore/data"
)

func collectDeltas(t *testing.T, s *Store) []Delta {
	t.Helper()

	ds, err := s.ScanDeltas(nil)
	if err != nil {
		t.Fatalf("failed to open delta scan: %v", err)
	}
	defer ds.Rollback()

	deltas := make([]Delta, 0)
	for ds.Next() {
		deltas = append(deltas, ds.Delta())
	}
	if err := ds.Err(); err != nil {
		t.Fatalf("delta scan failed: %v", err)
	}

	return deltas
}

func TestReconcileBanLifecycle(t *testing.T) {
	s := newTestStore(t)

	ip := mustIP(t, "10.0.0.1")

	// three failed logins at t=0,1,2
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementFailedLogin(ip, time.UnixMilli(int64(i)), 1, nil); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}

	// the policy engine decides to ban
	if n, err := s.ApplyBan(ip, time.UnixMilli(10), time.UnixMilli(20), time.UnixMilli(10), nil); err != nil || n != 1 {
		t.Fatalf("ApplyBan returned %d, %v", n, err)
	}

	deltas := collectDeltas(t, s)
	if len(deltas) != 1 {
		t.Fatalf("scan yields %d deltas but 1 is expected", len(deltas))
	}
	if !deltas[0].Added {
		t.Error("delta is a removal but an addition is expected")
	}
	if deltas[0].IP.String() != "10.0.0.1" {
		t.Errorf("delta address is %s but 10.0.0.1 is expected", deltas[0].IP)
	}

	// firewall applied the ban: commit the transition
	err := s.EnumerateDeltaAndUpdateState(true, time.UnixMilli(30), false, nil, nil)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}

	st, ok, err := s.GetState(ip, nil)
	if err != nil || !ok {
		t.Fatalf("failed to read state: %v", err)
	}
	if st != data.Active {
		t.Errorf("state is %s but active is expected", st)
	}

	// ban lifted
	if _, err := s.SetState([]net.IP{ip}, data.RemovePending, nil); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}

	deltas = collectDeltas(t, s)
	if len(deltas) != 1 || deltas[0].Added {
		t.Fatalf("deltas after unban: %+v, one removal is expected", deltas)
	}

	err = s.EnumerateDeltaAndUpdateState(true, time.UnixMilli(40), false, nil, nil)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}

	e, err := s.GetEntry(ip, nil)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if e != nil {
		t.Errorf("entry still present after a committed removal: %+v", e)
	}
}

func TestReconcileRollbackIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	now := time.UnixMilli(1000)
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		if _, err := s.ApplyBan(mustIP(t, addr), now, now.Add(time.Hour), now, nil); err != nil {
			t.Fatalf("ApplyBan failed: %v", err)
		}
	}

	// enumerate and decline the commit
	err := s.EnumerateDeltaAndUpdateState(false, now, false, func(d Delta) error { return nil }, nil)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}

	// the same deltas come back
	deltas := collectDeltas(t, s)
	if len(deltas) != 2 {
		t.Errorf("scan yields %d deltas after a rollback but 2 are expected", len(deltas))
	}
}

func TestReconcileCommitIsExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	now := time.UnixMilli(1000)
	for _, addr := range []string{"10.0.0.1", "10.0.0.2"} {
		if _, err := s.ApplyBan(mustIP(t, addr), now, now.Add(time.Hour), now, nil); err != nil {
			t.Fatalf("ApplyBan failed: %v", err)
		}
	}

	applied := 0
	err := s.EnumerateDeltaAndUpdateState(true, now, false, func(d Delta) error {
		applied++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if applied != 2 {
		t.Errorf("fn saw %d deltas but 2 are expected", applied)
	}

	if deltas := collectDeltas(t, s); len(deltas) != 0 {
		t.Errorf("scan yields %d deltas after a commit but 0 are expected", len(deltas))
	}
}

func TestReconcileFailedApplicationRollsBack(t *testing.T) {
	s := newTestStore(t)

	now := time.UnixMilli(1000)
	if _, err := s.ApplyBan(mustIP(t, "10.0.0.1"), now, now.Add(time.Hour), now, nil); err != nil {
		t.Fatalf("ApplyBan failed: %v", err)
	}

	boom := errors.New("firewall unreachable")
	err := s.EnumerateDeltaAndUpdateState(true, now, false, func(d Delta) error {
		return boom
	}, nil)
	if err != boom {
		t.Fatalf("reconciliation yields %v but the application error is expected", err)
	}

	st, ok, _ := s.GetState(mustIP(t, "10.0.0.1"), nil)
	if !ok || st != data.AddPending {
		t.Errorf("state is %s after a failed application but add-pending is expected", st)
	}
}

func TestReconcileDemotesTieredBans(t *testing.T) {
	for _, reset := range []bool{false, true} {
		s := newTestStore(t)

		ip := mustIP(t, "10.0.0.1")
		put(t, s, &data.Entry{
			IP:               ip,
			State:            data.RemovePendingBecomeFailedLogin,
			FailedLoginCount: 9,
			LastFailedLogin:  time.UnixMilli(500),
			BanStart:         time.UnixMilli(10),
			BanEnd:           time.UnixMilli(20),
		})

		now := time.UnixMilli(7777)
		err := s.EnumerateDeltaAndUpdateState(true, now, reset, func(d Delta) error {
			if d.Added {
				t.Error("demotion yields an addition but a removal is expected")
			}
			return nil
		}, nil)
		if err != nil {
			t.Fatalf("reconciliation failed: %v", err)
		}

		e, err := s.GetEntry(ip, nil)
		if err != nil || e == nil {
			t.Fatalf("demoted entry is gone: %v", err)
		}
		if e.State != data.FailedLogin {
			t.Errorf("state is %s but failed-login is expected", e.State)
		}
		if e.HasBanWindow() {
			t.Error("demoted entry still carries a ban window")
		}

		if reset {
			if e.FailedLoginCount != 0 {
				t.Errorf("count is %d but the reset value 0 is expected", e.FailedLoginCount)
			}
			if e.LastFailedLogin.UnixMilli() != 7777 {
				t.Errorf("last failed login is %d but 7777 is expected", e.LastFailedLogin.UnixMilli())
			}
		} else {
			if e.FailedLoginCount != 9 {
				t.Errorf("count is %d but the preserved value 9 is expected", e.FailedLoginCount)
			}
			if e.LastFailedLogin.UnixMilli() != 500 {
				t.Errorf("last failed login is %d but 500 is expected", e.LastFailedLogin.UnixMilli())
			}
		}
	}
}

func TestReconcileWithCallerScope(t *testing.T) {
	s := newTestStore(t)

	now := time.UnixMilli(1000)
	if _, err := s.ApplyBan(mustIP(t, "10.0.0.1"), now, now.Add(time.Hour), now, nil); err != nil {
		t.Fatalf("ApplyBan failed: %v", err)
	}

	// the caller batches reconciliation with its own work and keeps
	// control of the transaction
	scope := s.Begin()
	defer scope.Rollback()

	err := s.EnumerateDeltaAndUpdateState(true, now, false, nil, scope)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}

	// nothing is visible outside the scope yet
	st, _, _ := s.GetState(mustIP(t, "10.0.0.1"), nil)
	if st != data.AddPending {
		t.Errorf("state outside the scope is %s but add-pending is expected", st)
	}

	if err := scope.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	st, _, _ = s.GetState(mustIP(t, "10.0.0.1"), nil)
	if st != data.Active {
		t.Errorf("state after the caller's commit is %s but active is expected", st)
	}
}

func TestDeltaRollbackLeavesCallerScopeUsable(t *testing.T) {
	s := newTestStore(t)

	now := time.UnixMilli(1000)
	a := mustIP(t, "10.0.0.1")
	if _, err := s.ApplyBan(a, now, now.Add(time.Hour), now, nil); err != nil {
		t.Fatalf("ApplyBan failed: %v", err)
	}

	scope := s.Begin()
	defer scope.Rollback()

	ds, err := s.ScanDeltas(scope)
	if err != nil {
		t.Fatalf("failed to open delta scan: %v", err)
	}

	yielded := 0
	for ds.Next() {
		yielded++
	}
	if err := ds.Err(); err != nil {
		t.Fatalf("delta scan failed: %v", err)
	}
	if yielded != 1 {
		t.Fatalf("scan yields %d deltas but 1 is expected", yielded)
	}

	// abandoning the cursor must leave the caller's transaction alone
	ds.Rollback()

	b := mustIP(t, "10.0.0.2")
	if _, err := s.IncrementFailedLogin(b, now, 1, scope); err != nil {
		t.Fatalf("scope is unusable after the cursor's rollback: %v", err)
	}
	if err := scope.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// the pending delta survived, the batched write is visible
	if deltas := collectDeltas(t, s); len(deltas) != 1 {
		t.Errorf("scan yields %d deltas but 1 is expected", len(deltas))
	}
	e, err := s.GetEntry(b, nil)
	if err != nil || e == nil {
		t.Errorf("batched entry is missing: %v", err)
	}
}

func TestDeltaScanSurfacesDecodeErrors(t *testing.T) {
	s := newTestStore(t)

	now := time.UnixMilli(1000)
	if _, err := s.ApplyBan(mustIP(t, "10.0.0.1"), now, now.Add(time.Hour), now, nil); err != nil {
		t.Fatalf("ApplyBan failed: %v", err)
	}

	// plant a record no codec version can read
	err := s.update(nil, func(txn *badger.Txn) error {
		return txn.Set(entryKey(mustIP(t, "10.0.0.2")), []byte{9})
	})
	if err != nil {
		t.Fatalf("failed to plant record: %v", err)
	}

	ds, err := s.ScanDeltas(nil)
	if err != nil {
		t.Fatalf("failed to open delta scan: %v", err)
	}
	defer ds.Rollback()

	for ds.Next() {
	}
	if ds.Err() == nil {
		t.Error("scan over an unreadable record finishes without error")
	}

	// the failed scan must not have advanced any state
	ds.Rollback()
	st, ok, err := s.GetState(mustIP(t, "10.0.0.1"), nil)
	if err != nil || !ok {
		t.Fatalf("failed to read state: %v", err)
	}
	if st != data.AddPending {
		t.Errorf("state is %s after a failed scan but add-pending is expected", st)
	}
}

func TestReconcileManyAddresses(t *testing.T) {
	s := newTestStore(t)

	gofakeit.Seed(11)
	now := time.UnixMilli(1000)

	ips := make(map[string]bool)
	for len(ips) < 100 {
		ips[gofakeit.IPv4Address()] = true
	}

	for addr := range ips {
		if _, err := s.ApplyBan(mustIP(t, addr), now, now.Add(time.Hour), now, nil); err != nil {
			t.Fatalf("ApplyBan %s failed: %v", addr, err)
		}
	}

	seen := make(map[string]bool)
	var last net.IP
	err := s.EnumerateDeltaAndUpdateState(true, now, false, func(d Delta) error {
		if !d.Added {
			return fmt.Errorf("%s is a removal but an addition is expected", d.IP)
		}
		if last != nil && string(last) >= string(d.IP) {
			return fmt.Errorf("%s yielded after %s, address order is expected", d.IP, last)
		}
		last = d.IP
		seen[d.IP.String()] = true
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}

	if len(seen) != len(ips) {
		t.Errorf("reconciliation saw %d addresses but %d are expected", len(seen), len(ips))
	}

	active, err := s.Count(func(e *data.Entry) bool { return e.State == data.Active }, nil)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if active != len(ips) {
		t.Errorf("%d entries are active but %d are expected", active, len(ips))
	}
}
