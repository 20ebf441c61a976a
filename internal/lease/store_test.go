package lease

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestSelectUnknown(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Select(mustMAC(t, "00:11:22:33:44:55"))
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if rec != nil {
		t.Errorf("Select of unknown mac = %+v, want nil", rec)
	}
}

func TestInsertThenSelect(t *testing.T) {
	store := newTestStore(t)
	mac := mustMAC(t, "00:11:22:33:44:55")
	ip := net.IPv4(10, 0, 0, 6)

	err := store.Update(func(tx *Tx) error {
		return tx.Insert(mac, ip)
	})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	rec, err := store.Select(mac)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if rec == nil {
		t.Fatal("Select returned nil after Insert")
	}
	if !rec.IP.Equal(ip) {
		t.Errorf("IP = %s, want %s", rec.IP, ip)
	}
	if !rec.Active() {
		t.Error("inserted record should be active")
	}
	if rec.MAC.String() != mac.String() {
		t.Errorf("MAC = %s, want %s", rec.MAC, mac)
	}
	if rec.Updated.IsZero() {
		t.Error("Updated timestamp not set")
	}
}

func TestInsertRejectsSecondActive(t *testing.T) {
	store := newTestStore(t)
	mac := mustMAC(t, "00:11:22:33:44:55")

	if err := store.Update(func(tx *Tx) error { return tx.Insert(mac, net.IPv4(10, 0, 0, 2)) }); err != nil {
		t.Fatal(err)
	}
	err := store.Update(func(tx *Tx) error { return tx.Insert(mac, net.IPv4(10, 0, 0, 3)) })
	if !errors.Is(err, ErrActiveLease) {
		t.Errorf("second Insert error = %v, want ErrActiveLease", err)
	}
}

func TestInsertReusesReleasedRow(t *testing.T) {
	store := newTestStore(t)
	mac := mustMAC(t, "00:11:22:33:44:55")

	err := store.Update(func(tx *Tx) error {
		if err := tx.Insert(mac, net.IPv4(10, 0, 0, 2)); err != nil {
			return err
		}
		return tx.Update(mac, net.IPv4(10, 0, 0, 2), true)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Update(func(tx *Tx) error { return tx.Insert(mac, net.IPv4(10, 0, 0, 3)) }); err != nil {
		t.Fatalf("Insert over released row: %v", err)
	}
	rec, _ := store.Select(mac)
	if !rec.IP.Equal(net.IPv4(10, 0, 0, 3)) || !rec.Active() {
		t.Errorf("record = %+v, want active 10.0.0.3", rec)
	}
}

func TestNoDoubleAllocation(t *testing.T) {
	store := newTestStore(t)
	a := mustMAC(t, "00:00:00:00:00:0a")
	b := mustMAC(t, "00:00:00:00:00:0b")
	ip := net.IPv4(10, 0, 0, 4)

	if err := store.Update(func(tx *Tx) error { return tx.Insert(a, ip) }); err != nil {
		t.Fatal(err)
	}
	err := store.Update(func(tx *Tx) error { return tx.Insert(b, ip) })
	if !errors.Is(err, ErrAddressLeased) {
		t.Fatalf("Insert of leased address error = %v, want ErrAddressLeased", err)
	}

	// Once a releases it, b may take it.
	if err := store.Update(func(tx *Tx) error { return tx.Update(a, ip, true) }); err != nil {
		t.Fatal(err)
	}
	if err := store.Update(func(tx *Tx) error { return tx.Insert(b, ip) }); err != nil {
		t.Errorf("Insert after release: %v", err)
	}
}

func TestUpdateNotFound(t *testing.T) {
	store := newTestStore(t)
	err := store.Update(func(tx *Tx) error {
		return tx.Update(mustMAC(t, "00:11:22:33:44:55"), net.IPv4(10, 0, 0, 2), false)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Update error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	mac := mustMAC(t, "00:11:22:33:44:55")
	boom := errors.New("boom")

	err := store.Update(func(tx *Tx) error {
		if err := tx.Insert(mac, net.IPv4(10, 0, 0, 2)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	rec, err := store.Select(mac)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("record survived rollback: %+v", rec)
	}
}

func TestTxSelectSeesOwnWrites(t *testing.T) {
	store := newTestStore(t)
	mac := mustMAC(t, "00:11:22:33:44:55")

	err := store.Update(func(tx *Tx) error {
		if err := tx.Insert(mac, net.IPv4(10, 0, 0, 2)); err != nil {
			return err
		}
		rec, err := tx.Select(mac)
		if err != nil {
			return err
		}
		if rec == nil || !rec.IP.Equal(net.IPv4(10, 0, 0, 2)) {
			t.Errorf("Tx.Select inside tx = %+v", rec)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestForEachAndActiveCount(t *testing.T) {
	store := newTestStore(t)
	a := mustMAC(t, "00:00:00:00:00:0a")
	b := mustMAC(t, "00:00:00:00:00:0b")

	err := store.Update(func(tx *Tx) error {
		if err := tx.Insert(a, net.IPv4(10, 0, 0, 2)); err != nil {
			return err
		}
		if err := tx.Insert(b, net.IPv4(10, 0, 0, 3)); err != nil {
			return err
		}
		return tx.Update(b, net.IPv4(10, 0, 0, 3), true)
	})
	if err != nil {
		t.Fatal(err)
	}

	var all, released int
	err = store.ForEach(func(r Record) error {
		all++
		if r.Released {
			released++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if all != 2 || released != 1 {
		t.Errorf("ForEach saw %d records (%d released), want 2 (1)", all, released)
	}

	n, err := store.ActiveCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("ActiveCount() = %d, want 1", n)
	}
	if got := testutil.ToFloat64(metrics.LeasesActive); got != 1 {
		t.Errorf("LeasesActive gauge = %v, want 1", got)
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.db")
	mac := mustMAC(t, "00:11:22:33:44:55")

	store1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store1.Update(func(tx *Tx) error { return tx.Insert(mac, net.IPv4(10, 0, 0, 9)) }); err != nil {
		t.Fatal(err)
	}
	store1.Close()

	store2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	rec, err := store2.Select(mac)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || !rec.IP.Equal(net.IPv4(10, 0, 0, 9)) {
		t.Errorf("reopened record = %+v, want 10.0.0.9", rec)
	}
}
