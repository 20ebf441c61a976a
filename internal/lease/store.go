package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
)

// BoltDB bucket names.
var (
	bucketLeases  = []byte("leases")   // MAC → JSON Record
	bucketIndexIP = []byte("index_ip") // IP → MAC, active records only
)

// Store errors.
var (
	ErrNotFound      = errors.New("lease not found")
	ErrActiveLease   = errors.New("hardware address already holds an active lease")
	ErrAddressLeased = errors.New("address is actively leased to another hardware address")
)

// Store is the file-backed lease table. All access, reads included, is
// serialized through one mutex so no two transactions overlap.
type Store struct {
	db *bolt.DB
	mu sync.Mutex
}

// Open opens or creates the lease database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening lease database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketLeases, bucketIndexIP} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("creating bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database buckets: %w", err)
	}

	s := &Store{db: db}
	if n, err := s.ActiveCount(); err == nil {
		metrics.LeasesActive.Set(float64(n))
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Select returns the record for mac, or nil if there is none.
func (s *Store) Select(mac net.HardwareAddr) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *Record
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		rec, err = (&Tx{tx: btx}).Select(mac)
		return err
	})
	return rec, err
}

// Update runs fn inside one read-write transaction. The transaction commits,
// and is fsynced, only if fn returns nil; otherwise it is rolled back.
// fn must not call back into the Store.
func (s *Store) Update(fn func(*Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active int
	err := s.db.Update(func(btx *bolt.Tx) error {
		if err := fn(&Tx{tx: btx, now: time.Now()}); err != nil {
			return err
		}
		active = countKeys(btx.Bucket(bucketIndexIP))
		return nil
	})
	if err != nil {
		return err
	}

	metrics.LeasesActive.Set(float64(active))
	return nil
}

// ForEach calls fn for every record, active and released.
func (s *Store) ForEach(fn func(Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshalling lease %s: %w", k, err)
			}
			return fn(rec)
		})
	})
}

// ActiveCount returns the number of active records.
func (s *Store) ActiveCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.View(func(btx *bolt.Tx) error {
		n = countKeys(btx.Bucket(bucketIndexIP))
		return nil
	})
	return n, err
}

// countKeys walks b with a cursor; Bucket.Stats does not see uncommitted writes.
func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

// Tx is a lease transaction. It is valid only inside the function passed
// to Store.Update.
type Tx struct {
	tx  *bolt.Tx
	now time.Time
}

// Select returns the record for mac, or nil if there is none.
func (t *Tx) Select(mac net.HardwareAddr) (*Record, error) {
	v := t.tx.Bucket(bucketLeases).Get([]byte(mac.String()))
	if v == nil {
		return nil, nil
	}
	rec := &Record{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("unmarshalling lease for %s: %w", mac, err)
	}
	return rec, nil
}

// Insert creates an active record binding mac to ip. A released record for
// mac is reused.
func (t *Tx) Insert(mac net.HardwareAddr, ip net.IP) error {
	prev, err := t.Select(mac)
	if err != nil {
		return err
	}
	if prev != nil && prev.Active() {
		return fmt.Errorf("inserting lease for %s: %w", mac, ErrActiveLease)
	}
	return t.put(prev, &Record{MAC: mac, IP: ip.To4(), Updated: t.now})
}

// Update modifies the address and released flag of the existing record.
func (t *Tx) Update(mac net.HardwareAddr, ip net.IP, released bool) error {
	prev, err := t.Select(mac)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("updating lease for %s: %w", mac, ErrNotFound)
	}
	return t.put(prev, &Record{MAC: mac, IP: ip.To4(), Released: released, Updated: t.now})
}

// put writes rec and keeps the IP index in step with it.
func (t *Tx) put(prev, rec *Record) error {
	if rec.IP == nil {
		return fmt.Errorf("writing lease for %s: not an IPv4 address", rec.MAC)
	}
	index := t.tx.Bucket(bucketIndexIP)
	macKey := []byte(rec.MAC.String())

	if prev != nil && prev.Active() {
		ipKey := []byte(prev.IP.String())
		if owner := index.Get(ipKey); owner != nil && string(owner) == string(macKey) {
			if err := index.Delete(ipKey); err != nil {
				return fmt.Errorf("updating IP index for %s: %w", prev.IP, err)
			}
		}
	}

	if rec.Active() {
		ipKey := []byte(rec.IP.String())
		if owner := index.Get(ipKey); owner != nil && string(owner) != string(macKey) {
			return fmt.Errorf("binding %s to %s: %w", rec.IP, rec.MAC, ErrAddressLeased)
		}
		if err := index.Put(ipKey, macKey); err != nil {
			return fmt.Errorf("updating IP index for %s: %w", rec.IP, err)
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling lease for %s: %w", rec.MAC, err)
	}
	if err := t.tx.Bucket(bucketLeases).Put(macKey, data); err != nil {
		return fmt.Errorf("writing lease for %s: %w", rec.MAC, err)
	}
	return nil
}
