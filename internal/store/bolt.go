package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBuses      = []byte("buses")
	bucketController = []byte("controller")
	keyController    = []byte("info")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBuses, bucketController} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func busKey(bus int) []byte {
	return []byte(strconv.Itoa(bus))
}

func (s *BoltStore) SaveBus(cfg *BusConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuses)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBuses)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put(busKey(cfg.Bus), data)
	})
}

func (s *BoltStore) GetBus(bus int) (*BusConfig, error) {
	var cfg BusConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuses)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBuses)
		}
		data := b.Get(busKey(bus))
		if data == nil {
			return fmt.Errorf("bus %d: %w", bus, ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) DeleteBus(bus int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuses)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBuses)
		}
		return b.Delete(busKey(bus))
	})
}

func (s *BoltStore) ListBuses() ([]*BusConfig, error) {
	var buses []*BusConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuses)
		if b == nil {
			return nil // no bucket = no buses
		}
		buses = make([]*BusConfig, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var cfg BusConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			buses = append(buses, &cfg)
			return nil
		})
	})
	return buses, err
}

// UpdateBus runs the read-modify-write inside one transaction so concurrent
// commissioning and grouping commands cannot interleave their saves.
func (s *BoltStore) UpdateBus(bus int, fn func(cfg *BusConfig) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuses)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketBuses)
		}
		data := b.Get(busKey(bus))
		if data == nil {
			return fmt.Errorf("bus %d: %w", bus, ErrNotFound)
		}
		var cfg BusConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return err
		}
		if err := fn(&cfg); err != nil {
			return err
		}
		out, err := json.Marshal(&cfg)
		if err != nil {
			return err
		}
		return b.Put(busKey(bus), out)
	})
}

func (s *BoltStore) SaveController(c *Controller) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put(keyController, data)
	})
}

func (s *BoltStore) GetController() (*Controller, error) {
	var c Controller
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketController)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketController)
		}
		data := b.Get(keyController)
		if data == nil {
			return fmt.Errorf("controller: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
