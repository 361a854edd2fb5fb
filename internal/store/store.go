package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Bus configuration
	SaveBus(cfg *BusConfig) error
	GetBus(bus int) (*BusConfig, error)
	DeleteBus(bus int) error
	ListBuses() ([]*BusConfig, error)

	// UpdateBus atomically reads, modifies, and saves a bus configuration in
	// a single transaction. Returns ErrNotFound if the bus does not exist.
	UpdateBus(bus int, fn func(cfg *BusConfig) error) error

	// Controller metadata
	SaveController(c *Controller) error
	GetController() (*Controller, error)

	// Close the store
	Close() error
}
