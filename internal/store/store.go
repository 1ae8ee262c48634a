// Package store provides crash-safe persistence for runtime state using
// JSON files.
//
// Two things survive restarts:
//
//   - the exchangeInfo document, so a startup during a venue outage can
//     fall back to cached precision rules (up to 24 hours old);
//
//   - the protective-order map, so the position manager can re-associate
//     stop-loss and take-profit orders with tracked positions instead of
//     treating them as strays.
//
// Writes use atomic file replacement (write to .tmp, then rename) to
// prevent corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"aster-hunter/pkg/types"
)

const (
	exchangeInfoFile = "exchange_info.json"
	protectionFile   = "protective_orders.json"

	// Cached exchangeInfo older than this is refused; stale tick sizes
	// produce rejected orders.
	exchangeInfoMaxAge = 24 * time.Hour
)

// Store persists runtime state to JSON files in one directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// cachedExchangeInfo wraps the document with its fetch time.
type cachedExchangeInfo struct {
	FetchedAt time.Time          `json:"fetched_at"`
	Info      types.ExchangeInfo `json:"info"`
}

// SaveExchangeInfo caches the exchangeInfo document.
func (s *Store) SaveExchangeInfo(info *types.ExchangeInfo) error {
	return s.write(exchangeInfoFile, cachedExchangeInfo{
		FetchedAt: time.Now(),
		Info:      *info,
	})
}

// LoadExchangeInfo returns the cached document, or nil when absent or
// older than 24 hours.
func (s *Store) LoadExchangeInfo() (*types.ExchangeInfo, error) {
	var cached cachedExchangeInfo
	ok, err := s.read(exchangeInfoFile, &cached)
	if err != nil || !ok {
		return nil, err
	}
	if time.Since(cached.FetchedAt) > exchangeInfoMaxAge {
		return nil, nil
	}
	return &cached.Info, nil
}

// ProtectiveOrders maps a position key (symbol_DIRECTION_TAG) to its
// stop-loss and take-profit order ids.
type ProtectiveOrders map[string]ProtectionRecord

// ProtectionRecord is the persisted SL/TP pair for one position.
type ProtectionRecord struct {
	Symbol       string             `json:"symbol"`
	PositionSide types.PositionSide `json:"position_side"`
	SLOrderID    int64              `json:"sl_order_id,omitempty"`
	TPOrderID    int64              `json:"tp_order_id,omitempty"`
	EntryPrice   float64            `json:"entry_price"`
	SavedAt      time.Time          `json:"saved_at"`
}

// SaveProtectiveOrders atomically persists the full protection map.
func (s *Store) SaveProtectiveOrders(orders ProtectiveOrders) error {
	return s.write(protectionFile, orders)
}

// LoadProtectiveOrders restores the protection map. Returns an empty map
// when no state was saved.
func (s *Store) LoadProtectiveOrders() (ProtectiveOrders, error) {
	orders := make(ProtectiveOrders)
	if _, err := s.read(protectionFile, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) write(name string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// read unmarshals a file into v. Returns false with no error when the
// file does not exist.
func (s *Store) read(name string, v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
