// Package store provides crash-safe persistence for trading state using
// JSON files.
//
// Three files live under the data directory: positions.json (a map of
// coin to open position), transactions.jsonl (the append-only trade
// log), and daily_counters.json (per-day limit counters). Snapshot
// writes use atomic file replacement — write to .tmp, fsync, then
// rename — so a crash mid-save never leaves a partial file behind. A
// file that fails to parse on load is quarantined with a .corrupt
// suffix and the store starts empty for that file; trading resumes
// rather than crash-looping on bad state.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"bithumb-trader/internal/strategy"
	"bithumb-trader/pkg/types"
)

const (
	positionsFile = "positions.json"
	countersFile  = "daily_counters.json"
	txnFile       = "transactions.jsonl"
	heartbeatFile = "heartbeat.json"
)

// Store persists bot state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file
// corruption.
type Store struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates a store backed by the given directory.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "store")}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// SavePositions atomically persists the full position map. The map key
// carries the coin, so Position.Coin is not serialized.
func (s *Store) SavePositions(positions map[types.Coin]*strategy.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(positions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	return s.writeAtomic(positionsFile, data)
}

// LoadPositions restores the position map from disk. A missing file
// means no open positions; an unreadable file is quarantined and an
// empty map is returned so the bot can keep running.
func (s *Store) LoadPositions() (map[types.Coin]*strategy.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, positionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[types.Coin]*strategy.Position{}, nil
		}
		return nil, fmt.Errorf("read positions: %w", err)
	}

	positions := map[types.Coin]*strategy.Position{}
	if err := json.Unmarshal(data, &positions); err != nil {
		s.quarantine(path, err)
		return map[types.Coin]*strategy.Position{}, nil
	}
	for coin, pos := range positions {
		pos.Coin = coin
	}
	return positions, nil
}

// ————————————————————————————————————————————————————————————————————————
// Transaction log
// ————————————————————————————————————————————————————————————————————————

// AppendTransaction appends one record to transactions.jsonl and syncs
// it to disk. Records are never rewritten; the log is the audit trail
// every fill must reach before a notification goes out.
func (s *Store) AppendTransaction(txn types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(txn)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	path := filepath.Join(s.dir, txnFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open transaction log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync transaction log: %w", err)
	}
	return nil
}

// LoadTransactions reads the whole trade log. Lines that fail to parse
// are skipped with a warning instead of poisoning the rest of the log.
func (s *Store) LoadTransactions() ([]types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, txnFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	defer f.Close()

	var txns []types.Transaction
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var txn types.Transaction
		if err := json.Unmarshal(scanner.Bytes(), &txn); err != nil {
			s.logger.Warn("skipping unreadable transaction line",
				"line", line, "error", err)
			continue
		}
		txns = append(txns, txn)
	}
	if err := scanner.Err(); err != nil {
		return txns, fmt.Errorf("scan transaction log: %w", err)
	}
	return txns, nil
}

// ————————————————————————————————————————————————————————————————————————
// Daily counters
// ————————————————————————————————————————————————————————————————————————

// SaveCounters atomically persists the day's counters.
func (s *Store) SaveCounters(c types.DailyCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal counters: %w", err)
	}
	return s.writeAtomic(countersFile, data)
}

// LoadCounters restores the day's counters. Missing or corrupt files
// yield zero counters; the caller compares Date against today and
// triggers a rollover if they differ.
func (s *Store) LoadCounters() (types.DailyCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, countersFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.DailyCounters{}, nil
		}
		return types.DailyCounters{}, fmt.Errorf("read counters: %w", err)
	}

	var c types.DailyCounters
	if err := json.Unmarshal(data, &c); err != nil {
		s.quarantine(path, err)
		return types.DailyCounters{}, nil
	}
	return c, nil
}

// ArchiveCounters snapshots the finished day's counters to a dated file
// (daily_counters-YYYY-MM-DD.json) so history survives the midnight
// reset. Archiving an empty day is a no-op.
func (s *Store) ArchiveCounters(c types.DailyCounters) error {
	if c.Date == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal counters archive: %w", err)
	}
	name := fmt.Sprintf("daily_counters-%s.json", c.Date)
	return s.writeAtomic(name, data)
}

// ————————————————————————————————————————————————————————————————————————
// Heartbeat
// ————————————————————————————————————————————————————————————————————————

// SaveHeartbeat atomically writes the liveness beacon external
// supervisors watch.
func (s *Store) SaveHeartbeat(hb types.Heartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	return s.writeAtomic(heartbeatFile, data)
}

// LoadHeartbeat reads the last heartbeat. A missing file returns a zero
// heartbeat, which any freshness check treats as stale.
func (s *Store) LoadHeartbeat() (types.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, heartbeatFile))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Heartbeat{}, nil
		}
		return types.Heartbeat{}, fmt.Errorf("read heartbeat: %w", err)
	}
	var hb types.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return types.Heartbeat{}, fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	return hb, nil
}

// ————————————————————————————————————————————————————————————————————————
// Internals
// ————————————————————————————————————————————————————————————————————————

// writeAtomic writes data to name via a temp file in the same directory,
// fsyncs it, then renames over the target. Callers hold s.mu.
func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// quarantine moves an unreadable file aside so the next save starts
// fresh while the broken original stays available for inspection.
func (s *Store) quarantine(path string, cause error) {
	dst := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, dst); err != nil {
		s.logger.Error("failed to quarantine corrupt file",
			"path", path, "error", err)
		return
	}
	s.logger.Warn("quarantined corrupt state file, starting empty",
		"path", path, "moved_to", dst, "error", cause)
}
