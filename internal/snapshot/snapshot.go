// Package snapshot implements durable per-task engine-context
// persistence: atomic tmp-then-rename writes, bounded retention, and
// restore-time validation against a redundant denormalized order
// record. Files are encoded with msgpack, which round-trips
// float64/int64 without JSON's lossy-number ambiguity.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"arbitrage/internal/models"
)

const filePrefix = "snap-"
const fileSuffix = ".json"
const tmpSuffix = ".tmp"

// orderRecord is the redundant, denormalized view of one active order
// kept alongside the main context so restore can validate even if the
// EngineContext shape changes later.
type orderRecord struct {
	Role            models.Role
	OrderID         string
	Symbol          string
	Side            models.Side
	Quantity        float64
	FilledQty       float64
	Price           float64
	Status          models.OrderStatus
	CreatedAtMillis int64
}

// fileFormat is the full on-disk shape of one snap-*.json file.
type fileFormat struct {
	TaskID           string
	WrittenAtMillis  int64
	Context          *models.EngineContext
	Orders           []orderRecord
	PositionChecksum float64
}

// Store implements internal/engine.SnapshotStore.
type Store struct {
	root   string
	retain int
	logger *zap.Logger
}

// New builds a Store rooted at dir, retaining the most recent retain
// snapshots per task (default 10 if retain <= 0).
func New(dir string, retain int, logger *zap.Logger) *Store {
	if retain <= 0 {
		retain = 10
	}
	return &Store{root: dir, retain: retain, logger: logger}
}

func taskID(symbol models.Symbol) string {
	return symbol.Base + "_" + symbol.Quote
}

func (s *Store) taskDir(symbol models.Symbol) string {
	return filepath.Join(s.root, taskID(symbol))
}

// Save writes ctx atomically: encode to <task>/snap-<ts>.tmp, fsync,
// rename to <task>/snap-<ts>.json, then sweep old files beyond
// retention. Never called with the engine's own lock held (the caller
// hands over a Clone).
func (s *Store) Save(ctx context.Context, snap *models.EngineContext) error {
	dir := s.taskDir(snap.Symbol)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}

	ff := toFileFormat(snap)
	payload, err := msgpack.Marshal(ff)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	nowMillis := ff.WrittenAtMillis
	tmpPath := filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, nowMillis, tmpSuffix))
	finalPath := filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, nowMillis, fileSuffix))

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("snapshot: open tmp: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close tmp: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}

	s.sweep(dir)
	return nil
}

// Load returns the newest snapshot that passes validation, trying
// progressively older files if a file is corrupt or fails validation.
// The latest valid snapshot wins.
func (s *Store) Load(ctx context.Context, symbol models.Symbol) (*models.EngineContext, bool, error) {
	dir := s.taskDir(symbol)
	files, err := listSnapshots(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("snapshot: list %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, false, nil
	}

	want := taskID(symbol)
	for i := len(files) - 1; i >= 0; i-- {
		path := filepath.Join(dir, files[i])
		raw, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("snapshot: read failed, trying older file", zap.String("path", path), zap.Error(err))
			continue
		}
		var ff fileFormat
		if err := msgpack.Unmarshal(raw, &ff); err != nil {
			s.logger.Warn("snapshot: decode failed, trying older file", zap.String("path", path), zap.Error(err))
			continue
		}
		if !valid(ff, want) {
			s.logger.Warn("snapshot: validation failed, trying older file", zap.String("path", path))
			continue
		}
		return ff.Context, true, nil
	}
	return nil, false, fmt.Errorf("snapshot: no valid snapshot found for task %s among %d files", want, len(files))
}

// valid checks the three restore preconditions: order count matches,
// position checksum matches, task id matches.
func valid(ff fileFormat, wantTaskID string) bool {
	if ff.TaskID != wantTaskID {
		return false
	}
	if ff.Context == nil {
		return false
	}
	if len(ff.Orders) != len(ff.Context.ActiveOrders) {
		return false
	}
	if ff.PositionChecksum != ff.Context.PositionChecksum() {
		return false
	}
	return true
}

func toFileFormat(snap *models.EngineContext) fileFormat {
	orders := make([]orderRecord, 0, len(snap.ActiveOrders))
	for key, o := range snap.ActiveOrders {
		orders = append(orders, orderRecord{
			Role: key.Role, OrderID: key.OrderID, Symbol: o.Symbol.String(),
			Side: o.Side, Quantity: o.RequestedQty, FilledQty: o.FilledQty,
			Price: o.Price, Status: o.Status, CreatedAtMillis: o.CreatedAtMillis,
		})
	}
	return fileFormat{
		TaskID:           taskID(snap.Symbol),
		WrittenAtMillis:  time.Now().UnixMilli(),
		Context:          snap,
		Orders:           orders,
		PositionChecksum: snap.PositionChecksum(),
	}
}

// sweep deletes all but the retain newest snapshot files in dir.
func (s *Store) sweep(dir string) {
	files, err := listSnapshots(dir)
	if err != nil {
		s.logger.Warn("snapshot: sweep: list failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	if len(files) <= s.retain {
		return
	}
	for _, name := range files[:len(files)-s.retain] {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("snapshot: sweep: remove failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// listSnapshots returns the *.json snapshot filenames in dir, sorted
// oldest first by their embedded millisecond timestamp.
func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type stamped struct {
		name string
		ts   int64
	}
	var found []stamped
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		found = append(found, stamped{name: name, ts: ts})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].ts < found[j].ts })
	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}
