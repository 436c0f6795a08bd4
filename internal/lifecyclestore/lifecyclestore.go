// Package lifecyclestore owns the positions and order_tracker tables. It is
// the only component allowed to mutate a Position row;
// everything else — entry engine, lifecycle manager, pyramid and hedge
// managers, watchdog — goes through its methods.
//
// State transitions within one position must be serialized (single writer
// per position id). WithLock gives every caller that guarantee without each
// subsystem re-inventing its own locking.
package lifecyclestore

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ashgrove/signalbridge/internal/model"
)

// Store is the single-file, WAL-mode transactional database for positions.
type Store struct {
	db *gorm.DB

	locksMu sync.Mutex
	locks   map[uint64]*sync.Mutex
}

func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.Position{}, &model.OrderTracker{}); err != nil {
		return nil, err
	}
	return &Store{db: db, locks: make(map[uint64]*sync.Mutex)}, nil
}

// WithLock serializes all mutation of one position id across every caller
// in the process. fn receives the
// freshest row and returns the row to persist, or an error to abort without
// writing.
func (s *Store) WithLock(positionID uint64, fn func(pos *model.Position) (*model.Position, error)) error {
	lock := s.lockFor(positionID)
	lock.Lock()
	defer lock.Unlock()

	var pos model.Position
	if err := s.db.First(&pos, "position_id = ?", positionID).Error; err != nil {
		return err
	}
	updated, err := fn(&pos)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	updated.UpdatedAt = time.Now()
	return s.db.Save(updated).Error
}

func (s *Store) lockFor(positionID uint64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[positionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[positionID] = l
	}
	return l
}

// Create inserts a brand new position in the state the caller set and
// registers its lock.
func (s *Store) Create(pos *model.Position) error {
	now := time.Now()
	pos.CreatedAt = now
	pos.UpdatedAt = now
	if err := s.db.Create(pos).Error; err != nil {
		return err
	}
	s.lockFor(pos.PositionID)
	return nil
}

func (s *Store) Get(positionID uint64) (*model.Position, error) {
	var pos model.Position
	err := s.db.First(&pos, "position_id = ?", positionID).Error
	return &pos, err
}

func (s *Store) ByState(states ...model.PositionState) ([]model.Position, error) {
	var positions []model.Position
	err := s.db.Where("state IN ?", states).Find(&positions).Error
	return positions, err
}

// ActiveCount backs the watchdog's capacity predicate: positions not yet
// terminal.
func (s *Store) ActiveCount() (int64, error) {
	var count int64
	err := s.db.Model(&model.Position{}).
		Where("state NOT IN ?", []model.PositionState{model.Closed, model.Cancelled, model.Failed}).
		Count(&count).Error
	return count, err
}

// BySignal finds positions originating from a given signal — used by hedge
// re-entry to check whether the signal still has live coverage.
func (s *Store) BySignal(signalID uint64) ([]model.Position, error) {
	var positions []model.Position
	err := s.db.Where("signal_id = ?", signalID).Find(&positions).Error
	return positions, err
}

// Earliest returns the first position ever opened for a signal — the row
// that carries the re-entry counter across re-entry cycles.
func (s *Store) Earliest(signalID uint64) (*model.Position, error) {
	var pos model.Position
	err := s.db.Where("signal_id = ?", signalID).Order("position_id ASC").First(&pos).Error
	return &pos, err
}

// FindPrimaryByHedge returns the primary position that opened hedgePositionID
// as its hedge, used to treat a hedge TP fill as a primary SL event.
func (s *Store) FindPrimaryByHedge(hedgePositionID uint64) (*model.Position, error) {
	var pos model.Position
	err := s.db.Where("hedge_position_id = ?", hedgePositionID).First(&pos).Error
	return &pos, err
}

// Order tracker operations, backing the maintenance sweeps.

func (s *Store) TrackOrder(order *model.OrderTracker) error {
	order.PlacedAt = time.Now()
	order.Active = true
	return s.db.Create(order).Error
}

func (s *Store) MarkOrderFilled(orderID string, at time.Time) error {
	return s.db.Model(&model.OrderTracker{}).
		Where("order_id = ? AND first_fill_at IS NULL", orderID).
		Update("first_fill_at", at).Error
}

func (s *Store) DeactivateOrder(orderID string) error {
	return s.db.Model(&model.OrderTracker{}).
		Where("order_id = ?", orderID).
		Update("active", false).Error
}

// StaleUnfilled returns active, never-filled orders older than age.
func (s *Store) StaleUnfilled(age time.Duration, now time.Time) ([]model.OrderTracker, error) {
	var orders []model.OrderTracker
	err := s.db.Where("active = ? AND first_fill_at IS NULL AND placed_at < ?", true, now.Add(-age)).Find(&orders).Error
	return orders, err
}

func (s *Store) ActiveOrders() ([]model.OrderTracker, error) {
	var orders []model.OrderTracker
	err := s.db.Where("active = ?", true).Find(&orders).Error
	return orders, err
}

var ErrNotFound = gorm.ErrRecordNotFound

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
