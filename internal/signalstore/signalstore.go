// Package signalstore owns the signals table: a persistent queue with
// dedup-once semantics. Nothing outside this package mutates a Signal row
// directly — callers go through Store's methods, which serialize writes
// internally.
package signalstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ashgrove/signalbridge/internal/model"
)

var ErrDuplicate = errors.New("signalstore: duplicate (channel, message_id)")

// Store is the single-file, WAL-mode transactional database for signals.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the signal store at path, WAL journal mode
// requested in the DSN.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.Signal{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Insert persists a newly-detected signal. Returns ErrDuplicate if the
// (channel, message_id) key already exists — the caller emits `duplicate`
// telemetry and stops.
func (s *Store) Insert(sig *model.Signal) error {
	sig.CreatedAt = time.Now()
	sig.UpdatedAt = sig.CreatedAt
	err := s.db.Create(sig).Error
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// HasRecentHash reports whether a row with the given normalized-text hash
// was received within ttl of now — the cross-message-id duplicate path.
func (s *Store) HasRecentHash(hash string, ttl time.Duration, now time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&model.Signal{}).
		Where("normalized_hash = ? AND received_at > ?", hash, now.Add(-ttl)).
		Count(&count).Error
	return count > 0, err
}

// ClaimNew atomically transitions one NEW signal to CLAIMED and returns it.
// Returns (nil, nil) if there is no NEW signal to claim. The single UPDATE
// with a status-guarded WHERE clause is what makes the claim atomic across
// concurrent entry-engine workers — no row is ever claimed twice.
func (s *Store) ClaimNew() (*model.Signal, error) {
	var claimed *model.Signal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var sig model.Signal
		err := tx.Where("status = ?", model.SignalNew).
			Order("signal_id ASC").
			Limit(1).
			First(&sig).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		res := tx.Model(&model.Signal{}).
			Where("signal_id = ? AND status = ?", sig.SignalID, model.SignalNew).
			Updates(map[string]interface{}{"status": model.SignalClaimed, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker claimed it between our read and our update.
			return nil
		}
		sig.Status = model.SignalClaimed
		claimed = &sig
		return nil
	})
	return claimed, err
}

// RevertClaimed moves a claimed-but-unplaced signal back to NEW, the clean
// shutdown path.
func (s *Store) RevertClaimed(signalID uint64) error {
	return s.db.Model(&model.Signal{}).
		Where("signal_id = ? AND status = ?", signalID, model.SignalClaimed).
		Updates(map[string]interface{}{"status": model.SignalNew, "updated_at": time.Now()}).Error
}

// SetType records the SWING/DYNAMIC/FAST classification decided during
// sizing against the claimed signal row.
func (s *Store) SetType(signalID uint64, sigType model.SignalType) error {
	return s.db.Model(&model.Signal{}).
		Where("signal_id = ?", signalID).
		Update("signal_type", sigType).Error
}

// Reject marks a signal REJECTED with a reason.
func (s *Store) Reject(signalID uint64, reason string) error {
	return s.db.Model(&model.Signal{}).
		Where("signal_id = ?", signalID).
		Updates(map[string]interface{}{"status": model.SignalRejected, "reject_reason": reason, "updated_at": time.Now()}).Error
}

// Expire marks a signal EXPIRED (no fills accumulated before timeout).
func (s *Store) Expire(signalID uint64) error {
	return s.db.Model(&model.Signal{}).
		Where("signal_id = ?", signalID).
		Updates(map[string]interface{}{"status": model.SignalExpired, "updated_at": time.Now()}).Error
}

// Get fetches a signal by id.
func (s *Store) Get(signalID uint64) (*model.Signal, error) {
	var sig model.Signal
	err := s.db.First(&sig, "signal_id = ?", signalID).Error
	return &sig, err
}

// CountNew returns how many signals are sitting unclaimed — surfaced by the
// operator /status command.
func (s *Store) CountNew() (int64, error) {
	var count int64
	err := s.db.Model(&model.Signal{}).Where("status = ?", model.SignalNew).Count(&count).Error
	return count, err
}

// StaleClaimed returns CLAIMED signals last updated more than maxAge before
// now — used at shutdown to find claims to revert.
func (s *Store) StaleClaimed(maxAge time.Duration, now time.Time) ([]model.Signal, error) {
	var sigs []model.Signal
	err := s.db.Where("status = ? AND updated_at < ?", model.SignalClaimed, now.Add(-maxAge)).Find(&sigs).Error
	return sigs, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// sqlite returns "UNIQUE constraint failed" for our (channel, message_id) index.
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
