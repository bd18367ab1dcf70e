// Package moderation tracks bans and posting timeouts per identity.
//
// Rows in the database are authoritative. Each temporary restriction also
// gets a timer that deletes its row at expiry; reads reconcile lazily so an
// expired restriction never blocks even if its timer never ran.
package moderation

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"yib/database"
	"yib/models"
	"yib/utils"
)

// Kind names a restriction family.
type Kind string

const (
	KindBan     Kind = "ban"
	KindTimeout Kind = "timeout"
)

// Repository is the persistence the store needs.
type Repository interface {
	UpsertBan(ban models.Ban) error
	GetBan(identity string) (*models.Ban, error)
	DeleteBan(identity string) error
	DeleteBanIfExpired(identity string, now time.Time) (bool, error)
	ListBans() ([]models.Ban, []string, error)

	UpsertTimeout(t models.Timeout) error
	GetTimeout(identity string) (*models.Timeout, error)
	DeleteTimeout(identity string) error
	DeleteTimeoutIfExpired(identity string, now time.Time) (bool, error)
	ListTimeouts() ([]models.Timeout, []string, error)
}

// BanStatus is the answer to IsBanned.
type BanStatus struct {
	Banned    bool
	Permanent bool
	Reason    string
	Moderator string
	ExpiresAt time.Time
}

// TimeoutStatus is the answer to CheckTimeout.
type TimeoutStatus struct {
	Active    bool
	ExpiresAt time.Time
	Reason    string
}

type timerKey struct {
	kind     Kind
	identity string
}

type timerEntry struct {
	timer    *time.Timer
	deadline time.Time
}

// Store applies, lifts and checks restrictions.
type Store struct {
	repo   Repository
	clock  utils.Clock
	logger *slog.Logger

	mu     sync.Mutex
	timers map[timerKey]*timerEntry
	closed bool
}

// New creates a store over repo. A nil clock uses the real clock.
func New(repo Repository, clock utils.Clock, logger *slog.Logger) *Store {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Store{
		repo:   repo,
		clock:  clock,
		logger: logger.With("component", "moderation"),
		timers: make(map[timerKey]*timerEntry),
	}
}

// --- Bans ---

// ApplyBan bans identity for duration. A duration <= 0 bans permanently.
// Re-applying replaces the previous ban.
func (s *Store) ApplyBan(identity string, duration time.Duration, reason, moderator string) error {
	now := s.clock.Now()
	ban := models.Ban{
		Identity:  identity,
		Reason:    reason,
		Moderator: moderator,
		AppliedAt: now,
		Permanent: duration <= 0,
	}
	if !ban.Permanent {
		ban.ExpiresAt = sql.NullTime{Time: now.Add(duration), Valid: true}
	}
	if err := s.repo.UpsertBan(ban); err != nil {
		return err
	}

	key := timerKey{KindBan, identity}
	if ban.Permanent {
		s.cancel(key)
	} else {
		s.schedule(key, duration)
	}
	s.logger.Info("Ban applied", "identity", identity, "permanent", ban.Permanent, "duration", duration.String(), "moderator", moderator)
	return nil
}

// LiftBan removes any ban on identity. Lifting a missing ban succeeds.
func (s *Store) LiftBan(identity string) error {
	s.cancel(timerKey{KindBan, identity})
	if err := s.repo.DeleteBan(identity); err != nil {
		return err
	}
	s.logger.Info("Ban lifted", "identity", identity)
	return nil
}

// IsBanned reports the current ban state, deleting the row first if it has expired.
func (s *Store) IsBanned(identity string) (BanStatus, error) {
	ban, err := s.repo.GetBan(identity)
	if err != nil {
		if ban == nil || !errors.Is(err, database.ErrBadExpiry) {
			return BanStatus{}, fmt.Errorf("failed to check ban for %s: %w", identity, err)
		}
		s.logger.Warn("Removing ban with unreadable expiry", "identity", identity, "error", err)
		_, err = s.expire(KindBan, identity)
		return BanStatus{}, err
	}
	if ban == nil {
		return BanStatus{}, nil
	}
	if !ban.Permanent && !s.clock.Now().Before(ban.ExpiresAt.Time) {
		_, err = s.expire(KindBan, identity)
		return BanStatus{}, err
	}
	status := BanStatus{
		Banned:    true,
		Permanent: ban.Permanent,
		Reason:    ban.Reason,
		Moderator: ban.Moderator,
	}
	if !ban.Permanent {
		status.ExpiresAt = ban.ExpiresAt.Time
	}
	return status, nil
}

// ListActiveBans returns the bans in force, newest first. Expired and
// unreadable rows found on the way are removed.
func (s *Store) ListActiveBans() ([]models.Ban, error) {
	bans, broken, err := s.repo.ListBans()
	if err != nil {
		return nil, err
	}
	for _, identity := range broken {
		if _, err := s.expire(KindBan, identity); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	active := make([]models.Ban, 0, len(bans))
	for _, ban := range bans {
		if !ban.Permanent && !now.Before(ban.ExpiresAt.Time) {
			if _, err := s.expire(KindBan, ban.Identity); err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, ban)
	}
	return active, nil
}

// --- Timeouts ---

// ApplyTimeout blocks identity from posting for duration. Re-applying replaces the timeout.
func (s *Store) ApplyTimeout(identity string, duration time.Duration, reason, moderator string) error {
	if duration <= 0 {
		return fmt.Errorf("timeout duration must be positive, got %s", duration)
	}
	now := s.clock.Now()
	err := s.repo.UpsertTimeout(models.Timeout{
		Identity:  identity,
		Reason:    reason,
		Moderator: moderator,
		AppliedAt: now,
		ExpiresAt: now.Add(duration),
	})
	if err != nil {
		return err
	}
	s.schedule(timerKey{KindTimeout, identity}, duration)
	s.logger.Debug("Timeout applied", "identity", identity, "duration", duration.String(), "moderator", moderator)
	return nil
}

// LiftTimeout removes any timeout on identity.
func (s *Store) LiftTimeout(identity string) error {
	s.cancel(timerKey{KindTimeout, identity})
	return s.repo.DeleteTimeout(identity)
}

// CheckTimeout reports the current timeout state with the same lazy expiry as IsBanned.
func (s *Store) CheckTimeout(identity string) (TimeoutStatus, error) {
	t, err := s.repo.GetTimeout(identity)
	if err != nil {
		if t == nil || !errors.Is(err, database.ErrBadExpiry) {
			return TimeoutStatus{}, fmt.Errorf("failed to check timeout for %s: %w", identity, err)
		}
		s.logger.Warn("Removing timeout with unreadable expiry", "identity", identity, "error", err)
		_, err = s.expire(KindTimeout, identity)
		return TimeoutStatus{}, err
	}
	if t == nil {
		return TimeoutStatus{}, nil
	}
	if !s.clock.Now().Before(t.ExpiresAt) {
		_, err = s.expire(KindTimeout, identity)
		return TimeoutStatus{}, err
	}
	return TimeoutStatus{Active: true, ExpiresAt: t.ExpiresAt, Reason: t.Reason}, nil
}

// ListActiveTimeouts returns the timeouts in force, newest first.
func (s *Store) ListActiveTimeouts() ([]models.Timeout, error) {
	timeouts, broken, err := s.repo.ListTimeouts()
	if err != nil {
		return nil, err
	}
	for _, identity := range broken {
		if _, err := s.expire(KindTimeout, identity); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now()
	active := make([]models.Timeout, 0, len(timeouts))
	for _, t := range timeouts {
		if !now.Before(t.ExpiresAt) {
			if _, err := s.expire(KindTimeout, t.Identity); err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, t)
	}
	return active, nil
}

// --- Maintenance ---

// CleanupExpired deletes every expired or unreadable restriction and arms
// timers for the temporary ones still in force. It returns the number of rows removed.
func (s *Store) CleanupExpired() (int, error) {
	removed := 0
	now := s.clock.Now()

	bans, brokenBans, err := s.repo.ListBans()
	if err != nil {
		return 0, err
	}
	for _, identity := range brokenBans {
		ok, err := s.expire(KindBan, identity)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	for _, ban := range bans {
		if ban.Permanent {
			continue
		}
		if remaining := ban.ExpiresAt.Time.Sub(now); remaining > 0 {
			s.schedule(timerKey{KindBan, ban.Identity}, remaining)
			continue
		}
		ok, err := s.expire(KindBan, ban.Identity)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	timeouts, brokenTimeouts, err := s.repo.ListTimeouts()
	if err != nil {
		return removed, err
	}
	for _, identity := range brokenTimeouts {
		ok, err := s.expire(KindTimeout, identity)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	for _, t := range timeouts {
		if remaining := t.ExpiresAt.Sub(now); remaining > 0 {
			s.schedule(timerKey{KindTimeout, t.Identity}, remaining)
			continue
		}
		ok, err := s.expire(KindTimeout, t.Identity)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	s.logger.Info("Expired restrictions cleaned up", "removed", removed, "bans", len(bans), "timeouts", len(timeouts))
	return removed, nil
}

// Close stops every pending timer. Later applies still write rows but arm no timers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
	s.closed = true
}

// pending reports how many timers are armed.
func (s *Store) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// --- Timers ---

// expire deletes the row only if it is still expired and drops a timer whose
// deadline has passed. A restriction re-applied since the caller's read keeps
// both its row and its timer.
func (s *Store) expire(kind Kind, identity string) (bool, error) {
	now := s.clock.Now()
	var (
		removed bool
		err     error
	)
	if kind == KindBan {
		removed, err = s.repo.DeleteBanIfExpired(identity, now)
	} else {
		removed, err = s.repo.DeleteTimeoutIfExpired(identity, now)
	}
	if err != nil {
		return false, err
	}

	key := timerKey{kind, identity}
	s.mu.Lock()
	if entry, ok := s.timers[key]; ok && !entry.deadline.After(now) {
		entry.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	if removed {
		s.logger.Debug("Restriction expired", "kind", string(kind), "identity", identity)
	}
	return removed, nil
}

func (s *Store) schedule(key timerKey, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
		delete(s.timers, key)
	}
	if s.closed {
		return
	}
	entry := &timerEntry{deadline: s.clock.Now().Add(after)}
	entry.timer = time.AfterFunc(after, func() { s.fire(key, entry) })
	s.timers[key] = entry
}

func (s *Store) cancel(key timerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.timers[key]; ok {
		entry.timer.Stop()
		delete(s.timers, key)
	}
}

// fire runs when a timer elapses. The row is deleted only if it is still
// expired at this moment, so a lifted, replaced or permanent row is untouched.
func (s *Store) fire(key timerKey, entry *timerEntry) {
	s.mu.Lock()
	if s.timers[key] == entry {
		delete(s.timers, key)
	}
	s.mu.Unlock()

	var (
		removed bool
		err     error
	)
	now := s.clock.Now()
	if key.kind == KindBan {
		removed, err = s.repo.DeleteBanIfExpired(key.identity, now)
	} else {
		removed, err = s.repo.DeleteTimeoutIfExpired(key.identity, now)
	}
	if err != nil {
		s.logger.Error("Failed to lift expired restriction", "kind", string(key.kind), "identity", key.identity, "error", err)
		return
	}
	if removed {
		s.logger.Debug("Restriction lifted by timer", "kind", string(key.kind), "identity", key.identity)
	}
}
