// yib/database/moderation.go
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"yib/models"
)

// ErrBadExpiry marks a restriction row whose expiry column cannot be parsed.
var ErrBadExpiry = errors.New("unparseable expiry")

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseExpiry accepts the formats sqlite and database/sql produce for DATETIME values.
func parseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "Z")
	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			if t.IsZero() {
				break
			}
			return t.UTC(), nil
		}
	}
	// RFC3339 needs its zone suffix back.
	if t, err := time.Parse(time.RFC3339Nano, raw+"Z"); err == nil && !t.IsZero() {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadExpiry, raw)
}

// --- Bans ---

// UpsertBan writes or replaces the ban row for ban.Identity.
func (ds *DatabaseService) UpsertBan(ban models.Ban) error {
	var expires any
	if !ban.Permanent && ban.ExpiresAt.Valid {
		expires = ban.ExpiresAt.Time.UTC()
	}
	_, err := ds.DB.Exec(`INSERT INTO bans (user_ip, end_time, reason, moderator, applied_at, is_permanent) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_ip) DO UPDATE SET end_time = excluded.end_time, reason = excluded.reason,
		moderator = excluded.moderator, applied_at = excluded.applied_at, is_permanent = excluded.is_permanent`,
		ban.Identity, expires, ban.Reason, ban.Moderator, ban.AppliedAt.UTC(), ban.Permanent)
	if err != nil {
		return fmt.Errorf("failed to save ban for %s: %w", ban.Identity, err)
	}
	return nil
}

// GetBan returns the ban row for identity, or nil when there is none.
// A row with an unparseable expiry is returned with ErrBadExpiry.
func (ds *DatabaseService) GetBan(identity string) (*models.Ban, error) {
	row := ds.DB.QueryRow("SELECT user_ip, end_time, reason, moderator, applied_at, is_permanent FROM bans WHERE user_ip = ?", identity)
	ban, err := scanBan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return ban, err
}

// DeleteBan removes the ban row. A missing row is not an error.
func (ds *DatabaseService) DeleteBan(identity string) error {
	if _, err := ds.DB.Exec("DELETE FROM bans WHERE user_ip = ?", identity); err != nil {
		return fmt.Errorf("failed to delete ban for %s: %w", identity, err)
	}
	return nil
}

// expiredClause matches rows whose end_time is missing, unparseable or at or
// before the bound time.
const expiredClause = `(end_time IS NULL OR julianday(end_time) IS NULL OR julianday(end_time) <= julianday(?))`

// DeleteBanIfExpired removes a temporary ban whose expiry is at or before now,
// in one statement, so a ban re-applied concurrently survives.
// It reports whether a row was removed.
func (ds *DatabaseService) DeleteBanIfExpired(identity string, now time.Time) (bool, error) {
	res, err := ds.DB.Exec("DELETE FROM bans WHERE user_ip = ? AND is_permanent = 0 AND "+expiredClause, identity, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to expire ban for %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListBans returns every readable ban row, newest first, plus the identities
// of rows whose expiry could not be parsed.
func (ds *DatabaseService) ListBans() ([]models.Ban, []string, error) {
	rows, err := ds.DB.Query("SELECT user_ip, end_time, reason, moderator, applied_at, is_permanent FROM bans ORDER BY applied_at DESC")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	bans := []models.Ban{}
	var broken []string
	for rows.Next() {
		ban, err := scanBan(rows)
		if err != nil {
			if ban != nil {
				broken = append(broken, ban.Identity)
				continue
			}
			return nil, nil, err
		}
		bans = append(bans, *ban)
	}
	return bans, broken, rows.Err()
}

// scanBan returns a partially filled ban together with ErrBadExpiry for broken rows.
func scanBan(row rowScanner) (*models.Ban, error) {
	var b models.Ban
	var end sql.NullString
	if err := row.Scan(&b.Identity, &end, &b.Reason, &b.Moderator, &b.AppliedAt, &b.Permanent); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan ban: %w", err)
	}
	b.AppliedAt = b.AppliedAt.UTC()
	if b.Permanent {
		return &b, nil
	}
	if !end.Valid || end.String == "" {
		return &b, fmt.Errorf("%w: temporary ban without expiry", ErrBadExpiry)
	}
	expires, err := parseExpiry(end.String)
	if err != nil {
		return &b, err
	}
	b.ExpiresAt = sql.NullTime{Time: expires, Valid: true}
	return &b, nil
}

// --- Timeouts ---

// UpsertTimeout writes or replaces the timeout row for t.Identity.
func (ds *DatabaseService) UpsertTimeout(t models.Timeout) error {
	_, err := ds.DB.Exec(`INSERT INTO timeouts (user_ip, end_time, reason, moderator, applied_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_ip) DO UPDATE SET end_time = excluded.end_time, reason = excluded.reason,
		moderator = excluded.moderator, applied_at = excluded.applied_at`,
		t.Identity, t.ExpiresAt.UTC(), t.Reason, t.Moderator, t.AppliedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save timeout for %s: %w", t.Identity, err)
	}
	return nil
}

// GetTimeout returns the timeout row for identity, or nil when there is none.
func (ds *DatabaseService) GetTimeout(identity string) (*models.Timeout, error) {
	row := ds.DB.QueryRow("SELECT user_ip, end_time, reason, moderator, applied_at FROM timeouts WHERE user_ip = ?", identity)
	t, err := scanTimeout(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// DeleteTimeout removes the timeout row. A missing row is not an error.
func (ds *DatabaseService) DeleteTimeout(identity string) error {
	if _, err := ds.DB.Exec("DELETE FROM timeouts WHERE user_ip = ?", identity); err != nil {
		return fmt.Errorf("failed to delete timeout for %s: %w", identity, err)
	}
	return nil
}

// DeleteTimeoutIfExpired removes a timeout whose expiry is at or before now.
func (ds *DatabaseService) DeleteTimeoutIfExpired(identity string, now time.Time) (bool, error) {
	res, err := ds.DB.Exec("DELETE FROM timeouts WHERE user_ip = ? AND "+expiredClause, identity, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to expire timeout for %s: %w", identity, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListTimeouts returns every timeout row, newest first, plus the identities of broken rows.
func (ds *DatabaseService) ListTimeouts() ([]models.Timeout, []string, error) {
	rows, err := ds.DB.Query("SELECT user_ip, end_time, reason, moderator, applied_at FROM timeouts ORDER BY applied_at DESC")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list timeouts: %w", err)
	}
	defer rows.Close()

	timeouts := []models.Timeout{}
	var broken []string
	for rows.Next() {
		t, err := scanTimeout(rows)
		if err != nil {
			if t != nil {
				broken = append(broken, t.Identity)
				continue
			}
			return nil, nil, err
		}
		timeouts = append(timeouts, *t)
	}
	return timeouts, broken, rows.Err()
}

func scanTimeout(row rowScanner) (*models.Timeout, error) {
	var t models.Timeout
	var end sql.NullString
	if err := row.Scan(&t.Identity, &end, &t.Reason, &t.Moderator, &t.AppliedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan timeout: %w", err)
	}
	t.AppliedAt = t.AppliedAt.UTC()
	expires, err := parseExpiry(end.String)
	if err != nil {
		return &t, err
	}
	t.ExpiresAt = expires
	return &t, nil
}
