// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package store persists detections, blocks and the dynamic whitelist to
// SQLite.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"time"

	"grimm.is/tripwire/internal/errors"

	_ "modernc.org/sqlite"
)

// TimestampLayout is the text form of every stored timestamp.
const TimestampLayout = time.DateTime

// Attack statuses.
const (
	StatusDetected = "Detected"
	StatusBlocked  = "Blocked"
)

// Attack is one persisted detection.
type Attack struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	Duration  float64   `json:"duration"`
	Count     int       `json:"count"`
	Protocol  string    `json:"protocol"`
	Status    string    `json:"status"`
}

// WhitelistEntry is one row of the dynamic whitelist.
type WhitelistEntry struct {
	IP          string    `json:"ip"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// HistoryPoint is the number of attacks seen in one minute ("HH:MM").
type HistoryPoint struct {
	Time  string `json:"time"`
	Count int    `json:"count"`
}

// Store handles persistence to SQLite. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.Wrapf(err, errors.KindFatal, "failed to create store directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindFatal, "failed to open store")
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.KindFatal, "failed to initialize store schema")
	}

	return s, nil
}

// OpenReadOnly opens an existing database without creating or migrating
// anything.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "store %s", path)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open store")
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attacks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT,
		src_ip TEXT,
		dst_ip TEXT,
		duration REAL,
		count INTEGER,
		protocol TEXT,
		status TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_attacks_src ON attacks(src_ip);

	CREATE TABLE IF NOT EXISTS blocked_ips (
		ip TEXT PRIMARY KEY,
		timestamp TEXT,
		reason TEXT
	);

	CREATE TABLE IF NOT EXISTS whitelist (
		ip TEXT PRIMARY KEY,
		timestamp TEXT,
		description TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LogAttack records a detection. A zero Timestamp is set to now and an
// empty Status to StatusDetected.
func (s *Store) LogAttack(ctx context.Context, a Attack) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	if a.Status == "" {
		a.Status = StatusDetected
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attacks (timestamp, src_ip, dst_ip, duration, count, protocol, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.Timestamp.Format(TimestampLayout), a.SrcIP, a.DstIP, a.Duration, a.Count, a.Protocol, a.Status)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to log attack"), "src_ip", a.SrcIP)
	}
	return nil
}

// LogBlock records that ip was blocked. Re-blocking updates the row.
func (s *Store) LogBlock(ctx context.Context, ip, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO blocked_ips (ip, timestamp, reason) VALUES (?, ?, ?)`,
		ip, time.Now().Format(TimestampLayout), reason)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to log block"), "ip", ip)
	}
	return nil
}

// GetWhitelist returns the set of whitelisted IPs.
func (s *Store) GetWhitelist(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip FROM whitelist`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to read whitelist")
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "failed to scan whitelist row")
		}
		set[ip] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to read whitelist")
	}
	return set, nil
}

// AddWhitelist inserts or replaces a whitelist entry.
func (s *Store) AddWhitelist(ctx context.Context, ip, description string) error {
	if description == "" {
		description = "User Added"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO whitelist (ip, timestamp, description) VALUES (?, ?, ?)`,
		ip, time.Now().Format(TimestampLayout), description)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to add whitelist entry"), "ip", ip)
	}
	return nil
}

// WhitelistDetails returns every whitelist entry, newest first.
func (s *Store) WhitelistDetails(ctx context.Context) ([]WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip, timestamp, description FROM whitelist ORDER BY timestamp DESC, ip ASC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to read whitelist")
	}
	defer rows.Close()

	var result []WhitelistEntry
	for rows.Next() {
		var e WhitelistEntry
		var ts string
		if err := rows.Scan(&e.IP, &ts, &e.Description); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "failed to scan whitelist row")
		}
		e.Timestamp, _ = time.ParseInLocation(TimestampLayout, ts, time.Local)
		result = append(result, e)
	}
	return result, rows.Err()
}

// RecentAttacks returns up to limit attacks, newest first.
func (s *Store) RecentAttacks(ctx context.Context, limit int) ([]Attack, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, src_ip, dst_ip, duration, count, protocol, status
		FROM attacks ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to read attacks")
	}
	defer rows.Close()

	var result []Attack
	for rows.Next() {
		var a Attack
		var ts string
		if err := rows.Scan(&a.ID, &ts, &a.SrcIP, &a.DstIP, &a.Duration, &a.Count, &a.Protocol, &a.Status); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "failed to scan attack row")
		}
		a.Timestamp, _ = time.ParseInLocation(TimestampLayout, ts, time.Local)
		result = append(result, a)
	}
	return result, rows.Err()
}

// Stats returns the total number of attacks and of blocked IPs.
func (s *Store) Stats(ctx context.Context) (attacks, blocked int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attacks`).Scan(&attacks); err != nil {
		return 0, 0, errors.Wrap(err, errors.KindUnavailable, "failed to count attacks")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocked_ips`).Scan(&blocked); err != nil {
		return 0, 0, errors.Wrap(err, errors.KindUnavailable, "failed to count blocked IPs")
	}
	return attacks, blocked, nil
}

// AttackHistory buckets the last 100 attacks by minute, oldest first.
func (s *Store) AttackHistory(ctx context.Context) ([]HistoryPoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT timestamp FROM attacks ORDER BY id DESC LIMIT 100`)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to read attack history")
	}
	defer rows.Close()

	buckets := make(map[string]int)
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, errors.Wrap(err, errors.KindUnavailable, "failed to scan attack history")
		}
		var key string
		switch {
		case len(ts) >= 16: // full date
			key = ts[11:16]
		case len(ts) >= 5: // bare HH:MM:SS
			key = ts[:5]
		default:
			continue
		}
		buckets[key]++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to read attack history")
	}

	points := make([]HistoryPoint, 0, len(buckets))
	for k, v := range buckets {
		points = append(points, HistoryPoint{Time: k, Count: v})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Time < points[j].Time })
	return points, nil
}
