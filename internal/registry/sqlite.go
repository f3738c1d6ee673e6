package registry

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inercia/sshwarden/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	registry   TEXT NOT NULL,
	ip         TEXT NOT NULL,
	timestamps TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_records_registry ON records(registry, seq);
CREATE INDEX IF NOT EXISTS idx_records_ip ON records(registry, ip);
`

// Verify SQLiteBackend implements Backend at compile time.
var _ Backend = (*SQLiteBackend)(nil)

// SQLiteBackend keeps all registries in one table, ordered by insertion
// sequence. Writes retry transient lock errors.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// OpenSQLiteBackend opens (or creates) the registry database at path.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sqlitedb.Open(path, sqliteSchema)
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) check() error {
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

func (b *SQLiteBackend) Append(name Name, rec Record) error {
	if err := checkRecord(name, rec); err != nil {
		return err
	}
	ts, err := encodeTimestamps(rec.Timestamps)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	return sqlitedb.Retry(func() error {
		_, err := b.db.Exec(`INSERT INTO records (registry, ip, timestamps) VALUES (?, ?, ?)`,
			string(name), rec.IP, ts)
		return err
	})
}

func (b *SQLiteBackend) DeleteIndex(name Name, index int) error {
	if err := checkName(name); err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, name, index)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}

	var seq int64
	err := b.db.QueryRow(
		`SELECT seq FROM records WHERE registry = ? ORDER BY seq LIMIT 1 OFFSET ?`,
		string(name), index,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, name, index)
	}
	if err != nil {
		return fmt.Errorf("locate %s[%d]: %w", name, index, err)
	}
	return sqlitedb.Retry(func() error {
		_, err := b.db.Exec(`DELETE FROM records WHERE seq = ?`, seq)
		return err
	})
}

func (b *SQLiteBackend) DeleteIP(name Name, ip string) error {
	if err := checkName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}

	var affected int64
	err := sqlitedb.Retry(func() error {
		res, err := b.db.Exec(`DELETE FROM records WHERE registry = ? AND ip = ?`, string(name), ip)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s in %s", ErrNotFound, ip, name)
	}
	return nil
}

func (b *SQLiteBackend) Contains(name Name, ip string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return false, err
	}

	var n int
	err := b.db.QueryRow(`SELECT COUNT(*) FROM records WHERE registry = ? AND ip = ?`,
		string(name), ip).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *SQLiteBackend) Content(name Name) ([]Record, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}

	rows, err := b.db.Query(`SELECT ip, timestamps FROM records WHERE registry = ? ORDER BY seq`, string(name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		var rec Record
		var ts string
		if err := rows.Scan(&rec.IP, &ts); err != nil {
			return nil, err
		}
		if rec.Timestamps, err = decodeTimestamps(ts); err != nil {
			return nil, fmt.Errorf("decode %s record %s: %w", name, rec.IP, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (b *SQLiteBackend) Clear(name Name) error {
	if err := checkName(name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	return sqlitedb.Retry(func() error {
		_, err := b.db.Exec(`DELETE FROM records WHERE registry = ?`, string(name))
		return err
	})
}

func (b *SQLiteBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

func encodeTimestamps(ts []time.Time) (string, error) {
	if ts == nil {
		ts = []time.Time{}
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return "", fmt.Errorf("encode timestamps: %w", err)
	}
	return string(data), nil
}

func decodeTimestamps(s string) ([]time.Time, error) {
	var ts []time.Time
	if err := json.Unmarshal([]byte(s), &ts); err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, nil
	}
	return ts, nil
}
