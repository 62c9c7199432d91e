package sqlstorage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dPref/lib/storage"
	"github.com/ValentinKolb/dPref/lib/storage/fanout"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"

	_ "modernc.org/sqlite"
)

var Logger = logger.GetLogger("storage")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Constants for the change log
const (
	defaultPollInterval = 100 * time.Millisecond
	defaultMaxChanges   = 10_000
	pollBatchSize       = 1000
	pruneEvery          = 100 // prune the change log every N revisions
)

// Options configures a handle
type Options struct {
	PollInterval time.Duration // How often the change log is read (0 = default: 100ms)
	MaxChanges   int           // How many change log entries are kept (0 = default: 10000)
}

// DefaultOptions returns the default options
func DefaultOptions() *Options {
	return &Options{
		PollInterval: defaultPollInterval,
		MaxChanges:   defaultMaxChanges,
	}
}

type storageImpl struct {
	id   string
	db   *sql.DB
	opts Options
	subs *fanout.Registry

	// poller state, the poller is started by the first Subscribe
	pollOnce sync.Once
	cursor   uint64
	stop     chan struct{}
	poller   sync.WaitGroup
	closed   atomic.Bool
}

// Open opens (or creates) the SQLite database at path and returns a handle onto it.
// Every process (or every call to Open) that opens the same file shares the medium:
// writes of one handle reach the subscribers of all others through the change log.
func Open(path string, opts *Options) (storage.IStorage, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.MaxChanges <= 0 {
		o.MaxChanges = defaultMaxChanges
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	// immediate transactions take the write lock up front, so the revision order of
	// the change log equals the commit order
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode so pollers of other processes do not block writers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &storageImpl{
		id:   uuid.NewString(),
		db:   db,
		opts: o,
		subs: fanout.NewRegistry(),
		stop: make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	Logger.Debugf("opened sqlite medium %s (handle %s)", path, s.id)
	return s, nil
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *storageImpl) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		// another process may have applied the same migration concurrently
		if _, err := tx.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see storage/interface.go)
// --------------------------------------------------------------------------

func (s *storageImpl) ID() string {
	return s.id
}

func (s *storageImpl) Get(key string) ([]byte, bool, uint64, error) {
	if s.closed.Load() {
		return nil, false, 0, storage.ErrClosed
	}
	// one statement reads one snapshot, sqlite_sequence survives pruning of the change log
	var (
		value    sql.NullString
		revision int64
	)
	err := s.db.QueryRow(`
		SELECT
			(SELECT value FROM prefs_kv WHERE key = ?),
			COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'prefs_changes'), 0)`,
		key,
	).Scan(&value, &revision)
	if err != nil {
		return nil, false, 0, storage.NewError(storage.RetCInternalError, fmt.Sprintf("reading %s: %v", key, err))
	}
	if !value.Valid {
		return nil, false, uint64(revision), nil
	}
	return []byte(value.String), true, uint64(revision), nil
}

func (s *storageImpl) Set(key string, value []byte) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	return s.commit(key, sql.NullString{String: string(value), Valid: true})
}

func (s *storageImpl) Remove(key string) (uint64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	return s.commit(key, sql.NullString{})
}

// commit writes (or deletes if newValue is not valid) a key and appends the change
// to the change log in one transaction. The change log row id is the revision.
func (s *storageImpl) commit(key string, newValue sql.NullString) (uint64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, storage.NewError(storage.RetCInternalError, fmt.Sprintf("beginning transaction: %v", err))
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.QueryRow("SELECT value FROM prefs_kv WHERE key = ?", key).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, storage.NewError(storage.RetCInternalError, fmt.Sprintf("reading %s: %v", key, err))
	}

	// removing an absent key commits nothing
	if !newValue.Valid && !old.Valid {
		return 0, nil
	}

	res, err := tx.Exec(
		"INSERT INTO prefs_changes (key, old_value, new_value, origin) VALUES (?, ?, ?, ?)",
		key, old, newValue, s.id,
	)
	if err != nil {
		return 0, storage.NewError(storage.RetCInternalError, fmt.Sprintf("appending change for %s: %v", key, err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storage.NewError(storage.RetCInternalError, fmt.Sprintf("reading revision: %v", err))
	}
	revision := uint64(id)

	if newValue.Valid {
		_, err = tx.Exec(`
			INSERT INTO prefs_kv (key, value, revision) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = excluded.revision`,
			key, newValue.String, revision,
		)
	} else {
		_, err = tx.Exec("DELETE FROM prefs_kv WHERE key = ?", key)
	}
	if err != nil {
		return 0, storage.NewError(storage.RetCInternalError, fmt.Sprintf("writing %s: %v", key, err))
	}

	if revision%pruneEvery == 0 {
		if _, err := tx.Exec("DELETE FROM prefs_changes WHERE revision <= ?", int64(revision)-int64(s.opts.MaxChanges)); err != nil {
			Logger.Warningf("pruning change log failed: %v", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storage.NewError(storage.RetCInternalError, fmt.Sprintf("committing %s: %v", key, err))
	}
	return revision, nil
}

func (s *storageImpl) Subscribe(listener storage.Listener) (func(), error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}

	var startErr error
	s.pollOnce.Do(func() {
		startErr = s.startPoller()
	})
	if startErr != nil {
		return nil, startErr
	}

	return s.subs.Add(listener)
}

func (s *storageImpl) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.poller.Wait()
	s.subs.Close()
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Change log poller
// --------------------------------------------------------------------------

// startPoller positions the cursor at the newest change and starts the poll loop.
func (s *storageImpl) startPoller() error {
	var head sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(revision) FROM prefs_changes").Scan(&head); err != nil {
		return storage.NewError(storage.RetCInternalError, fmt.Sprintf("reading change log head: %v", err))
	}
	s.cursor = uint64(head.Int64)

	s.poller.Add(1)
	go s.pollLoop()
	return nil
}

func (s *storageImpl) pollLoop() {
	defer s.poller.Done()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.poll(); err != nil {
				Logger.Warningf("polling change log failed: %v", err)
			}
		}
	}
}

// poll publishes all changes after the cursor
func (s *storageImpl) poll() error {
	for {
		rows, err := s.db.Query(
			"SELECT revision, key, old_value, new_value, origin FROM prefs_changes WHERE revision > ? ORDER BY revision LIMIT ?",
			int64(s.cursor), pollBatchSize,
		)
		if err != nil {
			return err
		}

		n := 0
		for rows.Next() {
			var (
				rev            int64
				event          storage.ChangeEvent
				oldVal, newVal sql.NullString
			)
			if err := rows.Scan(&rev, &event.Key, &oldVal, &newVal, &event.Origin); err != nil {
				rows.Close()
				return err
			}
			event.Revision = uint64(rev)
			if oldVal.Valid {
				event.OldValue = []byte(oldVal.String)
			}
			if newVal.Valid {
				event.NewValue = []byte(newVal.String)
			}

			s.cursor = event.Revision
			s.subs.Publish(event)
			n++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if n < pollBatchSize {
			return nil
		}
	}
}
