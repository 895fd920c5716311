package pelican

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLockTimeout = 90 * time.Second
	DefaultDocCacheTTL = 5 * time.Minute
)

// DB is a database: a directory holding collection files, index files and
// admin.db with the index definitions. Several DB values, in one process or
// many, may share a directory; they coordinate through advisory file locks
// and the modification markers.
type DB struct {
	name     string
	basePath string
	opt      Options
	logger   *slog.Logger

	mu     sync.Mutex
	colls  map[string]*Collection
	closed bool

	adminMu     sync.Mutex
	admin       *adminData
	adminInfo   os.FileInfo
	adminReadAt time.Time

	indexMu sync.Mutex
	hashIdx map[string]*hashIndex
	textIdx map[string]*textIndex
}

type Options struct {
	Logger  *slog.Logger
	Verbose bool

	// LockTimeout bounds waiting for a file lock. Defaults to 90 seconds.
	LockTimeout time.Duration

	// DiskOnly disables the in-memory mirror of the latest documents. Reads
	// then go to the data blob, through a cache of decoded versions kept for
	// DocCacheTTL.
	DiskOnly    bool
	DocCacheTTL time.Duration

	// Singleton asserts that no other handle or process writes to this
	// database, which skips the staleness checks and shared read locks.
	Singleton bool

	// NoSync skips fdatasync after appending data and pointers.
	NoSync bool

	// IndexQueue, if set, receives index maintenance as tasks instead of it
	// running inline with the writes.
	IndexQueue IndexQueue

	// BranchSize is the text index node size before a split.
	BranchSize int
}

// Open opens or creates the database name under dir. Lock files older than
// twice the lock timeout that nobody holds are removed.
func Open(dir, name string, opt Options) (*DB, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return nil, validationErrf("invalid database name %q", name)
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.LockTimeout <= 0 {
		opt.LockTimeout = DefaultLockTimeout
	}
	if opt.DocCacheTTL <= 0 {
		opt.DocCacheTTL = DefaultDocCacheTTL
	}
	if opt.BranchSize <= 0 {
		opt.BranchSize = DefaultBranchSize
	}

	db := &DB{
		name:     name,
		basePath: filepath.Join(dir, name),
		opt:      opt,
		logger:   opt.Logger,
		colls:    make(map[string]*Collection),
		hashIdx:  make(map[string]*hashIndex),
		textIdx:  make(map[string]*textIndex),
	}
	if err := os.MkdirAll(db.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("pelican: %w", err)
	}

	removed, err := removeStaleLocks(db.basePath, 2*opt.LockTimeout, time.Now())
	if err != nil {
		return nil, fmt.Errorf("pelican: %w", err)
	}
	for _, fn := range removed {
		db.logger.Warn("pelican: removed stale lock file", "db", name, "file", fn)
	}
	return db, nil
}

func (db *DB) Name() string {
	return db.name
}

// Path returns the directory holding the database files.
func (db *DB) Path() string {
	return db.basePath
}

func (db *DB) Options() Options {
	return db.opt
}

func (db *DB) logf(format string, args ...any) {
	db.logger.Debug(fmt.Sprintf(format, args...))
}

// Collection returns the handle of the named collection, creating it on
// first use. Files are created by the first write.
func (db *DB) Collection(name string) *Collection {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := db.colls[name]
	if c == nil {
		c = newCollection(db, name)
		db.colls[name] = c
	}
	return c
}

// CollectionNames lists the collections present on disk, sorted.
func (db *DB) CollectionNames() ([]string, error) {
	entries, err := os.ReadDir(db.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".ptr") {
			names = append(names, strings.TrimSuffix(e.Name(), ".ptr"))
		}
	}
	slices.Sort(names)
	return names, nil
}

// Initialize loads every collection and persisted index found on disk, so
// that later reads find them warm.
func (db *DB) Initialize() error {
	admin, err := db.adminSettings()
	if err != nil {
		return err
	}
	return filepath.WalkDir(db.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != db.basePath {
				return filepath.SkipDir
			}
			return nil
		}
		fn := d.Name()
		switch {
		case strings.HasSuffix(fn, ".ptr"):
			c := db.Collection(strings.TrimSuffix(fn, ".ptr"))
			return c.read(func() error { return nil })
		case strings.HasSuffix(fn, indexExt):
			name := strings.TrimSuffix(fn, indexExt)
			if _, found := admin.HashIndexes[name]; found {
				return db.loadIndex(HashIndex, name)
			}
			if _, found := admin.TextIndexes[name]; found {
				return db.loadIndex(TextIndex, name)
			}
			db.logger.Warn("pelican: index file without definition", "db", db.name, "file", fn)
		}
		return nil
	})
}

// Close drops the cached state. The files need no closing. Afterwards every
// read and write through this DB fails with ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	db.closed = true
	clear(db.colls)
	return nil
}

func (db *DB) checkOpen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}
