package pelican

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

const adminFileName = "admin.db"

// IndexKind tells hash indexes from text indexes.
type IndexKind int

const (
	HashIndex IndexKind = 1
	TextIndex IndexKind = 2
)

func (k IndexKind) String() string {
	switch k {
	case HashIndex:
		return "hash"
	case TextIndex:
		return "text"
	default:
		return fmt.Sprintf("invalid index kind %d", int(k))
	}
}

// IndexSettings is the persisted definition of an index.
type IndexSettings struct {
	Collection string `json:"collection"`
	Field      string `json:"key"`
	Dynamic    bool   `json:"dynamic"`
}

type IndexOptions struct {
	// Dynamic indexes live in memory only and need a reindex after restart.
	Dynamic bool
}

type adminData struct {
	HashIndexes map[string]IndexSettings `json:"hash_indexes"`
	TextIndexes map[string]IndexSettings `json:"text_indexes"`
}

func (a *adminData) settings(kind IndexKind) map[string]IndexSettings {
	if kind == HashIndex {
		return a.HashIndexes
	}
	return a.TextIndexes
}

func emptyAdminData() *adminData {
	return &adminData{
		HashIndexes: make(map[string]IndexSettings),
		TextIndexes: make(map[string]IndexSettings),
	}
}

func parseAdminData(data []byte) (*adminData, error) {
	a := emptyAdminData()
	if len(bytes.TrimSpace(data)) == 0 {
		return a, nil
	}
	if err := json.Unmarshal(data, a); err != nil {
		return nil, dataErrf(data, 0, err, "invalid %s", adminFileName)
	}
	if a.HashIndexes == nil {
		a.HashIndexes = make(map[string]IndexSettings)
	}
	if a.TextIndexes == nil {
		a.TextIndexes = make(map[string]IndexSettings)
	}
	return a, nil
}

func (db *DB) adminPath() string {
	return filepath.Join(db.basePath, adminFileName)
}

// adminRacyWindow covers filesystems with coarse timestamps: a cached copy
// read less than this long after admin.db was last modified may have missed
// a rewrite within the same tick, and is not trusted.
const adminRacyWindow = 2 * time.Second

// adminSettings returns the index definitions, rereading admin.db unless the
// file is the one read last time (same inode, size and modification time)
// and that read happened well after the modification.
func (db *DB) adminSettings() (*adminData, error) {
	path := db.adminPath()
	fi, err := os.Stat(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	db.adminMu.Lock()
	defer db.adminMu.Unlock()
	if db.admin != nil && adminUnchanged(db.adminInfo, fi, db.adminReadAt) {
		return db.admin, nil
	}

	readAt := time.Now()
	var data []byte
	if fi != nil {
		lk, err := lockPath(path+lockSuffix, false, db.opt.LockTimeout)
		if err != nil {
			return nil, err
		}
		// the lock may have waited out a writer
		fi, err = os.Stat(path)
		if err == nil {
			data, err = readOptionalFile(path)
		}
		lk.Close()
		if err != nil {
			return nil, err
		}
	}
	admin, err := parseAdminData(data)
	if err != nil {
		return nil, err
	}
	db.admin = admin
	db.adminInfo = fi
	db.adminReadAt = readAt
	return admin, nil
}

func adminUnchanged(cached, current os.FileInfo, readAt time.Time) bool {
	if cached == nil || current == nil {
		return cached == nil && current == nil
	}
	return os.SameFile(cached, current) &&
		cached.Size() == current.Size() &&
		cached.ModTime().Equal(current.ModTime()) &&
		readAt.Sub(current.ModTime()) > adminRacyWindow
}

// registerIndex adds or replaces an index definition in admin.db. An index
// name is shared by both kinds, because both persist as <name>.idx.
func (db *DB) registerIndex(kind IndexKind, name string, settings IndexSettings) error {
	if name == "" || name == adminFileName || filepath.Base(name) != name {
		return validationErrf("invalid index name %q", name)
	}
	if settings.Field == "" {
		return validationErrf("index %q: empty field name", name)
	}
	if err := db.checkOpen(); err != nil {
		return err
	}

	path := db.adminPath()
	if err := os.MkdirAll(db.basePath, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	lk, err := lockPath(path+lockSuffix, true, db.opt.LockTimeout)
	if err != nil {
		return err
	}
	defer lk.Close()

	data, err := readOptionalFile(path)
	if err != nil {
		return err
	}
	admin, err := parseAdminData(data)
	if err != nil {
		return err
	}
	other := TextIndex
	if kind == TextIndex {
		other = HashIndex
	}
	if _, found := admin.settings(other)[name]; found {
		return validationErrf("index %q is already registered as a %v index", name, other)
	}
	admin.settings(kind)[name] = settings

	data, err = json.Marshal(admin)
	if err != nil {
		return err
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWrite, adminFileName, err)
	}

	db.adminMu.Lock()
	db.admin = nil
	db.adminMu.Unlock()

	db.indexMu.Lock()
	delete(db.hashIdx, name)
	delete(db.textIdx, name)
	db.indexMu.Unlock()

	db.logger.Info("pelican: index registered", "db", db.name, "index", name, "kind", kind.String(), "collection", settings.Collection, "field", settings.Field, "dynamic", settings.Dynamic)
	return nil
}

// HashIndexes returns the registered hash index definitions by name.
func (db *DB) HashIndexes() (map[string]IndexSettings, error) {
	admin, err := db.adminSettings()
	if err != nil {
		return nil, err
	}
	return maps.Clone(admin.HashIndexes), nil
}

// TextIndexes returns the registered text index definitions by name.
func (db *DB) TextIndexes() (map[string]IndexSettings, error) {
	admin, err := db.adminSettings()
	if err != nil {
		return nil, err
	}
	return maps.Clone(admin.TextIndexes), nil
}

func (db *DB) indexSettings(kind IndexKind, name string) (IndexSettings, error) {
	admin, err := db.adminSettings()
	if err != nil {
		return IndexSettings{}, err
	}
	s, found := admin.settings(kind)[name]
	if !found {
		return IndexSettings{}, fmt.Errorf("%w: %v index %q", ErrNoIndex, kind, name)
	}
	return s, nil
}
