package pelican

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/patrickmn/go-cache"

	"github.com/andreyvit/pelican/mmap"
)

// Collection is a named set of documents persisted as three files:
// name.ptr (pointer table), name.id (latest-version index) and name.dat
// (append-only data blob).
//
// A Collection caches the pointer table and the latest-version index, plus
// the latest documents unless Options.DiskOnly is set. Every access compares
// the cached modification marker with the one on disk and reloads on
// mismatch, so writes made through other handles or processes are picked up.
type Collection struct {
	db   *DB
	name string

	ptrPath  string
	idPath   string
	datPath  string
	lockPath string

	mu     sync.Mutex
	loaded bool
	marker string
	ptrs   map[string]pointer
	latest map[string]int64
	maxVer map[string]int64
	docs   map[string]Document // nil when DiskOnly
	cache  *cache.Cache        // non-nil only when DiskOnly

	beforeChange BeforeChangeFunc
}

func newCollection(db *DB, name string) *Collection {
	base := filepath.Join(db.basePath, name)
	c := &Collection{
		db:       db,
		name:     name,
		ptrPath:  base + ".ptr",
		idPath:   base + ".id",
		datPath:  base + ".dat",
		lockPath: base + ".ptr" + lockSuffix,
	}
	if db.opt.DiskOnly {
		c.cache = cache.New(db.opt.DocCacheTTL, 2*db.opt.DocCacheTTL)
	}
	return c
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) DB() *DB {
	return c.db
}

// OnBeforeChange registers fn to run before every insert, update and delete
// on this collection, replacing any previously registered function.
func (c *Collection) OnBeforeChange(fn BeforeChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeChange = fn
}

func (c *Collection) beforeChangeFunc() BeforeChangeFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beforeChange
}

// lockFiles takes the advisory lock guarding this collection's files. In
// singleton mode nobody else touches the files, and shared locks are skipped.
func (c *Collection) lockFiles(exclusive bool) (*fileLock, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, collErrf(c.name, "", err, "")
	}
	if !exclusive && c.db.opt.Singleton {
		return &fileLock{}, nil
	}
	lk, err := lockPath(c.lockPath, exclusive, c.db.opt.LockTimeout)
	if err != nil {
		return nil, collErrf(c.name, "", err, "lock")
	}
	return lk, nil
}

// read runs fn with c.mu held, a shared file lock taken and the cached state
// brought up to date.
func (c *Collection) read(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lk, err := c.lockFiles(false)
	if err != nil {
		return err
	}
	defer lk.Close()

	if err := c.refreshLocked(false); err != nil {
		return err
	}
	return fn()
}

// isStale reports whether the cached state must be reloaded from disk.
// Singleton handles only check the marker before writing.
func (c *Collection) isStale(writing bool) (bool, error) {
	if !c.loaded {
		return true, nil
	}
	if c.db.opt.Singleton && !writing {
		return false, nil
	}
	marker, err := readMarker(c.ptrPath)
	if err != nil {
		return false, collErrf(c.name, "", err, "read marker")
	}
	return marker != c.marker, nil
}

// refreshLocked reloads the state if it is stale. The caller must hold c.mu
// and a file lock, exclusive when writing.
func (c *Collection) refreshLocked(writing bool) error {
	stale, err := c.isStale(writing)
	if err != nil || !stale {
		return err
	}
	if c.loaded {
		c.db.logger.Info("pelican: collection changed on disk, reloading", "db", c.db.name, "collection", c.name)
	}
	return c.reloadLocked()
}

func (c *Collection) reloadLocked() error {
	c.loaded = false
	if c.cache != nil {
		c.cache.Flush()
	}

	data, err := readOptionalFile(c.ptrPath)
	if err != nil {
		return collErrf(c.name, "", err, "read pointer table")
	}
	marker, ptrs, err := parsePointerTable(data)
	if err != nil {
		return collErrf(c.name, "", err, "load pointer table")
	}

	data, err = readOptionalFile(c.idPath)
	if err != nil {
		return collErrf(c.name, "", err, "read latest versions")
	}
	latest, err := decodeLatest(data)
	if err != nil {
		return collErrf(c.name, "", err, "load latest versions")
	}

	maxVer := make(map[string]int64, len(latest))
	for _, p := range ptrs {
		if v, found := maxVer[p.ID]; !found || p.Version > v {
			maxVer[p.ID] = p.Version
		}
	}

	var docs map[string]Document
	if !c.db.opt.DiskOnly {
		docs, err = c.loadLatestDocs(ptrs, latest)
		if err != nil {
			return err
		}
	}

	c.marker = marker
	c.ptrs = ptrs
	c.latest = latest
	c.maxVer = maxVer
	c.docs = docs
	c.loaded = true
	return nil
}

func (c *Collection) loadLatestDocs(ptrs map[string]pointer, latest map[string]int64) (map[string]Document, error) {
	docs := make(map[string]Document, len(latest))
	if len(latest) == 0 {
		return docs, nil
	}
	mf, err := mmap.Open(c.datPath, mmap.SequentialAccess|mmap.Prefault)
	if err != nil {
		return nil, collErrf(c.name, "", err, "map data")
	}
	defer mf.Close()

	for id, v := range latest {
		doc, err := c.decodeAt(mf.Data, ptrs, id, v)
		if err != nil {
			return nil, err
		}
		docs[id] = doc
	}
	return docs, nil
}

func (c *Collection) decodeAt(data []byte, ptrs map[string]pointer, id string, version int64) (Document, error) {
	p, found := ptrs[versionKey(id, version)]
	if !found {
		return nil, collErrf(c.name, id, nil, "no pointer for version %d", version)
	}
	if p.Begin < 0 || p.End < p.Begin || p.End > int64(len(data)) {
		return nil, collErrf(c.name, id, nil, "pointer [%d,%d) out of data bounds %d", p.Begin, p.End, len(data))
	}
	doc, err := decodeDocument(data[p.Begin:p.End])
	if err != nil {
		return nil, collErrf(c.name, id, err, "decode version %d", version)
	}
	return doc, nil
}

// readVersionLocked returns the given version of a document, or nil if that
// version was never written.
func (c *Collection) readVersionLocked(id string, version int64) (Document, error) {
	if c.docs != nil {
		if v, found := c.latest[id]; found && v == version {
			return c.docs[id], nil
		}
	}

	key := versionKey(id, version)
	if c.cache != nil {
		if doc, found := c.cache.Get(key); found {
			return doc.(Document), nil
		}
	}

	p, found := c.ptrs[key]
	if !found {
		return nil, nil
	}
	f, err := os.Open(c.datPath)
	if err != nil {
		return nil, collErrf(c.name, id, err, "open data")
	}
	defer f.Close()

	buf := make([]byte, p.Len())
	if _, err := f.ReadAt(buf, p.Begin); err != nil {
		return nil, collErrf(c.name, id, err, "read version %d at %d", version, p.Begin)
	}
	doc, err := decodeDocument(buf)
	if err != nil {
		return nil, collErrf(c.name, id, err, "decode version %d", version)
	}
	if c.cache != nil {
		c.cache.SetDefault(key, doc)
	}
	return doc, nil
}

func (c *Collection) getLocked(id string) (Document, error) {
	v, found := c.latest[id]
	if !found {
		return nil, nil
	}
	return c.readVersionLocked(id, v)
}

// allLocked returns the live documents sorted by id. The returned documents
// are shared with the cache and must not be modified.
func (c *Collection) allLocked() ([]Document, error) {
	ids := slices.Sorted(maps.Keys(c.latest))
	result := make([]Document, 0, len(ids))
	if c.docs != nil {
		for _, id := range ids {
			result = append(result, c.docs[id])
		}
		return result, nil
	}
	if len(ids) == 0 {
		return result, nil
	}

	mf, err := mmap.Open(c.datPath, mmap.SequentialAccess)
	if err != nil {
		return nil, collErrf(c.name, "", err, "map data")
	}
	defer mf.Close()
	for _, id := range ids {
		doc, err := c.decodeAt(mf.Data, c.ptrs, id, c.latest[id])
		if err != nil {
			return nil, err
		}
		result = append(result, doc)
	}
	return result, nil
}

func (c *Collection) findLocked(cond Condition) ([]Document, error) {
	all, err := c.allLocked()
	if err != nil {
		return nil, err
	}
	var result []Document
	for _, doc := range all {
		ok, err := Evaluate(cond, doc)
		if err != nil {
			return nil, collErrf(c.name, doc.ID(), err, "find")
		}
		if ok {
			result = append(result, doc)
		}
	}
	return result, nil
}

// Get returns the latest version of the document, or nil if there is no
// live document with this id.
func (c *Collection) Get(id string) (Document, error) {
	var doc Document
	err := c.read(func() (err error) {
		doc, err = c.getLocked(id)
		return err
	})
	return doc.Clone(), err
}

// GetVersion returns a historical version of the document, whether or not
// it is still live, or nil if that version does not exist.
func (c *Collection) GetVersion(id string, version int64) (Document, error) {
	var doc Document
	err := c.read(func() (err error) {
		doc, err = c.readVersionLocked(id, version)
		return err
	})
	return doc.Clone(), err
}

// All returns every live document, ordered by id.
func (c *Collection) All() ([]Document, error) {
	var docs []Document
	err := c.read(func() (err error) {
		docs, err = c.allLocked()
		return err
	})
	return cloneDocs(docs), err
}

// Find returns the live documents matching cond, ordered by id.
func (c *Collection) Find(cond Condition) ([]Document, error) {
	var docs []Document
	err := c.read(func() (err error) {
		docs, err = c.findLocked(cond)
		return err
	})
	return cloneDocs(docs), err
}

// Len returns the number of live documents.
func (c *Collection) Len() (int, error) {
	var n int
	err := c.read(func() error {
		n = len(c.latest)
		return nil
	})
	return n, err
}

// Exists reports whether a live document with this id exists.
func (c *Collection) Exists(id string) (bool, error) {
	var found bool
	err := c.read(func() error {
		_, found = c.latest[id]
		return nil
	})
	return found, err
}

// Clear deletes all three files of the collection. Indexes are not touched.
func (c *Collection) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lk, err := c.lockFiles(true)
	if err != nil {
		return err
	}
	defer lk.Close()

	for _, path := range []string{c.ptrPath, c.idPath, c.datPath} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.loaded = false
			return collErrf(c.name, "", fmt.Errorf("%w: %v", ErrWrite, err), "clear")
		}
	}
	c.marker = ""
	c.ptrs = make(map[string]pointer)
	c.latest = make(map[string]int64)
	c.maxVer = make(map[string]int64)
	if !c.db.opt.DiskOnly {
		c.docs = make(map[string]Document)
	}
	if c.cache != nil {
		c.cache.Flush()
	}
	c.loaded = true
	c.db.logger.Info("pelican: collection cleared", "db", c.db.name, "collection", c.name)
	return nil
}

// Shrink rewrites the data blob keeping only the latest version of every
// live document, and rewrites the pointer table to match. Historical
// versions and deleted documents are discarded for good.
func (c *Collection) Shrink() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	lk, err := c.lockFiles(true)
	if err != nil {
		return err
	}
	defer lk.Close()

	if err := c.refreshLocked(true); err != nil {
		return err
	}

	mf, err := mmap.Open(c.datPath, mmap.SequentialAccess)
	if err != nil {
		return collErrf(c.name, "", err, "map data")
	}
	oldSize := len(mf.Data)

	marker := newMarker()
	ptrs := make(map[string]pointer, len(c.latest))
	var dat []byte
	ptrTable := make([]byte, 0, markerLen+1+64*len(c.latest))
	ptrTable = append(ptrTable, marker...)
	ptrTable = append(ptrTable, '\n')
	for _, id := range slices.Sorted(maps.Keys(c.latest)) {
		v := c.latest[id]
		old, found := c.ptrs[versionKey(id, v)]
		if !found || old.End > int64(len(mf.Data)) || old.Begin > old.End {
			mf.Close()
			return collErrf(c.name, id, nil, "shrink: bad pointer for version %d", v)
		}
		p := pointer{Begin: int64(len(dat)), Version: v, ID: id}
		dat = append(dat, mf.Data[old.Begin:old.End]...)
		p.End = int64(len(dat))
		ptrs[versionKey(id, v)] = p
		ptrTable = appendPointerLine(ptrTable, p)
	}
	if err := mf.Close(); err != nil {
		return collErrf(c.name, "", err, "unmap data")
	}

	c.loaded = false
	if err := atomic.WriteFile(c.datPath, bytes.NewReader(dat)); err != nil {
		return collErrf(c.name, "", fmt.Errorf("%w: %v", ErrWrite, err), "shrink data")
	}
	if err := atomic.WriteFile(c.ptrPath, bytes.NewReader(ptrTable)); err != nil {
		return collErrf(c.name, "", fmt.Errorf("%w: %v", ErrWrite, err), "shrink pointer table")
	}

	c.marker = marker
	c.ptrs = ptrs
	c.maxVer = maps.Clone(c.latest)
	if c.cache != nil {
		c.cache.Flush()
	}
	c.loaded = true
	c.db.logger.Info("pelican: collection shrunk", "db", c.db.name, "collection", c.name, "old_size", oldSize, "new_size", len(dat))
	return nil
}

// DataSize returns the current size of the data blob in bytes.
func (c *Collection) DataSize() (int64, error) {
	fi, err := os.Stat(c.datPath)
	if os.IsNotExist(err) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
