package pelican

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/natefinch/atomic"
)

const indexExt = ".idx"

// indexFile is the state shared by both index kinds: the definition and the
// marker of the persisted <name>.idx file.
type indexFile struct {
	name     string
	settings IndexSettings
	path     string
	lockPath string
	loaded   bool
	marker   string
}

type index interface {
	file() *indexFile
	reset()
	decodeBody(body []byte) error
	encodeBody() ([]byte, error)
}

// hashIndex maps the SHA-1 of a field value to the id of the document
// holding it.
type hashIndex struct {
	indexFile
	entries map[string]string
	byID    map[string]string
}

// textIndex is a substring index over a string field.
type textIndex struct {
	indexFile
	tree *TextTree
}

func (ix *hashIndex) file() *indexFile { return &ix.indexFile }
func (ix *textIndex) file() *indexFile { return &ix.indexFile }

func (ix *hashIndex) reset() {
	ix.entries = make(map[string]string)
	ix.byID = make(map[string]string)
}

func (ix *textIndex) reset() {
	ix.tree = NewTextTree(ix.tree.Branch)
}

func (ix *hashIndex) decodeBody(body []byte) error {
	ix.reset()
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, &ix.entries); err != nil {
		return err
	}
	for digest, id := range ix.entries {
		ix.byID[id] = digest
	}
	return nil
}

func (ix *hashIndex) encodeBody() ([]byte, error) {
	return json.Marshal(ix.entries)
}

func (ix *hashIndex) add(id, digest string) {
	if old, found := ix.byID[id]; found && old != digest && ix.entries[old] == id {
		delete(ix.entries, old)
	}
	ix.entries[digest] = id
	ix.byID[id] = digest
}

func (ix *hashIndex) remove(id string) {
	if digest, found := ix.byID[id]; found {
		if ix.entries[digest] == id {
			delete(ix.entries, digest)
		}
		delete(ix.byID, id)
	}
}

// The text index body is one `"0":{...}` line and an optional `"1":{...}`
// line, which join with a comma into a JSON object.
func (ix *textIndex) decodeBody(body []byte) error {
	ix.reset()
	var lines [][]byte
	for _, line := range bytes.Split(body, []byte{'\n'}) {
		if line = bytes.TrimSpace(line); len(line) > 0 {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	obj := append([]byte{'{'}, bytes.Join(lines, []byte{','})...)
	obj = append(obj, '}')
	return json.Unmarshal(obj, &ix.tree.Root)
}

func (ix *textIndex) encodeBody() ([]byte, error) {
	var buf []byte
	for _, node := range ix.tree.Root.nodes() {
		data, err := json.Marshal(node)
		if err != nil {
			return nil, err
		}
		if len(buf) > 0 {
			buf = append(buf, '\n')
		}
		buf = fmt.Appendf(buf, "%q:", node.Name)
		buf = append(buf, data...)
	}
	return buf, nil
}

// hashValue returns the digest under which a field value is indexed. Only
// scalar values are indexable.
func hashValue(v any) (string, bool) {
	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	case int64, uint64, float64, bool:
		data, _ = json.Marshal(v)
	default:
		nv, err := normalizeValue(v)
		if err != nil || nv == nil {
			return "", false
		}
		switch nv.(type) {
		case int64, uint64, float64:
			data, _ = json.Marshal(nv)
		default:
			return "", false
		}
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), true
}

// indexLocked returns the in-memory state of an index, creating it when the
// index is first used or its definition changed. The caller holds db.indexMu.
func (db *DB) indexLocked(kind IndexKind, name string) (index, error) {
	settings, err := db.indexSettings(kind, name)
	if err != nil {
		return nil, err
	}

	var ix index
	switch kind {
	case HashIndex:
		if h := db.hashIdx[name]; h != nil && h.settings == settings {
			return h, nil
		}
		h := &hashIndex{}
		h.reset()
		db.hashIdx[name] = h
		ix = h
	case TextIndex:
		if t := db.textIdx[name]; t != nil && t.settings == settings {
			return t, nil
		}
		t := &textIndex{tree: NewTextTree(db.opt.BranchSize)}
		db.textIdx[name] = t
		ix = t
	default:
		panic("unreachable")
	}

	f := ix.file()
	f.name = name
	f.settings = settings
	f.path = filepath.Join(db.basePath, name+indexExt)
	f.lockPath = f.path + lockSuffix
	if settings.Dynamic {
		f.loaded = true
	}
	return ix, nil
}

// withIndex runs fn on an up-to-date index under the index file lock. When
// write is true and fn reports a change, a persistent index is saved with a
// new marker.
func (db *DB) withIndex(kind IndexKind, name string, write bool, fn func(ix index) (bool, error)) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.indexMu.Lock()
	defer db.indexMu.Unlock()

	ix, err := db.indexLocked(kind, name)
	if err != nil {
		return err
	}
	f := ix.file()
	if f.settings.Dynamic {
		_, err := fn(ix)
		return err
	}

	if write || !db.opt.Singleton {
		if err := os.MkdirAll(db.basePath, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
		lk, err := lockPath(f.lockPath, write, db.opt.LockTimeout)
		if err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
		defer lk.Close()
	}

	if err := db.refreshIndexLocked(ix); err != nil {
		return err
	}
	changed, err := fn(ix)
	if err != nil || !write || !changed {
		return err
	}
	return db.saveIndexLocked(ix)
}

func (db *DB) refreshIndexLocked(ix index) error {
	f := ix.file()
	if f.loaded && db.opt.Singleton {
		return nil
	}
	marker, err := readMarker(f.path)
	if err != nil {
		return fmt.Errorf("index %s: %w", f.name, err)
	}
	if f.loaded && marker == f.marker {
		return nil
	}

	data, err := readOptionalFile(f.path)
	if err != nil {
		return fmt.Errorf("index %s: %w", f.name, err)
	}
	var body []byte
	if len(data) > markerLen {
		body = data[markerLen:]
	}
	f.loaded = false
	if err := ix.decodeBody(body); err != nil {
		return fmt.Errorf("index %s: %w", f.name, dataErrf(data, markerLen, err, "invalid index file"))
	}
	f.marker = marker
	f.loaded = true
	return nil
}

func (db *DB) saveIndexLocked(ix index) error {
	f := ix.file()
	body, err := ix.encodeBody()
	if err != nil {
		return fmt.Errorf("index %s: %w", f.name, err)
	}
	marker := newMarker()
	data := make([]byte, 0, markerLen+1+len(body))
	data = append(data, marker...)
	data = append(data, '\n')
	data = append(data, body...)
	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		f.loaded = false
		return fmt.Errorf("%w: index %s: %v", ErrWrite, f.name, err)
	}
	f.marker = marker
	return nil
}

// maintainIndexes removes the previous versions of changed documents from
// every index over coll, then adds the new versions. With an IndexQueue
// configured, the work is handed to the queue instead.
func (db *DB) maintainIndexes(coll string, previous, written []Document) error {
	if db.opt.IndexQueue != nil {
		if len(previous) > 0 {
			err := db.opt.IndexQueue.Put(IndexTask{Docs: previous, Collection: coll, Database: db.name, Op: IndexDelete})
			if err != nil {
				return collErrf(coll, "", err, "queue index delete")
			}
		}
		if len(written) > 0 {
			err := db.opt.IndexQueue.Put(IndexTask{Docs: written, Collection: coll, Database: db.name, Op: IndexAdd})
			if err != nil {
				return collErrf(coll, "", err, "queue index add")
			}
		}
		return nil
	}
	if err := db.applyIndexOp(coll, IndexDelete, previous); err != nil {
		return err
	}
	return db.applyIndexOp(coll, IndexAdd, written)
}

// ApplyIndexTask performs a queued index maintenance task.
func (db *DB) ApplyIndexTask(task IndexTask) error {
	if task.Database != "" && task.Database != db.name {
		return validationErrf("index task for database %q applied to %q", task.Database, db.name)
	}
	switch task.Op {
	case IndexAdd, IndexDelete:
		return db.applyIndexOp(task.Collection, task.Op, task.Docs)
	default:
		return validationErrf("invalid index task op %v", task.Op)
	}
}

func (db *DB) applyIndexOp(coll string, op IndexOp, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	admin, err := db.adminSettings()
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(admin.HashIndexes)) {
		s := admin.HashIndexes[name]
		if s.Collection != coll {
			continue
		}
		errs = append(errs, db.withIndex(HashIndex, name, true, func(ix index) (bool, error) {
			h := ix.(*hashIndex)
			var changed bool
			for _, doc := range docs {
				id := doc.ID()
				if id == "" {
					continue
				}
				if op == IndexDelete {
					if _, found := h.byID[id]; found {
						h.remove(id)
						changed = true
					}
					continue
				}
				if digest, ok := hashValue(doc[s.Field]); ok {
					h.add(id, digest)
					changed = true
				}
			}
			return changed, nil
		}))
	}
	for _, name := range slices.Sorted(maps.Keys(admin.TextIndexes)) {
		s := admin.TextIndexes[name]
		if s.Collection != coll {
			continue
		}
		errs = append(errs, db.withIndex(TextIndex, name, true, func(ix index) (bool, error) {
			t := ix.(*textIndex)
			var changed bool
			for _, doc := range docs {
				id := doc.ID()
				if id == "" {
					continue
				}
				if op == IndexDelete {
					if t.tree.Contains(id) {
						t.tree.Delete(id)
						changed = true
					}
					continue
				}
				if text, ok := doc[s.Field].(string); ok {
					t.tree.Insert(id, text)
					changed = true
				}
			}
			return changed, nil
		}))
	}
	return errors.Join(errs...)
}

// RegisterHashIndex defines an exact-match index over field. Documents
// already in the collection are indexed by ReindexHash.
func (c *Collection) RegisterHashIndex(name, field string, opt IndexOptions) error {
	return c.db.registerIndex(HashIndex, name, IndexSettings{Collection: c.name, Field: field, Dynamic: opt.Dynamic})
}

// RegisterTextIndex defines a substring index over a string field. Documents
// already in the collection are indexed by ReindexText.
func (c *Collection) RegisterTextIndex(name, field string, opt IndexOptions) error {
	return c.db.registerIndex(TextIndex, name, IndexSettings{Collection: c.name, Field: field, Dynamic: opt.Dynamic})
}

func (c *Collection) ownIndexSettings(kind IndexKind, name string) (IndexSettings, error) {
	s, err := c.db.indexSettings(kind, name)
	if err != nil {
		return s, err
	}
	if s.Collection != c.name {
		return s, validationErrf("%v index %q is defined on collection %q, not %q", kind, name, s.Collection, c.name)
	}
	return s, nil
}

// ReindexHash rebuilds a hash index from the live documents.
func (c *Collection) ReindexHash(name string) error {
	s, err := c.ownIndexSettings(HashIndex, name)
	if err != nil {
		return err
	}
	docs, err := c.All()
	if err != nil {
		return err
	}
	return c.db.withIndex(HashIndex, name, true, func(ix index) (bool, error) {
		h := ix.(*hashIndex)
		h.reset()
		for _, doc := range docs {
			if digest, ok := hashValue(doc[s.Field]); ok {
				h.add(doc.ID(), digest)
			}
		}
		return true, nil
	})
}

// ReindexText rebuilds a text index from the live documents.
func (c *Collection) ReindexText(name string) error {
	s, err := c.ownIndexSettings(TextIndex, name)
	if err != nil {
		return err
	}
	docs, err := c.All()
	if err != nil {
		return err
	}
	var ids []string
	texts := make(map[string]string, len(docs))
	for _, doc := range docs {
		if text, ok := doc[s.Field].(string); ok {
			ids = append(ids, doc.ID())
			texts[doc.ID()] = text
		}
	}
	return c.db.withIndex(TextIndex, name, true, func(ix index) (bool, error) {
		t := ix.(*textIndex)
		t.tree = BuildTextTree(t.tree.Branch, ids, texts)
		return true, nil
	})
}

// GetByIndex looks up the document whose indexed field equals value, or
// returns nil if there is none.
func (c *Collection) GetByIndex(name string, value any) (Document, error) {
	s, err := c.ownIndexSettings(HashIndex, name)
	if err != nil {
		return nil, err
	}
	digest, ok := hashValue(value)
	if !ok {
		return nil, validationErrf("cannot look up %T in hash index %q", value, name)
	}

	var id string
	err = c.db.withIndex(HashIndex, name, false, func(ix index) (bool, error) {
		id = ix.(*hashIndex).entries[digest]
		return false, nil
	})
	if err != nil || id == "" {
		return nil, err
	}

	doc, err := c.Get(id)
	if err != nil || doc == nil {
		return nil, err
	}
	// the index may lag behind the collection when maintained asynchronously
	if d, ok := hashValue(doc[s.Field]); !ok || d != digest {
		return nil, nil
	}
	return doc, nil
}

// SearchTextIndex returns the documents whose indexed field contains s as a
// substring.
func (db *DB) SearchTextIndex(name, s string) ([]Document, error) {
	settings, err := db.indexSettings(TextIndex, name)
	if err != nil {
		return nil, err
	}

	var candidates []string
	err = db.withIndex(TextIndex, name, false, func(ix index) (bool, error) {
		candidates = ix.(*textIndex).tree.Search(s)
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	c := db.Collection(settings.Collection)
	seen := make(map[string]bool, len(candidates))
	var result []Document
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		doc, err := c.Get(id)
		if err != nil {
			return nil, err
		}
		if text, ok := doc[settings.Field].(string); ok && strings.Contains(text, s) {
			result = append(result, doc)
		}
	}
	return result, nil
}

// loadIndex warms an index from disk.
func (db *DB) loadIndex(kind IndexKind, name string) error {
	return db.withIndex(kind, name, false, func(index) (bool, error) {
		return false, nil
	})
}
