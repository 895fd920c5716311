package pelican

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/natefinch/atomic"

	"github.com/andreyvit/pelican/mmap"
)

// WriteOptions control Insert, InsertMany, Update and Delete.
type WriteOptions struct {
	// Upsert allows overwriting a document whose id already exists.
	Upsert bool

	// Update marks the write as a modification of an existing document. Like
	// Upsert, it permits the id to exist already.
	Update bool

	// NoIndex skips index maintenance for this write.
	NoIndex bool

	// Session stages the write in a session instead of committing it now.
	Session *Session
}

// Selector picks the documents an Update or Delete applies to: a single id,
// a list of ids, or a condition.
type Selector struct {
	ids    []string
	single bool
	cond   Condition
}

func ByID(id string) Selector {
	return Selector{ids: []string{id}, single: true}
}

func ByIDs(ids ...string) Selector {
	return Selector{ids: ids}
}

func ByCondition(cond Condition) Selector {
	return Selector{cond: cond}
}

func (s Selector) String() string {
	switch {
	case s.single:
		return fmt.Sprintf("id %q", s.ids[0])
	case s.cond != nil:
		return fmt.Sprintf("condition %v", s.cond)
	default:
		return fmt.Sprintf("ids %q", s.ids)
	}
}

// resolve returns the live documents the selector matches. Unknown ids in a
// list are skipped; an unknown single id is an ErrNotFound.
func (s Selector) resolve(c *Collection, sess *Session) ([]Document, error) {
	if s.cond != nil {
		if sess != nil {
			return sess.Find(c, s.cond)
		}
		return c.Find(s.cond)
	}
	var result []Document
	for _, id := range s.ids {
		var doc Document
		var err error
		if sess != nil {
			doc, err = sess.Get(c, id)
		} else {
			doc, err = c.Get(id)
		}
		if err != nil {
			return nil, err
		}
		if doc == nil {
			if s.single {
				return nil, collErrf(c.name, id, ErrNotFound, "")
			}
			continue
		}
		result = append(result, doc)
	}
	return result, nil
}

// writeOp is one staged put or delete. Ops are applied in order, so a batch
// may delete and recreate the same id.
type writeOp struct {
	doc    Document // nil for deletes
	id     string
	upsert bool
	update bool
}

// writePlan is a validated batch with versions assigned and documents
// encoded, ready to be persisted under the collection's exclusive lock.
type writePlan struct {
	marker   string
	puts     []plannedPut
	latest   map[string]int64
	deleted  []string
	previous []Document // documents replaced or removed by this plan
	written  []Document // final versions of documents this plan leaves live
}

type plannedPut struct {
	doc  Document
	data []byte
	ptr  pointer
}

func (p *writePlan) empty() bool {
	return len(p.puts) == 0 && len(p.deleted) == 0
}

// planLocked validates ops against the current state and assigns versions.
// The caller must hold c.mu and the exclusive file lock, with the state
// refreshed.
func (c *Collection) planLocked(ops []writeOp) (*writePlan, error) {
	plan := &writePlan{
		marker: newMarker(),
		latest: maps.Clone(c.latest),
	}
	nextVer := make(map[string]int64)
	touched := make(map[string]bool)
	final := make(map[string]int)

	recordPrevious := func(id string) error {
		if touched[id] {
			return nil
		}
		touched[id] = true
		if _, found := c.latest[id]; !found {
			return nil
		}
		old, err := c.getLocked(id)
		if err != nil {
			return err
		}
		if old != nil {
			plan.previous = append(plan.previous, old)
		}
		return nil
	}

	for _, op := range ops {
		if op.doc == nil {
			if _, found := plan.latest[op.id]; !found {
				continue
			}
			if err := recordPrevious(op.id); err != nil {
				return nil, err
			}
			delete(plan.latest, op.id)
			delete(final, op.id)
			plan.deleted = append(plan.deleted, op.id)
			continue
		}

		id := op.doc.ID()
		if _, found := plan.latest[id]; found && !op.upsert && !op.update {
			return nil, collErrf(c.name, id, ErrDuplicateID, "insert")
		}
		if err := recordPrevious(id); err != nil {
			return nil, err
		}

		v, found := nextVer[id]
		if !found {
			if last, found := c.maxVer[id]; found {
				v = last + 1
			}
		}
		nextVer[id] = v + 1

		doc := op.doc.Clone()
		doc[IDField] = id
		doc[VersionField] = v
		data, err := encodeDocument(nil, doc)
		if err != nil {
			return nil, collErrf(c.name, id, err, "encode")
		}
		plan.latest[id] = v
		final[id] = len(plan.puts)
		plan.puts = append(plan.puts, plannedPut{doc: doc, data: data, ptr: pointer{Version: v, ID: id}})
	}

	for _, i := range slices.Sorted(maps.Values(final)) {
		plan.written = append(plan.written, plan.puts[i].doc)
	}
	return plan, nil
}

// persistLocked writes the plan to disk: data blob first, then pointer
// lines, then the latest-version index, and the new marker last.
func (c *Collection) persistLocked(plan *writePlan) error {
	if plan.empty() {
		return nil
	}
	if err := os.MkdirAll(c.db.basePath, 0o755); err != nil {
		return c.writeErr(err, "create directory")
	}

	if len(plan.puts) > 0 {
		if err := c.appendData(plan); err != nil {
			return c.writeErr(err, "append data")
		}
		if err := c.appendPointers(plan); err != nil {
			return c.writeErr(err, "append pointers")
		}
	}

	latest, err := encodeLatest(plan.latest)
	if err != nil {
		return c.writeErr(err, "encode latest versions")
	}
	if err := atomic.WriteFile(c.idPath, bytes.NewReader(latest)); err != nil {
		return c.writeErr(err, "write latest versions")
	}
	if err := writeMarker(c.ptrPath, plan.marker); err != nil {
		return c.writeErr(err, "write marker")
	}
	return nil
}

func (c *Collection) writeErr(err error, msg string) error {
	// memory no longer matches the files, force a reload on next access
	c.loaded = false
	return collErrf(c.name, "", fmt.Errorf("%w: %v", ErrWrite, err), "%s", msg)
}

func (c *Collection) appendData(plan *writePlan) error {
	f, err := os.OpenFile(c.datPath, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	off, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	var n int
	for _, put := range plan.puts {
		n += len(put.data)
	}
	buf := make([]byte, 0, n)
	for i := range plan.puts {
		put := &plan.puts[i]
		put.ptr.Begin = off + int64(len(buf))
		buf = append(buf, put.data...)
		put.ptr.End = off + int64(len(buf))
	}
	if _, err := f.Write(buf); err != nil {
		return err
	}
	if !c.db.opt.NoSync {
		if err := mmap.Fdatasync(f); err != nil {
			return err
		}
	}
	return f.Close()
}

func (c *Collection) appendPointers(plan *writePlan) error {
	f, err := os.OpenFile(c.ptrPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	off := fi.Size()
	var buf []byte
	if off < markerLen {
		buf = append(buf, plan.marker...)
		buf = append(buf, '\n')
		off = 0
	}
	for _, put := range plan.puts {
		buf = appendPointerLine(buf, put.ptr)
	}
	if _, err := f.WriteAt(buf, off); err != nil {
		return err
	}
	if !c.db.opt.NoSync {
		if err := mmap.Fdatasync(f); err != nil {
			return err
		}
	}
	return f.Close()
}

// applyLocked makes a persisted plan the cached state.
func (c *Collection) applyLocked(plan *writePlan) {
	if plan.empty() {
		return
	}
	c.marker = plan.marker
	c.latest = plan.latest
	for _, put := range plan.puts {
		c.ptrs[versionKey(put.ptr.ID, put.ptr.Version)] = put.ptr
		c.maxVer[put.ptr.ID] = put.ptr.Version
	}
	if c.docs != nil {
		for _, id := range plan.deleted {
			delete(c.docs, id)
		}
		for _, doc := range plan.written {
			c.docs[doc.ID()] = doc
		}
	}
	if c.cache != nil {
		for _, put := range plan.puts {
			c.cache.SetDefault(versionKey(put.ptr.ID, put.ptr.Version), put.doc)
		}
	}
	if c.db.opt.Verbose {
		for _, put := range plan.puts {
			c.db.logf("pelican: PUT %s/%s@%d (%d bytes)", c.name, put.ptr.ID, put.ptr.Version, len(put.data))
		}
		for _, id := range plan.deleted {
			c.db.logf("pelican: DELETE %s/%s", c.name, id)
		}
	}
}

// commit writes ops directly under the exclusive collection lock.
func (c *Collection) commit(ops []writeOp) (*writePlan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lk, err := c.lockFiles(true)
	if err != nil {
		return nil, err
	}
	defer lk.Close()

	if err := c.refreshLocked(true); err != nil {
		return nil, err
	}
	plan, err := c.planLocked(ops)
	if err != nil {
		return nil, err
	}
	if err := c.persistLocked(plan); err != nil {
		return nil, err
	}
	c.applyLocked(plan)
	return plan, nil
}

// prepareDocs normalizes copies of docs and assigns missing ids.
func prepareDocs(docs []Document) ([]Document, error) {
	result := make([]Document, len(docs))
	for i, doc := range docs {
		if doc == nil {
			return nil, validationErrf("document %d is nil", i)
		}
		doc = doc.Clone()
		if err := normalizeDocument(doc); err != nil {
			return nil, err
		}
		switch id := doc[IDField].(type) {
		case nil:
			doc[IDField] = newID()
		case string:
			if id == "" {
				return nil, validationErrf("document %d has an empty _id", i)
			}
		default:
			return nil, validationErrf("document %d: _id must be a string, got %T", i, id)
		}
		result[i] = doc
	}
	return result, nil
}

// Insert writes a document and returns its id, generating one if the
// document has no _id. The document passed in is not modified.
func (c *Collection) Insert(doc Document, opt WriteOptions) (string, error) {
	ids, err := c.InsertMany([]Document{doc}, opt)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// InsertMany writes documents as one batch: either all of them are written,
// or none are.
func (c *Collection) InsertMany(docs []Document, opt WriteOptions) ([]string, error) {
	docs, err := prepareDocs(docs)
	if err != nil {
		return nil, collErrf(c.name, "", err, "insert")
	}

	if fn := c.beforeChangeFunc(); fn != nil {
		if err := fn(&Change{Op: OpInsert, Collection: c.name, Docs: docs}); err != nil {
			return nil, collErrf(c.name, "", err, "before insert")
		}
		for i, doc := range docs {
			if err := normalizeDocument(doc); err != nil {
				return nil, collErrf(c.name, "", err, "before insert: document %d", i)
			}
			if doc.ID() == "" {
				return nil, collErrf(c.name, "", ErrValidation, "before insert: document %d lost its _id", i)
			}
		}
	}
	return c.writeDocs(docs, opt)
}

func (c *Collection) writeDocs(docs []Document, opt WriteOptions) ([]string, error) {
	ids := make([]string, len(docs))
	ops := make([]writeOp, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID()
		ops[i] = writeOp{doc: doc, id: ids[i], upsert: opt.Upsert, update: opt.Update}
	}

	if opt.Session != nil {
		if err := opt.Session.stage(c, ops, opt.NoIndex); err != nil {
			return nil, err
		}
		return ids, nil
	}

	plan, err := c.commit(ops)
	if err != nil {
		return nil, err
	}
	if !opt.NoIndex {
		if err := c.db.maintainIndexes(c.name, plan.previous, plan.written); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// Update merges patch into every document the selector matches and writes
// the results as new versions. _id and _version in the patch are ignored.
// Returns the ids of the updated documents.
func (c *Collection) Update(sel Selector, patch Document, opt WriteOptions) ([]string, error) {
	patch = patch.Clone()
	if err := normalizeDocument(patch); err != nil {
		return nil, collErrf(c.name, "", err, "update")
	}
	delete(patch, IDField)
	delete(patch, VersionField)

	if fn := c.beforeChangeFunc(); fn != nil {
		if err := fn(&Change{Op: OpUpdate, Collection: c.name, Selector: sel, Patch: patch}); err != nil {
			return nil, collErrf(c.name, "", err, "before update")
		}
		if err := normalizeDocument(patch); err != nil {
			return nil, collErrf(c.name, "", err, "before update")
		}
		delete(patch, IDField)
		delete(patch, VersionField)
	}

	docs, err := sel.resolve(c, opt.Session)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	for _, doc := range docs {
		mergePatch(doc, patch)
		delete(doc, VersionField)
	}
	opt.Update = true
	return c.writeDocs(docs, opt)
}

// Delete removes every document the selector matches from the collection.
// Their past versions stay in the data blob until Shrink. Returns the ids of
// the deleted documents.
func (c *Collection) Delete(sel Selector, opt WriteOptions) ([]string, error) {
	docs, err := sel.resolve(c, opt.Session)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}

	if fn := c.beforeChangeFunc(); fn != nil {
		if err := fn(&Change{Op: OpDelete, Collection: c.name, Selector: sel, Docs: docs}); err != nil {
			return nil, collErrf(c.name, "", err, "before delete")
		}
	}

	ids := make([]string, len(docs))
	ops := make([]writeOp, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID()
		ops[i] = writeOp{id: ids[i]}
	}

	if opt.Session != nil {
		if err := opt.Session.stage(c, ops, opt.NoIndex); err != nil {
			return nil, err
		}
		return ids, nil
	}

	plan, err := c.commit(ops)
	if err != nil {
		return nil, err
	}
	if !opt.NoIndex {
		if err := c.db.maintainIndexes(c.name, plan.previous, plan.written); err != nil {
			return ids, err
		}
	}
	return ids, nil
}
