package pelican

import (
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
)

// Session stages writes to any number of collections and persists them all
// together on Commit, or drops them on Abort.
//
// Staged writes are invisible to collection reads until committed. Reads
// through Session.Get and Session.Find see them. A Session is not meant to be
// shared between goroutines, but its methods are safe to call concurrently.
type Session struct {
	db     *DB
	mu     sync.Mutex
	closed bool
	staged map[*Collection]*stagedCollection
}

type stagedCollection struct {
	ops []writeOp

	// overlay holds the latest staged document per id, nil for deletes
	overlay map[string]Document

	// indexed lists ids with at least one op that maintains indexes
	indexed map[string]bool
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Session) error, s *Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(s)
}

// Session runs fn in a new session, committing it if fn returns nil and
// aborting it if fn returns an error or panics. A panic is returned as an
// error.
func (db *DB) Session(fn func(s *Session) error) error {
	s := db.BeginSession()
	err := safelyCall(fn, s)
	if err != nil {
		s.Abort()
		db.logger.Info("pelican: session aborted", "db", db.name, "err", err)
		return err
	}
	return s.Commit()
}

// BeginSession starts a session the caller must end with Commit or Abort.
func (db *DB) BeginSession() *Session {
	return &Session{
		db:     db,
		staged: make(map[*Collection]*stagedCollection),
	}
}

func (s *Session) DB() *DB {
	return s.db
}

// stage queues ops for c, rejecting duplicate inserts early.
func (s *Session) stage(c *Collection, ops []writeOp, noIndex bool) error {
	if c.db != s.db {
		return collErrf(c.name, "", ErrValidation, "collection belongs to another database")
	}

	for _, op := range ops {
		if op.doc == nil || op.upsert || op.update {
			continue
		}
		existing, err := s.Get(c, op.id)
		if err != nil {
			return err
		}
		if existing != nil {
			return collErrf(c.name, op.id, ErrDuplicateID, "insert")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	sc := s.staged[c]
	if sc == nil {
		sc = &stagedCollection{
			overlay: make(map[string]Document),
			indexed: make(map[string]bool),
		}
		s.staged[c] = sc
	}
	for _, op := range ops {
		if op.doc != nil {
			op.doc = op.doc.Clone()
		}
		sc.ops = append(sc.ops, op)
		sc.overlay[op.id] = op.doc
		if !noIndex {
			sc.indexed[op.id] = true
		}
	}
	return nil
}

func (s *Session) overlayDoc(c *Collection, id string) (Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc := s.staged[c]; sc != nil {
		doc, found := sc.overlay[id]
		return doc.Clone(), found
	}
	return nil, false
}

// Get returns the document as this session sees it, including staged
// writes. Staged documents do not carry a _version yet.
func (s *Session) Get(c *Collection, id string) (Document, error) {
	if doc, found := s.overlayDoc(c, id); found {
		return doc, nil
	}
	return c.Get(id)
}

// Find returns the documents matching cond as this session sees them,
// ordered by id.
func (s *Session) Find(c *Collection, cond Condition) ([]Document, error) {
	all, err := c.All()
	if err != nil {
		return nil, err
	}
	docs := make(map[string]Document, len(all))
	for _, doc := range all {
		docs[doc.ID()] = doc
	}
	s.mu.Lock()
	if sc := s.staged[c]; sc != nil {
		for id, doc := range sc.overlay {
			if doc == nil {
				delete(docs, id)
			} else {
				docs[id] = doc.Clone()
			}
		}
	}
	s.mu.Unlock()

	var result []Document
	for _, id := range slices.Sorted(maps.Keys(docs)) {
		ok, err := Evaluate(cond, docs[id])
		if err != nil {
			return nil, collErrf(c.name, id, err, "find")
		}
		if ok {
			result = append(result, docs[id])
		}
	}
	return result, nil
}

// Commit persists every staged write. Collections are locked in name order,
// and every batch is validated under the locks before anything is written,
// so a conflict leaves all files untouched. Index maintenance runs after the
// locks are released.
func (s *Session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.closed = true
	staged := s.staged
	s.staged = nil
	s.mu.Unlock()

	colls := slices.SortedFunc(maps.Keys(staged), func(a, b *Collection) int {
		return strings.Compare(a.name, b.name)
	})

	var locks []*fileLock
	release := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Close()
		}
		for i := len(locks) - 1; i >= 0; i-- {
			colls[i].mu.Unlock()
		}
	}
	for _, c := range colls {
		c.mu.Lock()
		lk, err := c.lockFiles(true)
		if err != nil {
			c.mu.Unlock()
			release()
			return err
		}
		locks = append(locks, lk)
	}

	plans := make([]*writePlan, len(colls))
	for i, c := range colls {
		err := c.refreshLocked(true)
		if err == nil {
			plans[i], err = c.planLocked(staged[c].ops)
		}
		if err != nil {
			release()
			return err
		}
	}
	for i, c := range colls {
		if err := c.persistLocked(plans[i]); err != nil {
			release()
			return err
		}
	}
	for i, c := range colls {
		c.applyLocked(plans[i])
	}
	release()

	var ops int
	for i, c := range colls {
		sc := staged[c]
		ops += len(sc.ops)
		err := s.db.maintainIndexes(c.name, filterIndexed(plans[i].previous, sc.indexed), filterIndexed(plans[i].written, sc.indexed))
		if err != nil {
			return err
		}
	}
	if s.db.opt.Verbose {
		s.db.logf("pelican: COMMIT %d ops in %d collections", ops, len(colls))
	}
	return nil
}

func filterIndexed(docs []Document, indexed map[string]bool) []Document {
	var result []Document
	for _, doc := range docs {
		if indexed[doc.ID()] {
			result = append(result, doc)
		}
	}
	return result
}

// Abort drops all staged writes without touching any file. Touched
// collections reload their state on next access.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.staged {
		c.mu.Lock()
		c.loaded = false
		c.mu.Unlock()
	}
	s.staged = nil
}
