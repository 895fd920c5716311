package pelican

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIndex_Basics(t *testing.T) {
	db := setup(t)
	users := db.Collection("users")
	ensure(users.RegisterHashIndex("users_by_email", "email", IndexOptions{}))

	must(users.InsertMany([]Document{
		{IDField: "u1", "email": "foo@example.com"},
		{IDField: "u2", "email": "bar@example.com"},
		{IDField: "u3"},
	}, WriteOptions{}))

	deepEqual(t, must(users.GetByIndex("users_by_email", "foo@example.com")).ID(), "u1")
	deepEqual(t, must(users.GetByIndex("users_by_email", "bar@example.com")).ID(), "u2")
	isnil(t, must(users.GetByIndex("users_by_email", "baz@example.com")))

	must(users.Update(ByID("u1"), Document{"email": "new@example.com"}, WriteOptions{}))
	isnil(t, must(users.GetByIndex("users_by_email", "foo@example.com")))
	deepEqual(t, must(users.GetByIndex("users_by_email", "new@example.com")).ID(), "u1")

	must(users.Delete(ByID("u2"), WriteOptions{}))
	isnil(t, must(users.GetByIndex("users_by_email", "bar@example.com")))

	// persisted, so a fresh handle finds it
	if _, err := os.Stat(filepath.Join(db.Path(), "users_by_email"+indexExt)); err != nil {
		t.Fatalf("** index file: %v", err)
	}
	db2 := setupWith(t, filepath.Dir(db.Path()), Options{})
	deepEqual(t, must(db2.Collection("users").GetByIndex("users_by_email", "new@example.com")).ID(), "u1")
}

func TestHashIndex_NumericValues(t *testing.T) {
	db := setup(t)
	c := db.Collection("items")
	ensure(c.RegisterHashIndex("items_by_code", "code", IndexOptions{}))
	must(c.Insert(Document{IDField: "a", "code": 42}, WriteOptions{}))
	must(c.Insert(Document{IDField: "b", "code": true}, WriteOptions{}))

	// values are indexed by their string form
	deepEqual(t, must(c.GetByIndex("items_by_code", 42)).ID(), "a")
	deepEqual(t, must(c.GetByIndex("items_by_code", int64(42))).ID(), "a")
	deepEqual(t, must(c.GetByIndex("items_by_code", "42")).ID(), "a")
	deepEqual(t, must(c.GetByIndex("items_by_code", "true")).ID(), "b")
	isnil(t, must(c.GetByIndex("items_by_code", 43)))

	_, err := c.GetByIndex("items_by_code", []any{1})
	require.ErrorIs(t, err, ErrValidation)
}

func TestHashIndex_Reindex(t *testing.T) {
	db := setup(t)
	users := db.Collection("users")
	must(users.InsertMany([]Document{
		{IDField: "u1", "email": "foo@example.com"},
		{IDField: "u2", "email": "bar@example.com"},
	}, WriteOptions{}))

	ensure(users.RegisterHashIndex("users_by_email", "email", IndexOptions{}))
	isnil(t, must(users.GetByIndex("users_by_email", "foo@example.com")))

	ensure(users.ReindexHash("users_by_email"))
	deepEqual(t, must(users.GetByIndex("users_by_email", "foo@example.com")).ID(), "u1")
}

func TestHashIndex_NoIndexWrites(t *testing.T) {
	db := setup(t)
	users := db.Collection("users")
	ensure(users.RegisterHashIndex("users_by_email", "email", IndexOptions{}))
	must(users.Insert(Document{IDField: "u1", "email": "foo@example.com"}, WriteOptions{NoIndex: true}))
	isnil(t, must(users.GetByIndex("users_by_email", "foo@example.com")))
}

func TestIndex_Errors(t *testing.T) {
	db := setup(t)
	users := db.Collection("users")
	posts := db.Collection("posts")

	_, err := users.GetByIndex("nope", "x")
	require.ErrorIs(t, err, ErrNoIndex)
	_, err = db.SearchTextIndex("nope", "x")
	require.ErrorIs(t, err, ErrNoIndex)
	require.ErrorIs(t, users.ReindexText("nope"), ErrNoIndex)

	ensure(users.RegisterHashIndex("by_email", "email", IndexOptions{}))
	require.ErrorIs(t, users.RegisterTextIndex("by_email", "email", IndexOptions{}), ErrValidation)
	require.ErrorIs(t, users.RegisterHashIndex("", "email", IndexOptions{}), ErrValidation)
	require.ErrorIs(t, users.RegisterHashIndex("x", "", IndexOptions{}), ErrValidation)
	require.ErrorIs(t, users.RegisterHashIndex("a/b", "email", IndexOptions{}), ErrValidation)

	_, err = posts.GetByIndex("by_email", "x")
	require.ErrorIs(t, err, ErrValidation)

	deepEqual(t, must(db.HashIndexes()), map[string]IndexSettings{
		"by_email": {Collection: "users", Field: "email"},
	})
	isempty(t, mapKeys(must(db.TextIndexes())))
}

func TestTextIndex_Search(t *testing.T) {
	db := setupWith(t, t.TempDir(), Options{BranchSize: 3})
	posts := db.Collection("posts")
	ensure(posts.RegisterTextIndex("posts_text", "body", IndexOptions{}))

	const n = 25
	for i := range n {
		must(posts.Insert(Document{IDField: fmt.Sprintf("p%02d", i), "body": fmt.Sprintf("post number %d about cats", i)}, WriteOptions{}))
	}
	must(posts.Insert(Document{IDField: "dog", "body": "all about dogs"}, WriteOptions{}))
	must(posts.Insert(Document{IDField: "none", "title": "no body"}, WriteOptions{}))

	deepEqual(t, searchIDs(t, db, "posts_text", "dogs"), []string{"dog"})
	deepEqual(t, searchIDs(t, db, "posts_text", "number 13 "), []string{"p13"})
	deepEqual(t, len(searchIDs(t, db, "posts_text", "cats")), n)
	deepEqual(t, len(searchIDs(t, db, "posts_text", "about")), n+1)
	isempty(t, searchIDs(t, db, "posts_text", "parrots"))

	must(posts.Update(ByID("dog"), Document{"body": "all about parrots"}, WriteOptions{}))
	isempty(t, searchIDs(t, db, "posts_text", "dogs"))
	deepEqual(t, searchIDs(t, db, "posts_text", "parrots"), []string{"dog"})

	must(posts.Delete(ByID("p13"), WriteOptions{}))
	isempty(t, searchIDs(t, db, "posts_text", "number 13 "))

	db2 := setupWith(t, filepath.Dir(db.Path()), Options{BranchSize: 3})
	deepEqual(t, searchIDs(t, db2, "posts_text", "parrots"), []string{"dog"})
	deepEqual(t, len(searchIDs(t, db2, "posts_text", "cats")), n-1)
}

func TestTextIndex_Reindex(t *testing.T) {
	db := setup(t)
	posts := db.Collection("posts")
	for i := range 12 {
		must(posts.Insert(Document{IDField: fmt.Sprintf("p%02d", i), "body": fmt.Sprintf("body %d", i)}, WriteOptions{}))
	}
	ensure(posts.RegisterTextIndex("posts_text", "body", IndexOptions{}))
	isempty(t, searchIDs(t, db, "posts_text", "body"))

	ensure(posts.ReindexText("posts_text"))
	deepEqual(t, len(searchIDs(t, db, "posts_text", "body")), 12)
	deepEqual(t, searchIDs(t, db, "posts_text", "body 11"), []string{"p11"})
}

func TestIndex_DynamicIsNotPersisted(t *testing.T) {
	db := setup(t)
	users := db.Collection("users")
	ensure(users.RegisterHashIndex("dyn_email", "email", IndexOptions{Dynamic: true}))
	ensure(users.RegisterTextIndex("dyn_name", "name", IndexOptions{Dynamic: true}))

	must(users.Insert(Document{IDField: "u1", "email": "foo@example.com", "name": "Foo Bar"}, WriteOptions{}))
	deepEqual(t, must(users.GetByIndex("dyn_email", "foo@example.com")).ID(), "u1")
	deepEqual(t, searchIDs(t, db, "dyn_name", "o B"), []string{"u1"})

	for _, name := range []string{"dyn_email", "dyn_name"} {
		if _, err := os.Stat(filepath.Join(db.Path(), name+indexExt)); !os.IsNotExist(err) {
			t.Errorf("** %s: expected no index file, got err = %v", name, err)
		}
	}

	db2 := setupWith(t, filepath.Dir(db.Path()), Options{})
	isnil(t, must(db2.Collection("users").GetByIndex("dyn_email", "foo@example.com")))
}

func TestIndex_Queue(t *testing.T) {
	q := &memQueue{}
	db := setupWith(t, t.TempDir(), Options{IndexQueue: q})
	users := db.Collection("users")
	ensure(users.RegisterHashIndex("users_by_email", "email", IndexOptions{}))

	must(users.Insert(Document{IDField: "u1", "email": "foo@example.com"}, WriteOptions{}))
	must(users.Update(ByID("u1"), Document{"email": "bar@example.com"}, WriteOptions{}))

	// nothing indexed until the queue is drained
	isnil(t, must(users.GetByIndex("users_by_email", "foo@example.com")))
	isnil(t, must(users.GetByIndex("users_by_email", "bar@example.com")))

	tasks := q.drain()
	require.Len(t, tasks, 3)
	deepEqual(t, tasks[0].Op, IndexAdd)
	deepEqual(t, tasks[1].Op, IndexDelete)
	deepEqual(t, tasks[2].Op, IndexAdd)
	for _, task := range tasks {
		deepEqual(t, task.Database, db.Name())
		deepEqual(t, task.Collection, "users")
		ensure(db.ApplyIndexTask(task))
	}

	isnil(t, must(users.GetByIndex("users_by_email", "foo@example.com")))
	deepEqual(t, must(users.GetByIndex("users_by_email", "bar@example.com")).ID(), "u1")

	require.ErrorIs(t, db.ApplyIndexTask(IndexTask{Database: "other", Op: IndexAdd}), ErrValidation)
	require.ErrorIs(t, db.ApplyIndexTask(IndexTask{Op: IndexOp(7)}), ErrValidation)
}

func TestHashValue(t *testing.T) {
	a, ok := hashValue("42")
	deepEqual(t, ok, true)
	b, _ := hashValue(42)
	c, _ := hashValue(int64(42))
	deepEqual(t, len(a), 40)
	deepEqual(t, b, c)
	deepEqual(t, a, b)
	d, _ := hashValue("43")
	if a == d {
		t.Errorf("** different values hash the same")
	}
	_, ok = hashValue(nil)
	deepEqual(t, ok, false)
	_, ok = hashValue(map[string]any{})
	deepEqual(t, ok, false)
}

type memQueue struct {
	mu    sync.Mutex
	tasks []IndexTask
}

func (q *memQueue) Put(task IndexTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *memQueue) drain() []IndexTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

func searchIDs(t testing.TB, db *DB, name, s string) []string {
	t.Helper()
	docs := must(db.SearchTextIndex(name, s))
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID())
	}
	sort.Strings(ids)
	return ids
}

func mapKeys[K comparable, V any](m map[K]V) []K {
	var keys []K
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
