package pelican

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOp_String(t *testing.T) {
	if OpInsert.String() != "insert" || OpUpdate.String() != "update" || OpDelete.String() != "delete" || OpNone.String() != "none" {
		t.Fatalf("unexpected Op.String values")
	}
	if got := Op(999).String(); got == "insert" || got == "none" {
		t.Fatalf("unexpected Op(999).String() = %q", got)
	}
	deepEqual(t, IndexAdd.String(), "add")
	deepEqual(t, IndexDelete.String(), "delete")
}

func TestOnBeforeChange_SeesEveryWrite(t *testing.T) {
	db := setup(t)
	c := db.Collection("users")

	var got []*Change
	c.OnBeforeChange(func(chg *Change) error {
		got = append(got, chg)
		return nil
	})

	must(c.Insert(Document{IDField: "u1", "name": "foo"}, WriteOptions{}))
	must(c.Update(ByID("u1"), Document{"name": "bar"}, WriteOptions{}))
	must(c.Delete(ByID("u1"), WriteOptions{}))

	require.Len(t, got, 3)
	deepEqual(t, got[0].Op, OpInsert)
	deepEqual(t, got[0].Collection, "users")
	deepEqual(t, got[0].Docs[0]["name"], any("foo"))

	deepEqual(t, got[1].Op, OpUpdate)
	deepEqual(t, got[1].Patch, Document{"name": "bar"})
	deepEqual(t, got[1].Selector.String(), `id "u1"`)
	isempty(t, got[1].Docs)

	deepEqual(t, got[2].Op, OpDelete)
	deepEqual(t, got[2].Docs[0]["name"], any("bar"))
}

func TestOnBeforeChange_MutatesDocuments(t *testing.T) {
	db := setup(t)
	c := db.Collection("users")
	c.OnBeforeChange(func(chg *Change) error {
		switch chg.Op {
		case OpInsert:
			for _, doc := range chg.Docs {
				doc["created"] = true
			}
		case OpUpdate:
			chg.Patch["touched"] = 1
		}
		return nil
	})

	id := must(c.Insert(Document{"name": "foo"}, WriteOptions{}))
	deepEqual(t, must(c.Get(id))["created"], any(true))

	must(c.Update(ByID(id), Document{"name": "bar"}, WriteOptions{}))
	doc := must(c.Get(id))
	deepEqual(t, doc["touched"], any(int64(1)))
	deepEqual(t, doc["created"], any(true))
}

func TestOnBeforeChange_AbortsWrite(t *testing.T) {
	db := setup(t)
	c := db.Collection("users")
	must(c.Insert(Document{IDField: "keep"}, WriteOptions{}))

	errNope := errors.New("nope")
	c.OnBeforeChange(func(chg *Change) error {
		return errNope
	})

	_, err := c.Insert(Document{IDField: "u1"}, WriteOptions{})
	require.ErrorIs(t, err, errNope)
	isnil(t, must(c.Get("u1")))

	_, err = c.Update(ByID("keep"), Document{"x": 1}, WriteOptions{})
	require.ErrorIs(t, err, errNope)
	deepEqual(t, must(c.Get("keep")).Version(), int64(0))

	_, err = c.Delete(ByID("keep"), WriteOptions{})
	require.ErrorIs(t, err, errNope)
	deepEqual(t, must(c.Exists("keep")), true)
}

func TestOnBeforeChange_RunsForUpdatingInserts(t *testing.T) {
	db := setup(t)
	c := db.Collection("users")
	must(c.Insert(Document{IDField: "u1", "n": 1}, WriteOptions{}))

	var ops []Op
	c.OnBeforeChange(func(chg *Change) error {
		ops = append(ops, chg.Op)
		chg.Docs[0]["seen"] = true
		return nil
	})
	must(c.Insert(Document{IDField: "u1", "n": 2}, WriteOptions{Update: true}))
	must(c.Insert(Document{IDField: "u1", "n": 3}, WriteOptions{Upsert: true}))
	deepEqual(t, ops, []Op{OpInsert, OpInsert})
	deepEqual(t, must(c.Get("u1"))["seen"], any(true))

	errNope := errors.New("nope")
	c.OnBeforeChange(func(chg *Change) error {
		return errNope
	})
	_, err := c.Insert(Document{IDField: "u1", "n": 4}, WriteOptions{Update: true})
	require.ErrorIs(t, err, errNope)
	doc := must(c.Get("u1"))
	deepEqual(t, doc["n"], any(int64(3)))
	deepEqual(t, doc.Version(), int64(2))
}
