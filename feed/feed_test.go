package feed

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/pelican"
)

func TestRun_DirectCommands(t *testing.T) {
	dbs := setup(t, "app")
	res := must(Run(dbs, []byte(`[
		{"app": {"users": {"uid": "ins", "+": {"_id": "u1", "name": "foo", "age": 30}}}},
		{"app": {"users": {"uid": "many", "insert": [{"_id": "u2", "age": 20}, {"_id": "u3", "age": 40}]}}},
		{"app": {"users": {"uid": "upd", "->": ["u1", {"name": "bar"}]}}},
		{"app": {"users": {"uid": "old", "??": {"age": {"$gte": 30}}}}},
		{"app": {"users": {"uid": "one", "?": "u1"}}},
		{"app": {"users": {"uid": "gone", "-": ["u2", "nope"]}}},
		// a trailing comma and a comment are fine
	]`)))

	deepEqual(t, res["ins"], any("u1"))
	deepEqual(t, res["many"], any([]string{"u2", "u3"}))
	deepEqual(t, res["upd"], any([]string{"u1"}))
	deepEqual(t, ids(res["old"].([]pelican.Document)), []string{"u1", "u3"})
	deepEqual(t, res["one"].(pelican.Document)["name"], any("bar"))
	deepEqual(t, res["gone"], any([]string{"u2"}))

	users := dbs["app"].Collection("users")
	deepEqual(t, must(users.Len()), 2)
}

func TestRun_SessionCommitsTogether(t *testing.T) {
	dbs := setup(t, "app")
	res := must(Run(dbs, []byte(`[
		{"app": [
			{"users": {"+": {"_id": "u1", "name": "foo"}}},
			{"posts": {"uid": "p", "+": {"_id": "p1", "author": "u1"}}},
			{"users": {"uid": "seen", "?": "u1"}}
		]}
	]`)))
	deepEqual(t, res["p"], any("p1"))
	deepEqual(t, res["seen"].(pelican.Document)["name"], any("foo"))
	deepEqual(t, must(dbs["app"].Collection("posts").Get("p1"))["author"], any("u1"))

	_, err := Run(dbs, []byte(`[
		{"app": [
			{"posts": {"+": {"_id": "p2"}}},
			{"users": {"+": {"_id": "u1"}}}
		]}
	]`))
	require.ErrorIs(t, err, pelican.ErrDuplicateID)
	if doc := must(dbs["app"].Collection("posts").Get("p2")); doc != nil {
		t.Errorf("** p2 written by a failed session")
	}
}

func TestRun_UpsertAndClear(t *testing.T) {
	dbs := setup(t, "app")
	must(Run(dbs, []byte(`[{"app": {"kv": {"+": {"_id": "k", "v": 1}}}}]`)))
	_, err := Run(dbs, []byte(`[{"app": {"kv": {"+": {"_id": "k", "v": 2}}}}]`))
	require.ErrorIs(t, err, pelican.ErrDuplicateID)

	must(Run(dbs, []byte(`[{"app": {"kv": {"++": {"_id": "k", "v": 2}}}}]`)))
	deepEqual(t, must(dbs["app"].Collection("kv").Get("k"))["v"], any(int64(2)))

	res := must(Run(dbs, []byte(`[{"app": {"kv": {"uid": 7, "--": null}}}]`)))
	deepEqual(t, res["7"], any(true))
	deepEqual(t, must(dbs["app"].Collection("kv").Len()), 0)

	_, err = Run(dbs, []byte(`[{"app": [{"kv": {"--": null}}]}]`))
	require.ErrorIs(t, err, pelican.ErrValidation)
}

func TestRun_MultipleDatabases(t *testing.T) {
	dbs := setup(t, "a", "b")
	res := must(Run(dbs, []byte(`[
		{"a": {"x": {"+": {"_id": "1"}}}, "b": {"y": {"+": {"_id": "2"}}}},
		{"a": {"x": {"uid": "ax", "??": {}}}},
		{"b": [{"y": {"uid": "by", "get": {"_id": "2"}}}]}
	]`)))
	isempty(t, res["ax"].([]pelican.Document))
	deepEqual(t, ids(res["by"].([]pelican.Document)), []string{"2"})
}

func TestRun_Errors(t *testing.T) {
	dbs := setup(t, "app")
	tests := []struct {
		name  string
		batch string
	}{
		{"not a JSON", `[`},
		{"root not array", `{"app": {}}`},
		{"entry not object", `[1]`},
		{"unknown db", `[{"nope": {"x": {"+": {}}}}]`},
		{"bad commands", `[{"app": 1}]`},
		{"unknown command", `[{"app": {"x": {"*": {}}}}]`},
		{"missing command", `[{"app": {"x": {"uid": "u"}}}]`},
		{"bad update", `[{"app": {"x": {"->": {"a": 1}}}}]`},
		{"bad selector", `[{"app": {"x": {"-": 1}}}]`},
		{"bad session item", `[{"app": [1]}]`},
		{"missing single id", `[{"app": {"x": {"->": ["nope", {"a": 1}]}}}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(dbs, []byte(tt.batch))
			require.Error(t, err)
		})
	}

	_, err := Run(dbs, []byte(`[{"nope": {}}]`))
	require.ErrorIs(t, err, ErrUnknownDatabase)
	_, err = Run(dbs, []byte(`[{"app": {"x": {"->": ["nope", {"a": 1}]}}}]`))
	require.ErrorIs(t, err, pelican.ErrNotFound)
}

func TestCanonical(t *testing.T) {
	for short, long := range map[string]string{"+": "insert", "++": "upsert", "->": "update", "-": "delete", "??": "find", "?": "get", "--": "clear"} {
		deepEqual(t, must2(Canonical(short)), long)
		deepEqual(t, must2(Canonical(long)), long)
	}
	_, ok := Canonical("drop")
	deepEqual(t, ok, false)
}

func setup(t testing.TB, names ...string) map[string]*pelican.DB {
	dir := t.TempDir()
	dbs := make(map[string]*pelican.DB)
	for _, name := range names {
		db := must(pelican.Open(dir, name, pelican.Options{NoSync: true, Logger: slog.New(slog.DiscardHandler)}))
		t.Cleanup(func() { db.Close() })
		dbs[name] = db
	}
	return dbs
}

func ids(docs []pelican.Document) []string {
	result := make([]string, len(docs))
	for i, doc := range docs {
		result[i] = doc.ID()
	}
	return result
}

func deepEqual[T any](t testing.TB, a, e T) {
	t.Helper()
	require.Equal(t, e, a)
}

func isempty[T any](t testing.TB, a []T) {
	t.Helper()
	if len(a) != 0 {
		t.Errorf("** got %v, wanted empty", a)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func must2[T any](v T, ok bool) T {
	if !ok {
		panic("not ok")
	}
	return v
}
