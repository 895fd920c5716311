package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andreyvit/pelican"
)

func TestParseFlags_ConfigAndOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "pelican.json")
	writeFile(t, cfgPath, `{
		// JSONC is fine
		"dir": "/data",
		"db": "app",
		"lock_timeout": "5s",
		"disk_only": true,
	}`)

	opt := must(parseFlags([]string{"--config", cfgPath, "--db", "other", "--singleton"}, io.Discard))
	require.Equal(t, Config{
		Dir:         "/data",
		DB:          "other",
		LockTimeout: Duration(5 * time.Second),
		DiskOnly:    true,
		Singleton:   true,
	}, opt.cfg)

	opt = must(parseFlags([]string{"--timeout", "2m"}, io.Discard))
	require.Equal(t, Duration(2*time.Minute), opt.cfg.LockTimeout)
	require.Equal(t, DefaultConfig().DB, opt.cfg.DB)
}

func TestParseFlags_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := parseFlags([]string{"extra"}, io.Discard)
	require.ErrorContains(t, err, "unexpected arguments")

	_, err = parseFlags([]string{"--db", ""}, io.Discard)
	require.ErrorContains(t, err, "db must not be empty")

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"dir": ".", "nope": 1}`)
	_, err = parseFlags([]string{"--config", bad}, io.Discard)
	require.ErrorContains(t, err, "nope")

	secs := filepath.Join(dir, "secs.json")
	writeFile(t, secs, `{"lock_timeout": 1.5}`)
	opt := must(parseFlags([]string{"--config", secs}, io.Discard))
	require.Equal(t, Duration(1500*time.Millisecond), opt.cfg.LockTimeout)
}

func TestRun_Feed(t *testing.T) {
	dir := t.TempDir()
	batch := filepath.Join(dir, "batch.json")
	writeFile(t, batch, `[{"app": {"users": {"uid": "id", "+": {"_id": "u1", "name": "foo"}}}}]`)

	var out, errOut bytes.Buffer
	code := run([]string{"--dir", dir, "--db", "app", "--no-sync", "--feed", batch}, nil, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Equal(t, "u1", res["id"])

	// stdin, and databases found in the directory are available to batches
	out.Reset()
	code = run([]string{"--dir", dir, "--db", "main", "--no-sync", "--feed", "-"},
		strings.NewReader(`[{"app": {"users": {"uid": "doc", "?": "u1"}}}]`), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	require.Contains(t, out.String(), `"name": "foo"`)

	errOut.Reset()
	code = run([]string{"--dir", dir, "--no-sync", "--feed", "-"}, strings.NewReader(`[{"nope": {}}]`), &out, &errOut)
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "not initialized")
}

func TestRun_FeedWithIndexSpool(t *testing.T) {
	dir := t.TempDir()
	spool := filepath.Join(t.TempDir(), "tasks.bolt")

	var out, errOut bytes.Buffer
	code := run([]string{"--dir", dir, "--db", "app", "--no-sync", "--index-spool", spool, "--feed", "-"},
		strings.NewReader(`[{"app": {"users": {"+": {"_id": "u1", "email": "foo@example.com"}}}}]`), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	db := must(pelican.Open(dir, "app", pelican.Options{Logger: slog.New(slog.DiscardHandler)}))
	t.Cleanup(func() { db.Close() })
	users := db.Collection("users")
	require.NoError(t, users.RegisterHashIndex("users_by_email", "email", pelican.IndexOptions{}))
	require.NoError(t, users.ReindexHash("users_by_email"))
	require.Equal(t, "u1", must(users.GetByIndex("users_by_email", "foo@example.com")).ID())
}

func TestREPL_Commands(t *testing.T) {
	r, out := setupREPL(t)

	exec := func(line string) string {
		t.Helper()
		out.Reset()
		require.NoError(t, r.exec(line), line)
		return out.String()
	}

	require.Contains(t, exec(`insert users {"_id": "u1", "name": "foo", "email": "foo@example.com"}`), `"u1"`)
	require.Contains(t, exec(`upsert users [{"_id": "u2", "name": "bar baz"}]`), `"u2"`)
	require.Contains(t, exec(`get users u1`), `"name": "foo"`)
	require.Contains(t, exec(`update users u1 {"name": "qux"}`), `"u1"`)
	require.Contains(t, exec(`version users u1 0`), `"name": "foo"`)
	require.Contains(t, exec(`update users ["u1", "u2"] {"seen": true}`), `"u2"`)
	require.Contains(t, exec(`find users {"name": {"$regex": "ba"}}`), `"u2"`)
	require.Contains(t, exec(`all users`), `"qux"`)
	require.Equal(t, "users\n", exec(`collections`))

	exec(`hash-index users by_email email`)
	require.Contains(t, exec(`by-index users by_email foo@example.com`), `"u1"`)
	exec(`text-index users by_name name dynamic`)
	require.Contains(t, exec(`search by_name r b`), `"u2"`)
	exec(`reindex by_name`)
	require.Contains(t, exec(`indexes`), `"by_email"`)

	require.Contains(t, exec(`delete users {"name": "qux"}`), `"u1"`)
	require.Equal(t, "null\n", exec(`get users u1`))
	require.Contains(t, exec(`shrink users`), "users: ")
	exec(`clear users`)
	require.Equal(t, "[]\n", exec(`all users`))

	require.Equal(t, "using other\n", exec(`use other`))
	require.Equal(t, "other", r.db.Name())
	require.Contains(t, exec(`help`), "by-index")

	require.ErrorIs(t, r.exec("quit"), errQuit)
	require.ErrorContains(t, r.exec("frobnicate"), "unknown command")
	require.ErrorContains(t, r.exec("get users"), "usage: get")
	require.ErrorIs(t, r.exec("reindex nope"), pelican.ErrNoIndex)
	require.ErrorIs(t, r.exec("update users nope {}"), pelican.ErrNotFound)
}

func TestREPL_Feed(t *testing.T) {
	r, out := setupREPL(t)
	batch := filepath.Join(t.TempDir(), "batch.json")
	writeFile(t, batch, `[{"main": {"x": {"uid": "a", "+": {"_id": "1"}}}}]`)
	require.NoError(t, r.exec("feed "+batch))
	require.Contains(t, out.String(), `"a": "1"`)
	require.Error(t, r.exec("feed -"))
}

func TestParseSelector(t *testing.T) {
	sel, rest := must2(parseSelector(`abc {"x": 1}`))
	require.Equal(t, `id "abc"`, sel.String())
	require.Equal(t, `{"x": 1}`, rest)

	sel, rest = must2(parseSelector(`["a", "b"]  {"x": 1}`))
	require.Equal(t, `ids ["a" "b"]`, sel.String())
	require.Equal(t, `{"x": 1}`, rest)

	_, rest = must2(parseSelector(`{"n": {"$gt": 1}}`))
	require.Equal(t, "", rest)

	_, _, err := parseSelector(`{"n": `)
	require.ErrorIs(t, err, pelican.ErrValidation)
	_, _, err = parseSelector(``)
	require.Error(t, err)
}

func TestIndexValue(t *testing.T) {
	require.Equal(t, any(int64(42)), indexValue("42"))
	require.Equal(t, any(1.5), indexValue("1.5"))
	require.Equal(t, any(true), indexValue("true"))
	require.Equal(t, any("x y"), indexValue(`"x y"`))
	require.Equal(t, any("foo@example.com"), indexValue("foo@example.com"))
	require.Equal(t, any("1 2"), indexValue("1 2"))
}

func setupREPL(t testing.TB) (*REPL, *bytes.Buffer) {
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.NoSync = true
	e := must(openEnv(cfg, slog.New(slog.DiscardHandler)))
	t.Cleanup(e.Close)
	var out bytes.Buffer
	return newREPL(e, &out), &out
}

func writeFile(t testing.TB, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func must2[T1, T2 any](v1 T1, v2 T2, err error) (T1, T2) {
	if err != nil {
		panic(err)
	}
	return v1, v2
}
