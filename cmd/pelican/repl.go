package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/tailscale/hujson"

	"github.com/andreyvit/pelican"
	"github.com/andreyvit/pelican/feed"
)

var errQuit = errors.New("quit")

// REPL is the interactive shell over one database at a time.
type REPL struct {
	env   *env
	db    *pelican.DB
	out   io.Writer
	liner *liner.State
}

func newREPL(e *env, out io.Writer) *REPL {
	return &REPL{env: e, db: e.dbs[e.cfg.DB], out: out}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pelican_history")
}

// Run reads commands until quit or end of input.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}
	defer r.saveHistory()

	fmt.Fprintf(r.out, "pelican - database %q in %s\n", r.db.Name(), r.env.cfg.Dir)
	fmt.Fprintln(r.out, "Type 'help' for available commands.")

	for {
		line, err := r.liner.Prompt(r.db.Name() + "> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(r.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		err = r.exec(line)
		if err == errQuit {
			return nil
		} else if err != nil {
			fmt.Fprintln(r.out, "error:", err)
		}
	}
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

var replCommands = []string{
	"use", "collections", "get", "version", "find", "all", "insert", "upsert",
	"update", "delete", "clear", "shrink", "hash-index", "text-index", "indexes",
	"reindex", "search", "by-index", "feed", "help", "quit", "exit",
}

func (r *REPL) completer(line string) []string {
	var result []string
	lower := strings.ToLower(line)
	for _, cmd := range replCommands {
		if strings.HasPrefix(cmd, lower) {
			result = append(result, cmd)
		}
	}
	return result
}

// exec runs one command line.
func (r *REPL) exec(line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	cmd = strings.ToLower(cmd)

	switch cmd {
	case "quit", "exit", "q":
		return errQuit

	case "help", "h":
		r.printHelp()
		return nil

	case "use":
		name, err := oneWord(rest, "use <db>")
		if err != nil {
			return err
		}
		db, err := r.env.open(name)
		if err != nil {
			return err
		}
		r.db = db
		fmt.Fprintf(r.out, "using %s\n", name)
		return nil

	case "collections":
		names, err := r.db.CollectionNames()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(r.out, name)
		}
		return nil

	case "get":
		coll, id, err := twoWords(rest, "get <collection> <id>")
		if err != nil {
			return err
		}
		return r.print(r.db.Collection(coll).Get(id))

	case "version":
		args := strings.Fields(rest)
		if len(args) != 3 {
			return usageErr("version <collection> <id> <version>")
		}
		v, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[2])
		}
		return r.print(r.db.Collection(args[0]).GetVersion(args[1], v))

	case "all":
		coll, err := oneWord(rest, "all <collection>")
		if err != nil {
			return err
		}
		return r.print(r.db.Collection(coll).All())

	case "find":
		coll, arg, err := splitCollection(rest, "find <collection> <condition>")
		if err != nil {
			return err
		}
		cond, err := pelican.ParseCondition([]byte(arg))
		if err != nil {
			return err
		}
		return r.print(r.db.Collection(coll).Find(cond))

	case "insert", "upsert":
		coll, arg, err := splitCollection(rest, cmd+" <collection> <document or array>")
		if err != nil {
			return err
		}
		docs, err := pelican.ParseDocuments([]byte(arg))
		if err != nil {
			return err
		}
		return r.print(r.db.Collection(coll).InsertMany(docs, pelican.WriteOptions{Upsert: cmd == "upsert"}))

	case "update":
		coll, arg, err := splitCollection(rest, "update <collection> <selector> <patch>")
		if err != nil {
			return err
		}
		sel, arg, err := parseSelector(arg)
		if err != nil {
			return err
		}
		patch, err := pelican.ParseDocument([]byte(arg))
		if err != nil {
			return err
		}
		return r.print(r.db.Collection(coll).Update(sel, patch, pelican.WriteOptions{}))

	case "delete":
		coll, arg, err := splitCollection(rest, "delete <collection> <selector>")
		if err != nil {
			return err
		}
		sel, extra, err := parseSelector(arg)
		if err != nil {
			return err
		}
		if extra != "" {
			return usageErr("delete <collection> <selector>")
		}
		return r.print(r.db.Collection(coll).Delete(sel, pelican.WriteOptions{}))

	case "clear":
		coll, err := oneWord(rest, "clear <collection>")
		if err != nil {
			return err
		}
		return r.db.Collection(coll).Clear()

	case "shrink":
		coll, err := oneWord(rest, "shrink <collection>")
		if err != nil {
			return err
		}
		c := r.db.Collection(coll)
		if err := c.Shrink(); err != nil {
			return err
		}
		size, err := c.DataSize()
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s: %d bytes\n", coll, size)
		return nil

	case "hash-index", "text-index":
		args := strings.Fields(rest)
		if len(args) < 3 || len(args) > 4 || (len(args) == 4 && args[3] != "dynamic") {
			return usageErr(cmd + " <collection> <name> <field> [dynamic]")
		}
		c := r.db.Collection(args[0])
		opt := pelican.IndexOptions{Dynamic: len(args) == 4}
		if cmd == "hash-index" {
			if err := c.RegisterHashIndex(args[1], args[2], opt); err != nil {
				return err
			}
			return c.ReindexHash(args[1])
		}
		if err := c.RegisterTextIndex(args[1], args[2], opt); err != nil {
			return err
		}
		return c.ReindexText(args[1])

	case "indexes":
		hash, err := r.db.HashIndexes()
		if err != nil {
			return err
		}
		text, err := r.db.TextIndexes()
		if err != nil {
			return err
		}
		return printJSON(r.out, map[string]any{"hash": hash, "text": text})

	case "reindex":
		name, err := oneWord(rest, "reindex <index>")
		if err != nil {
			return err
		}
		return r.reindex(name)

	case "search":
		name, s, ok := strings.Cut(rest, " ")
		if !ok || name == "" || s == "" {
			return usageErr("search <index> <substring>")
		}
		return r.print(r.db.SearchTextIndex(name, s))

	case "by-index":
		args := strings.SplitN(rest, " ", 3)
		if len(args) != 3 {
			return usageErr("by-index <collection> <index> <value>")
		}
		return r.print(r.db.Collection(args[0]).GetByIndex(args[1], indexValue(args[2])))

	case "feed":
		path, err := oneWord(rest, "feed <file>")
		if err != nil {
			return err
		}
		return runFeed(r.env, path, nil, r.out)

	default:
		return fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
}

func (r *REPL) reindex(name string) error {
	hash, err := r.db.HashIndexes()
	if err != nil {
		return err
	}
	if s, found := hash[name]; found {
		return r.db.Collection(s.Collection).ReindexHash(name)
	}
	text, err := r.db.TextIndexes()
	if err != nil {
		return err
	}
	if s, found := text[name]; found {
		return r.db.Collection(s.Collection).ReindexText(name)
	}
	return fmt.Errorf("%w: %q", pelican.ErrNoIndex, name)
}

func (r *REPL) print(v any, err error) error {
	if err != nil {
		return err
	}
	return printJSON(r.out, v)
}

func (r *REPL) printHelp() {
	fmt.Fprintln(r.out, `Commands:
  use <db>                                  Switch to another database
  collections                               List collections
  get <coll> <id>                           Show the latest version of a document
  version <coll> <id> <n>                   Show a specific version
  find <coll> <condition>                   Find documents, e.g. find users {"age": {"$gt": 30}}
  all <coll>                                Show all documents
  insert <coll> <doc or [docs]>             Insert documents
  upsert <coll> <doc or [docs]>             Insert or overwrite documents
  update <coll> <selector> <patch>          Merge patch into matching documents
  delete <coll> <selector>                  Delete matching documents
  clear <coll>                              Remove all documents
  shrink <coll>                             Drop old versions from the data file
  hash-index <coll> <name> <field> [dynamic]  Define and build a hash index
  text-index <coll> <name> <field> [dynamic]  Define and build a text index
  indexes                                   List index definitions
  reindex <index>                           Rebuild an index
  search <index> <substring>                Search a text index
  by-index <coll> <index> <value>           Look up a document through a hash index
  feed <file>                               Run a feed batch
  help                                      Show this help
  quit                                      Exit

A selector is an id, a JSON array of ids, or a JSON condition.`)
}

func usageErr(usage string) error {
	return fmt.Errorf("usage: %s", usage)
}

func oneWord(s, usage string) (string, error) {
	args := strings.Fields(s)
	if len(args) != 1 {
		return "", usageErr(usage)
	}
	return args[0], nil
}

func twoWords(s, usage string) (string, string, error) {
	args := strings.Fields(s)
	if len(args) != 2 {
		return "", "", usageErr(usage)
	}
	return args[0], args[1], nil
}

func splitCollection(s, usage string) (string, string, error) {
	coll, rest, _ := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	if coll == "" || rest == "" {
		return "", "", usageErr(usage)
	}
	return coll, rest, nil
}

// parseSelector reads a selector from the start of s and returns the rest.
// A bare word is an id; otherwise the first JSON value is the selector.
func parseSelector(s string) (pelican.Selector, string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return pelican.Selector{}, "", errors.New("missing selector")
	}
	if c := s[0]; c != '{' && c != '[' && c != '"' {
		id, rest, _ := strings.Cut(s, " ")
		return pelican.ByID(id), strings.TrimSpace(rest), nil
	}

	dec := json.NewDecoder(strings.NewReader(s))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return pelican.Selector{}, "", fmt.Errorf("%w: invalid selector: %v", pelican.ErrValidation, err)
	}
	v, err := hujson.Parse(bytes.TrimSpace(raw))
	if err != nil {
		return pelican.Selector{}, "", fmt.Errorf("%w: invalid selector: %v", pelican.ErrValidation, err)
	}
	sel, err := feed.ParseSelector(v)
	if err != nil {
		return pelican.Selector{}, "", err
	}
	return sel, strings.TrimSpace(s[dec.InputOffset():]), nil
}

// indexValue treats the argument as JSON when it parses as a scalar, and as
// a plain string otherwise.
func indexValue(s string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil && !dec.More() {
		switch v := v.(type) {
		case string, bool:
			return v
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i
			}
			if f, err := v.Float64(); err == nil {
				return f
			}
		}
	}
	return s
}
