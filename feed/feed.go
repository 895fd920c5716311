// Package feed executes JSON command batches against pelican databases.
//
// A batch is an array of entries. Each entry maps a database name to either
// an object of commands, executed one by one, or an array of such objects,
// executed as a single session:
//
//	[
//	  {"app": {"users": {"uid": "u", "+": {"name": "foo"}}}},
//	  {"app": [
//	    {"users": {"->": ["u1", {"name": "bar"}]}},
//	    {"posts": {"uid": "p", "??": {"author": "u1"}}}
//	  ]}
//	]
//
// A command object names a collection and holds one command plus an
// optional "uid". Commands with a uid have their result returned under it.
//
//	+   insert   document or array of documents        -> id or ids
//	++  upsert   same, overwriting existing ids         -> id or ids
//	->  update   [selector, patch]                      -> ids
//	-   delete   selector                               -> ids
//	??  find     condition                              -> documents
//	?   get      id (or a condition, like find)         -> document or documents
//	--  clear    anything                               -> true
//
// A selector is an id, an array of ids or a condition.
package feed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/andreyvit/pelican"
)

var ErrUnknownDatabase = errors.New("database is not initialized")

// Command is a single parsed command.
type Command struct {
	DB         string
	Collection string
	UID        string
	Name       string
	Payload    hujson.Value
}

var aliases = map[string]string{
	"+":  "insert",
	"++": "upsert",
	"->": "update",
	"-":  "delete",
	"??": "find",
	"?":  "get",
	"--": "clear",
}

// Canonical returns the long name of a command or its alias.
func Canonical(name string) (string, bool) {
	if long, found := aliases[name]; found {
		return long, true
	}
	for _, long := range aliases {
		if long == name {
			return long, true
		}
	}
	return "", false
}

// Run executes a batch. Results of commands with a uid are merged into one
// map across all entries. Execution stops at the first error; commands run
// before it stay applied, except for the ones in the failed session.
func Run(dbs map[string]*pelican.DB, batch []byte) (map[string]any, error) {
	root, err := hujson.Parse(batch)
	if err != nil {
		return nil, fmt.Errorf("%w: batch is not a JSON: %v", pelican.ErrValidation, err)
	}
	entries, ok := root.Value.(*hujson.Array)
	if !ok {
		return nil, fmt.Errorf("%w: root element of a batch must be an array", pelican.ErrValidation)
	}

	results := make(map[string]any)
	for i, entry := range entries.Elements {
		obj, ok := entry.Value.(*hujson.Object)
		if !ok {
			return results, fmt.Errorf("%w: batch entry %d must be an object", pelican.ErrValidation, i)
		}
		for _, mem := range obj.Members {
			dbName, err := stringLiteral(mem.Name)
			if err != nil {
				return results, err
			}
			db := dbs[dbName]
			if db == nil {
				return results, fmt.Errorf("%w: %w: %q", pelican.ErrValidation, ErrUnknownDatabase, dbName)
			}

			switch v := mem.Value.Value.(type) {
			case *hujson.Array:
				cmds, err := parseCommandList(dbName, v)
				if err != nil {
					return results, err
				}
				err = db.Session(func(s *pelican.Session) error {
					return execAll(db, s, cmds, results)
				})
				if err != nil {
					return results, err
				}
			case *hujson.Object:
				cmds, err := parseCommands(dbName, v)
				if err != nil {
					return results, err
				}
				if err := execAll(db, nil, cmds, results); err != nil {
					return results, err
				}
			default:
				return results, fmt.Errorf("%w: commands for %q must be an object or an array", pelican.ErrValidation, dbName)
			}
		}
	}
	return results, nil
}

func execAll(db *pelican.DB, s *pelican.Session, cmds []*Command, results map[string]any) error {
	for _, cmd := range cmds {
		result, err := Exec(db, s, cmd)
		if err != nil {
			return fmt.Errorf("%s %s/%s: %w", cmd.Name, cmd.DB, cmd.Collection, err)
		}
		if cmd.UID != "" {
			results[cmd.UID] = result
		}
	}
	return nil
}

func parseCommandList(dbName string, arr *hujson.Array) ([]*Command, error) {
	var cmds []*Command
	for _, e := range arr.Elements {
		obj, ok := e.Value.(*hujson.Object)
		if !ok {
			return nil, fmt.Errorf("%w: session items for %q must be objects", pelican.ErrValidation, dbName)
		}
		more, err := parseCommands(dbName, obj)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, more...)
	}
	return cmds, nil
}

func parseCommands(dbName string, obj *hujson.Object) ([]*Command, error) {
	var cmds []*Command
	for _, mem := range obj.Members {
		coll, err := stringLiteral(mem.Name)
		if err != nil {
			return nil, err
		}
		cmd, err := parseCommand(dbName, coll, mem.Value)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// parseCommand reads a command object. If it has several command keys, the
// last one wins.
func parseCommand(dbName, coll string, v hujson.Value) (*Command, error) {
	obj, ok := v.Value.(*hujson.Object)
	if !ok {
		return nil, fmt.Errorf("%w: command for %s/%s must be an object", pelican.ErrValidation, dbName, coll)
	}
	cmd := &Command{DB: dbName, Collection: coll}
	for _, mem := range obj.Members {
		key, err := stringLiteral(mem.Name)
		if err != nil {
			return nil, err
		}
		if key == "uid" {
			cmd.UID = uidString(mem.Value)
			continue
		}
		name, ok := Canonical(key)
		if !ok {
			return nil, fmt.Errorf("%w: unknown command %q for %s/%s", pelican.ErrValidation, key, dbName, coll)
		}
		cmd.Name = name
		cmd.Payload = mem.Value
	}
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: no command for %s/%s", pelican.ErrValidation, dbName, coll)
	}
	return cmd, nil
}

// Exec runs a single command, staging writes in s when it is not nil.
func Exec(db *pelican.DB, s *pelican.Session, cmd *Command) (any, error) {
	c := db.Collection(cmd.Collection)
	opt := pelican.WriteOptions{Session: s}

	switch cmd.Name {
	case "insert", "upsert":
		docs, err := pelican.ParseDocuments(cmd.Payload.Pack())
		if err != nil {
			return nil, err
		}
		opt.Upsert = cmd.Name == "upsert"
		ids, err := c.InsertMany(docs, opt)
		if err != nil {
			return nil, err
		}
		if _, single := cmd.Payload.Value.(*hujson.Object); single {
			return ids[0], nil
		}
		return ids, nil

	case "update":
		arr, ok := cmd.Payload.Value.(*hujson.Array)
		if !ok || len(arr.Elements) != 2 {
			return nil, fmt.Errorf("%w: update takes [selector, patch]", pelican.ErrValidation)
		}
		sel, err := ParseSelector(arr.Elements[0])
		if err != nil {
			return nil, err
		}
		patch, err := pelican.ParseDocument(arr.Elements[1].Pack())
		if err != nil {
			return nil, err
		}
		return c.Update(sel, patch, opt)

	case "delete":
		sel, err := ParseSelector(cmd.Payload)
		if err != nil {
			return nil, err
		}
		return c.Delete(sel, opt)

	case "get":
		if lit, ok := cmd.Payload.Value.(hujson.Literal); ok && lit.Kind() == '"' {
			if s != nil {
				return s.Get(c, lit.String())
			}
			return c.Get(lit.String())
		}
		fallthrough

	case "find":
		cond, err := pelican.ParseCondition(cmd.Payload.Pack())
		if err != nil {
			return nil, err
		}
		if s != nil {
			return s.Find(c, cond)
		}
		return c.Find(cond)

	case "clear":
		if s != nil {
			return nil, fmt.Errorf("%w: clear cannot run in a session", pelican.ErrValidation)
		}
		if err := c.Clear(); err != nil {
			return nil, err
		}
		return true, nil

	default:
		return nil, fmt.Errorf("%w: unknown command %q", pelican.ErrValidation, cmd.Name)
	}
}

// ParseSelector reads an id, an array of ids or a condition.
func ParseSelector(v hujson.Value) (pelican.Selector, error) {
	switch t := v.Value.(type) {
	case hujson.Literal:
		if t.Kind() != '"' {
			return pelican.Selector{}, fmt.Errorf("%w: selector must be an id, an array of ids or a condition", pelican.ErrValidation)
		}
		return pelican.ByID(t.String()), nil
	case *hujson.Array:
		ids := make([]string, 0, len(t.Elements))
		for _, e := range t.Elements {
			id, err := stringLiteral(e)
			if err != nil {
				return pelican.Selector{}, fmt.Errorf("%w: selector array must hold ids", pelican.ErrValidation)
			}
			ids = append(ids, id)
		}
		return pelican.ByIDs(ids...), nil
	default:
		cond, err := pelican.ParseCondition(v.Pack())
		if err != nil {
			return pelican.Selector{}, err
		}
		return pelican.ByCondition(cond), nil
	}
}

func stringLiteral(v hujson.Value) (string, error) {
	lit, ok := v.Value.(hujson.Literal)
	if !ok || lit.Kind() != '"' {
		return "", fmt.Errorf("%w: expected a string, got %s", pelican.ErrValidation, strings.TrimSpace(string(v.Pack())))
	}
	return lit.String(), nil
}

func uidString(v hujson.Value) string {
	if lit, ok := v.Value.(hujson.Literal); ok && lit.Kind() == '"' {
		return lit.String()
	}
	v = v.Clone()
	v.Minimize()
	return string(v.Pack())
}
