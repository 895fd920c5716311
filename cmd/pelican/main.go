// pelican is a CLI for pelican databases.
//
// Usage:
//
//	pelican [options]                 Open an interactive shell on --db
//	pelican [options] --feed <file>   Run a feed batch ("-" reads stdin)
//
// Options:
//
//	--dir          Directory holding the databases (default ".")
//	--db           Database to open (default "main")
//	--config       JSONC config file with the same settings
//	--feed         Feed batch to run instead of the shell
//	--timeout      Lock timeout, e.g. 90s
//	--disk-only    Read documents from disk instead of keeping them in memory
//	--singleton    Assume no other process writes to the databases
//	--no-sync      Skip fdatasync after writes
//	--index-spool  Maintain indexes in the background, spooling tasks here
//	--verbose      Log every write
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/andreyvit/pelican"
	"github.com/andreyvit/pelican/feed"
	"github.com/andreyvit/pelican/indexqueue"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

type options struct {
	cfg        Config
	configPath string
	feedPath   string
}

func parseFlags(args []string, errOut io.Writer) (options, error) {
	defaults := DefaultConfig()

	fs := flag.NewFlagSet("pelican", flag.ContinueOnError)
	fs.SetOutput(errOut)
	dir := fs.String("dir", defaults.Dir, "directory holding the databases")
	db := fs.String("db", defaults.DB, "database to open")
	configPath := fs.String("config", "", "JSONC config file")
	feedPath := fs.String("feed", "", "feed batch file to run (- for stdin)")
	timeout := fs.Duration("timeout", pelican.DefaultLockTimeout, "lock timeout")
	diskOnly := fs.Bool("disk-only", false, "read documents from disk instead of memory")
	singleton := fs.Bool("singleton", false, "assume no other process writes to the databases")
	noSync := fs.Bool("no-sync", false, "skip fdatasync after writes")
	spool := fs.String("index-spool", "", "maintain indexes in the background, spooling tasks to this file")
	verbose := fs.BoolP("verbose", "v", false, "log every write")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}

	opt := options{cfg: defaults, configPath: *configPath, feedPath: *feedPath}
	if opt.configPath != "" {
		cfg, err := loadConfigFile(opt.cfg, opt.configPath)
		if err != nil {
			return options{}, err
		}
		opt.cfg = cfg
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("dir", func() { opt.cfg.Dir = *dir })
	set("db", func() { opt.cfg.DB = *db })
	set("timeout", func() { opt.cfg.LockTimeout = Duration(*timeout) })
	set("disk-only", func() { opt.cfg.DiskOnly = *diskOnly })
	set("singleton", func() { opt.cfg.Singleton = *singleton })
	set("no-sync", func() { opt.cfg.NoSync = *noSync })
	set("index-spool", func() { opt.cfg.IndexSpool = *spool })
	set("verbose", func() { opt.cfg.Verbose = *verbose })
	return opt, validateConfig(opt.cfg)
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	opt, err := parseFlags(args, errOut)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	} else if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 2
	}

	level := slog.LevelInfo
	if opt.cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	env, err := openEnv(opt.cfg, logger)
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	defer env.Close()

	if opt.feedPath != "" {
		err = runFeed(env, opt.feedPath, in, out)
	} else {
		err = newREPL(env, out).Run()
	}
	if err != nil {
		fmt.Fprintln(errOut, "error:", err)
		return 1
	}
	return 0
}

// env is the set of open databases plus the optional index queue that
// serves all of them.
type env struct {
	cfg    Config
	logger *slog.Logger
	queue  *indexqueue.Queue

	mu  sync.Mutex
	dbs map[string]*pelican.DB
}

func openEnv(cfg Config, logger *slog.Logger) (*env, error) {
	e := &env{cfg: cfg, logger: logger, dbs: make(map[string]*pelican.DB)}
	if cfg.IndexSpool != "" {
		q, err := indexqueue.New(indexqueue.Options{SpoolPath: cfg.IndexSpool, Logger: logger, Verbose: cfg.Verbose})
		if err != nil {
			return nil, err
		}
		e.queue = q
	}

	// every subdirectory is a database a feed batch may refer to
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil && !os.IsNotExist(err) {
		e.Close()
		return nil, err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			if _, err := e.open(ent.Name()); err != nil {
				e.Close()
				return nil, err
			}
		}
	}
	if _, err := e.open(cfg.DB); err != nil {
		e.Close()
		return nil, err
	}

	if e.queue != nil {
		err := e.queue.Start(context.Background(), func(task pelican.IndexTask) error {
			e.mu.Lock()
			db := e.dbs[task.Database]
			e.mu.Unlock()
			if db == nil {
				return fmt.Errorf("unknown database %q", task.Database)
			}
			return db.ApplyIndexTask(task)
		})
		if err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *env) open(name string) (*pelican.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if db := e.dbs[name]; db != nil {
		return db, nil
	}
	opt := pelican.Options{
		Logger:      e.logger,
		Verbose:     e.cfg.Verbose,
		LockTimeout: time.Duration(e.cfg.LockTimeout),
		DiskOnly:    e.cfg.DiskOnly,
		Singleton:   e.cfg.Singleton,
		NoSync:      e.cfg.NoSync,
	}
	if e.queue != nil {
		opt.IndexQueue = e.queue
	}
	db, err := pelican.Open(e.cfg.Dir, name, opt)
	if err != nil {
		return nil, err
	}
	e.dbs[name] = db
	return db, nil
}

func (e *env) Close() {
	if e.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := e.queue.Flush(ctx); err != nil {
			e.logger.Warn("pelican: index queue not drained", "pending", e.queue.Len(), "err", err)
		}
		cancel()
		e.queue.Close()
	}
	for _, db := range e.dbs {
		db.Close()
	}
}

func runFeed(e *env, path string, in io.Reader, out io.Writer) error {
	var data []byte
	var err error
	if path == "-" {
		if in == nil {
			return errors.New("feed: no standard input here")
		}
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(filepath.Clean(path))
	}
	if err != nil {
		return err
	}
	results, err := feed.Run(e.dbs, data)
	if err != nil {
		return err
	}
	return printJSON(out, results)
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}
