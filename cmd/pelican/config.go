package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds the settings that can come from a config file. Flags given
// on the command line override them.
type Config struct {
	Dir         string   `json:"dir"`
	DB          string   `json:"db"`
	LockTimeout Duration `json:"lock_timeout,omitzero"`
	DiskOnly    bool     `json:"disk_only,omitempty"`
	Singleton   bool     `json:"singleton,omitempty"`
	NoSync      bool     `json:"no_sync,omitempty"`
	Verbose     bool     `json:"verbose,omitempty"`

	// IndexSpool enables background index maintenance, with pending tasks
	// kept in this Bolt file.
	IndexSpool string `json:"index_spool,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Dir: ".",
		DB:  "main",
	}
}

// Duration reads "90s"-style strings or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\" or a number of seconds")
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// loadConfigFile reads a JSONC config file on top of cfg.
func loadConfigFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	std, err := hujson.Standardize(data)
	if err != nil {
		return cfg, fmt.Errorf("config %s: invalid JSONC: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, validateConfig(cfg)
}

func validateConfig(cfg Config) error {
	if cfg.Dir == "" {
		return errors.New("config: dir must not be empty")
	}
	if cfg.DB == "" {
		return errors.New("config: db must not be empty")
	}
	if cfg.LockTimeout < 0 {
		return errors.New("config: lock_timeout must not be negative")
	}
	return nil
}
