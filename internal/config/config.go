// Package config loads docsync configuration.
//
// Files are YAML. A file is first checked against an embedded CUE schema,
// then decoded strictly over Default(), so only the fields present in the
// file change. Durations are written as Go duration strings ("2s", "5m").
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Duration is a time.Duration written as a string in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", n.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Local struct {
	// DB is the local state database path.
	DB string `yaml:"db"`
}

type Remote struct {
	// URL is an http(s) server URL or a local directory.
	URL   string `yaml:"url"`
	Token string `yaml:"token,omitempty"`
}

type Queue struct {
	Capacity    int      `yaml:"capacity"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

type Store struct {
	CacheTTL         Duration `yaml:"cache_ttl"`
	Timeout          Duration `yaml:"timeout"`
	MaxMergeAttempts int      `yaml:"max_merge_attempts"`
}

type Snapshot struct {
	MaxBytes      int      `yaml:"max_bytes"`
	Retention     Duration `yaml:"retention"`
	KeepRevisions int      `yaml:"keep_revisions"`
}

type Sync struct {
	DrainInterval Duration `yaml:"drain_interval"`
	ProbeInterval Duration `yaml:"probe_interval"`
	PurgeInterval Duration `yaml:"purge_interval"`
}

type Watch struct {
	Debounce Duration `yaml:"debounce"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the complete configuration.
type Config struct {
	Local    Local    `yaml:"local"`
	Remote   Remote   `yaml:"remote"`
	Queue    Queue    `yaml:"queue"`
	Store    Store    `yaml:"store"`
	Snapshot Snapshot `yaml:"snapshot"`
	Sync     Sync     `yaml:"sync"`
	Watch    Watch    `yaml:"watch"`
	Log      Log      `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Local:  Local{DB: ".docsync/state.db"},
		Remote: Remote{URL: ".docsync/remote"},
		Queue: Queue{
			Capacity:    50,
			BaseDelay:   Duration(2 * time.Second),
			MaxDelay:    Duration(60 * time.Second),
			MaxAttempts: 5,
		},
		Store: Store{
			CacheTTL:         Duration(5 * time.Minute),
			Timeout:          Duration(20 * time.Second),
			MaxMergeAttempts: 3,
		},
		Snapshot: Snapshot{
			MaxBytes:      300 << 10,
			Retention:     Duration(7 * 24 * time.Hour),
			KeepRevisions: 5,
		},
		Sync: Sync{
			DrainInterval: Duration(30 * time.Second),
			ProbeInterval: Duration(10 * time.Second),
			PurgeInterval: Duration(time.Hour),
		},
		Watch: Watch{Debounce: Duration(200 * time.Millisecond)},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// ValidationError reports a file that does not satisfy the schema.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Load reads path over the defaults. A missing file is an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Path = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default().
func LoadOrDefault(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Parse decodes YAML bytes over the defaults.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, &ValidationError{Path: "<input>", Err: err}
	}
	if err := checkSchema(raw); err != nil {
		return Config{}, &ValidationError{Path: "<input>", Err: err}
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, &ValidationError{Path: "<input>", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, &ValidationError{Path: "<input>", Err: err}
	}
	return cfg, nil
}

// checkSchema unifies the raw document with the embedded schema.
func checkSchema(raw map[string]any) error {
	if raw == nil {
		return nil
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// Validate checks constraints that span fields.
func (c Config) Validate() error {
	var errs []error
	if c.Queue.BaseDelay <= 0 {
		errs = append(errs, errors.New("queue.base_delay must be positive"))
	}
	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		errs = append(errs, errors.New("queue.max_delay must be at least queue.base_delay"))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("store.timeout must be positive"))
	}
	if c.Sync.DrainInterval <= 0 {
		errs = append(errs, errors.New("sync.drain_interval must be positive"))
	}
	if c.Sync.ProbeInterval <= 0 {
		errs = append(errs, errors.New("sync.probe_interval must be positive"))
	}
	if c.Local.DB == "" {
		errs = append(errs, errors.New("local.db must be set"))
	}
	return errors.Join(errs...)
}

// Encode writes c as YAML.
func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
