// Package file implements a source that reads a local file and optionally re-reads it when
// the file changes.
package file

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/c360/dataflow/errors"
	"github.com/c360/dataflow/pkg/duration"
	"github.com/c360/dataflow/source"
	"github.com/c360/dataflow/value"
)

// Format selects how file contents are decoded.
type Format string

// Supported formats. Unknown formats are read as Text.
const (
	JSON  Format = "json"
	Text  Format = "text"
	Lines Format = "lines"
	YAML  Format = "yaml"
	TOML  Format = "toml"
	CSV   Format = "csv"
)

// Config configures a file source.
type Config struct {
	Path   string `json:"path" yaml:"path"`
	Format Format `json:"format,omitempty" yaml:"format,omitempty"`
	Watch  bool   `json:"watch,omitempty" yaml:"watch,omitempty"`
	// Debounce is the minimum gap between two applied change events. Events arriving
	// sooner are ignored.
	Debounce duration.Duration `json:"debounce,omitempty" yaml:"debounce,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", errors.ErrMissingConfig)
	}
	if c.Debounce < 0 {
		return fmt.Errorf("%w: debounce must not be negative", errors.ErrInvalidConfig)
	}
	return nil
}

// Source reads a file at start and on change.
type Source struct {
	*source.Base
	cfg Config

	mu          sync.Mutex
	lastApplied time.Time
}

var _ source.Source = (*Source)(nil)

// New creates a file source.
func New(id string, cfg Config, opts ...source.Option) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "file", "New", "validate config")
	}
	if cfg.Format == "" {
		cfg.Format = inferFormat(cfg.Path)
	}
	return &Source{
		Base: source.NewBase(id, source.KindFile, source.Schema{
			Description: cfg.Path,
			ValueType:   string(cfg.Format),
		}, opts...),
		cfg: cfg,
	}, nil
}

// Start reads the file and, when configured, starts watching it.
func (s *Source) Start(ctx context.Context) error {
	return s.Launch(ctx, s.run)
}

// Stop stops watching.
func (s *Source) Stop() error {
	return s.Halt()
}

// Refresh re-reads the file once.
func (s *Source) Refresh(_ context.Context) error {
	v, err := s.read()
	if err != nil {
		s.SetStatus(source.StatusError(err))
		return err
	}
	s.SetStatus(source.Status{State: source.Connected})
	s.Publish(v)
	return nil
}

func (s *Source) run(ctx context.Context, run *source.Run) {
	s.apply(run)
	if !s.cfg.Watch {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		run.SetStatus(source.StatusError(errors.WrapTransient(err, "file", "run", "create watcher")))
		return
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file keep being observed.
	target := filepath.Clean(s.cfg.Path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		run.SetStatus(source.StatusError(errors.WrapTransient(err, "file", "run", "watch "+target)))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !s.admit(time.Now()) {
				continue
			}
			s.apply(run)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			run.Logger().Warn("File watch error", "error", err)
		}
	}
}

// admit applies gap suppression: an event is taken only if Debounce has elapsed since the
// last applied one.
func (s *Source) admit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastApplied.IsZero() && now.Sub(s.lastApplied) < s.cfg.Debounce.Std() {
		return false
	}
	s.lastApplied = now
	return true
}

func (s *Source) apply(run *source.Run) {
	v, err := s.read()
	if err != nil {
		run.SetStatus(source.StatusError(err))
		return
	}
	run.SetStatus(source.Status{State: source.Connected})
	run.Publish(v)
}

func (s *Source) read() (value.Value, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return value.Value{}, errors.WrapTransient(err, "file", "read", "read "+s.cfg.Path)
	}
	v, err := Parse(data, s.cfg.Format)
	if err != nil {
		return value.Value{}, errors.WrapInvalid(err, "file", "read", "decode "+string(s.cfg.Format))
	}
	return v, nil
}

// Parse decodes data according to format.
func Parse(data []byte, format Format) (value.Value, error) {
	switch format {
	case JSON:
		return value.FromJSON(data)
	case Lines:
		return parseLines(data), nil
	case YAML:
		return value.FromYAML(data)
	case TOML:
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return value.Value{}, err
		}
		return value.FromAny(doc)
	case CSV:
		return parseCSV(data)
	default:
		return value.String(string(data)), nil
	}
}

func parseLines(data []byte) value.Value {
	text := strings.TrimRight(string(data), "\r\n")
	if text == "" {
		return value.Array()
	}
	raw := strings.Split(text, "\n")
	lines := make([]value.Value, len(raw))
	for i, line := range raw {
		lines[i] = value.String(strings.TrimSuffix(line, "\r"))
	}
	return value.Array(lines...)
}

// parseCSV returns an array of objects keyed by the header row.
func parseCSV(data []byte) (value.Value, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return value.Value{}, err
	}
	if len(records) == 0 {
		return value.Array(), nil
	}
	header := records[0]
	rows := make([]value.Value, 0, len(records)-1)
	for _, rec := range records[1:] {
		o := value.NewObject()
		for i, name := range header {
			if i < len(rec) {
				o.Set(name, csvCell(rec[i]))
			}
		}
		rows = append(rows, value.ObjectValue(o))
	}
	return value.Array(rows...), nil
}

func csvCell(cell string) value.Value {
	if i, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return value.Int(i)
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return value.Float(f)
	}
	return value.String(cell)
}

func inferFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON
	case ".yaml", ".yml":
		return YAML
	case ".toml":
		return TOML
	case ".csv":
		return CSV
	}
	return Text
}
