// Package main provides spill-bench, a benchmark and demo driver for the
// diskstore engine.
//
// It fronts a diskstore.Store with an in-memory go-cache tier: evicting an
// entry from the memory tier spills it to disk and leaves a marker behind,
// which is exactly the deployment shape the engine is built for. The tool
// reports spill, read-back, and slot-reuse throughput as JSON.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/diskspill/internal/fs"
	"github.com/calvinalkan/diskspill/pkg/diskstore"
)

var errEntriesPositive = errors.New("entries must be positive")

// Config holds all benchmark configuration. Values come from an optional
// JSONC config file, overridden by flags.
type Config struct {
	File       string `json:"file,omitempty"`
	Entries    int    `json:"entries,omitempty"`
	ValueBytes int    `json:"value_bytes,omitempty"`
	Out        string `json:"out,omitempty"`
}

func defaultConfig() Config {
	return Config{
		Entries:    10000,
		ValueBytes: 256,
	}
}

// payload is the spilled value type.
type payload struct {
	Key  string
	Blob []byte
}

func init() {
	diskstore.RegisterType(payload{})
}

// results is the JSON report.
type results struct {
	Entries      int     `json:"entries"`
	ValueBytes   int     `json:"value_bytes"`
	SpillPerSec  float64 `json:"spill_per_sec"`
	ReadPerSec   float64 `json:"read_per_sec"`
	ReusePerSec  float64 `json:"reuse_per_sec"`
	FileBytes    int64   `json:"file_bytes"`
	FreedSlots   int     `json:"freed_slots"`
	ReusedWrites int     `json:"reused_writes"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := defaultConfig()

	var configPath string

	flags := flag.NewFlagSet("spill-bench", flag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "JSONC config file")
	flags.StringVar(&cfg.File, "file", cfg.File, "backing file (default: temp file)")
	flags.IntVar(&cfg.Entries, "entries", cfg.Entries, "number of entries to spill")
	flags.IntVar(&cfg.ValueBytes, "value-bytes", cfg.ValueBytes, "payload size per entry")
	flags.StringVar(&cfg.Out, "out", cfg.Out, "write JSON results here (default: stdout)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if configPath != "" {
		fileCfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		cfg = mergeConfig(fileCfg, cfg)
	}

	if cfg.Entries <= 0 {
		return errEntriesPositive
	}

	if cfg.File == "" {
		dir, err := os.MkdirTemp("", "spill-bench")
		if err != nil {
			return fmt.Errorf("creating temp dir: %w", err)
		}

		defer func() { _ = os.RemoveAll(dir) }()

		cfg.File = filepath.Join(dir, "overflow.data")
	}

	report, err := bench(cfg)
	if err != nil {
		return err
	}

	return emit(cfg, report)
}

// loadConfig reads a JSONC config file.
func loadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// mergeConfig overlays non-zero flag values onto the file config.
func mergeConfig(base, overlay Config) Config {
	if overlay.File != "" {
		base.File = overlay.File
	}

	if overlay.Entries != defaultConfig().Entries {
		base.Entries = overlay.Entries
	}

	if overlay.ValueBytes != defaultConfig().ValueBytes {
		base.ValueBytes = overlay.ValueBytes
	}

	if overlay.Out != "" {
		base.Out = overlay.Out
	}

	if base.Entries == 0 {
		base.Entries = defaultConfig().Entries
	}

	if base.ValueBytes == 0 {
		base.ValueBytes = defaultConfig().ValueBytes
	}

	return base
}

func bench(cfg Config) (results, error) {
	store, err := diskstore.Open(diskstore.Options{Path: cfg.File})
	if err != nil {
		return results{}, err
	}

	defer func() { _ = store.Shutdown() }()

	markers := make(map[string]diskstore.Marker, cfg.Entries)

	var spillErr error

	// The memory tier: evictions spill to disk and leave a marker behind.
	memory := gocache.New(gocache.NoExpiration, 0)
	memory.OnEvicted(func(key string, value any) {
		element, ok := value.(payload)
		if !ok || spillErr != nil {
			return
		}

		marker, err := store.Write(diskstore.Element{Key: key, Value: element, HitCount: 1})
		if err != nil {
			spillErr = err

			return
		}

		markers[key] = marker
	})

	blob := make([]byte, cfg.ValueBytes)
	for i := range blob {
		blob[i] = byte(i)
	}

	keys := make([]string, cfg.Entries)
	for i := range keys {
		keys[i] = fmt.Sprintf("key:%08d", i)
		memory.Set(keys[i], payload{Key: keys[i], Blob: blob}, gocache.NoExpiration)
	}

	// Phase 1: evict everything from memory, spilling to disk.
	spillStart := time.Now()

	for _, key := range keys {
		memory.Delete(key)
	}

	spillElapsed := time.Since(spillStart)

	if spillErr != nil {
		return results{}, fmt.Errorf("spilling: %w", spillErr)
	}

	// Phase 2: materialize every marker back into an element.
	readStart := time.Now()

	for _, key := range keys {
		element, err := store.Read(markers[key])
		if err != nil {
			return results{}, fmt.Errorf("reading back %s: %w", key, err)
		}

		if element.Key != key {
			return results{}, fmt.Errorf("read back wrong element: got %q want %q", element.Key, key)
		}
	}

	readElapsed := time.Since(readStart)

	// Phase 3: free half the slots and rewrite, exercising first-fit reuse.
	freed := 0

	for i, key := range keys {
		if i%2 == 0 {
			store.Free(markers[key])
			freed++
		}
	}

	reuseStart := time.Now()
	reused := 0

	for i, key := range keys {
		if i%2 != 0 {
			continue
		}

		marker, err := store.Write(diskstore.Element{Key: key, Value: payload{Key: key, Blob: blob}})
		if err != nil {
			return results{}, fmt.Errorf("rewriting %s: %w", key, err)
		}

		markers[key] = marker
		reused++
	}

	reuseElapsed := time.Since(reuseStart)

	info, err := os.Stat(cfg.File)
	if err != nil {
		return results{}, fmt.Errorf("stat backing file: %w", err)
	}

	return results{
		Entries:      cfg.Entries,
		ValueBytes:   cfg.ValueBytes,
		SpillPerSec:  rate(cfg.Entries, spillElapsed),
		ReadPerSec:   rate(cfg.Entries, readElapsed),
		ReusePerSec:  rate(reused, reuseElapsed),
		FileBytes:    info.Size(),
		FreedSlots:   freed,
		ReusedWrites: reused,
	}, nil
}

func rate(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(n) / elapsed.Seconds()
}

func emit(cfg Config, report results) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}

	if cfg.Out == "" {
		fmt.Println(string(data))

		return nil
	}

	fsys := fs.NewReal()
	if err := fsys.WriteFileAtomic(cfg.Out, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}

	return nil
}
