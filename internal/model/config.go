package model

import (
	"io"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	yamlv3 "gopkg.in/yaml.v3"

	_ "embed"
)

const (
	DeleteModePreserve = "preserve"
	DeleteModeFull     = "full"
	DeleteModeRsync    = "rsync"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version     int          `json:"version" yaml:"version"` // fixed 0 for now
	Verbose     *bool        `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	DataDir     string       `json:"data_dir" yaml:"data_dir"` // progress files, position files, artifacts
	Database    string       `json:"database" yaml:"database"`
	Datasources []Datasource `json:"datasources" yaml:"datasources"`
	Workers     Workers      `json:"workers" yaml:"workers"`
	Cache       Cache        `json:"cache" yaml:"cache"`
	Reset       Reset        `json:"reset" yaml:"reset"`
	Schedule    *Schedule    `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	API         API          `json:"api" yaml:"api"`
}

// Datasource is one named pair of log and cache directories.
type Datasource struct {
	Name      string `json:"name" yaml:"name"`
	LogPath   string `json:"log_path" yaml:"log_path"`
	CachePath string `json:"cache_path,omitempty" yaml:"cache_path,omitempty"`
	Enabled   *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ReadOnly  bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

func (d Datasource) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Workers locates the worker binaries. Relative names are resolved
// against Dir.
type Workers struct {
	Dir             string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Processor       string            `json:"processor" yaml:"processor"`
	StreamProcessor string            `json:"stream_processor" yaml:"stream_processor"`
	LogManager      string            `json:"log_manager" yaml:"log_manager"`
	CacheCleaner    string            `json:"cache_cleaner" yaml:"cache_cleaner"`
	ServiceRemover  string            `json:"service_remover" yaml:"service_remover"`
	PollInterval    Duration          `json:"poll_interval" yaml:"poll_interval"`
	GracePeriod     Duration          `json:"grace_period" yaml:"grace_period"`
	SettleDelay     Duration          `json:"settle_delay" yaml:"settle_delay"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

func (w Workers) Path(name string) string {
	if w.Dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(w.Dir, name)
}

type Cache struct {
	Threads    int    `json:"threads" yaml:"threads"`
	DeleteMode string `json:"delete_mode" yaml:"delete_mode"` // "preserve" | "full" | "rsync"
}

type Reset struct {
	ChunkSize  int      `json:"chunk_size" yaml:"chunk_size"`
	ChunkPause Duration `json:"chunk_pause" yaml:"chunk_pause"`
	Vacuum     bool     `json:"vacuum" yaml:"vacuum"`
}

// Schedule drives periodic log processing: either Cron or an ISO8601
// Duration (PT15M).
type Schedule struct {
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

func (s *Schedule) IsEnabled() bool {
	return s != nil && (s.Enabled == nil || *s.Enabled)
}

type API struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Listen  TCPAddr `json:"listen" yaml:"listen"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, newConfigError(err, unified)
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is the configuration written on first start. Every path
// lives under dataDir except the log and cache directories of the only
// datasource.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:  dataDir,
		Database: filepath.Join(dataDir, "LancacheManager.db"),
		Datasources: []Datasource{
			{Name: "default", LogPath: "/logs", CachePath: "/cache"},
		},
		Workers: Workers{
			Processor:       "lancache_processor",
			StreamProcessor: "stream_processor",
			LogManager:      "log_manager",
			CacheCleaner:    "cache_cleaner",
			ServiceRemover:  "cache_service_remove",
			PollInterval:    NewDuration(500 * time.Millisecond),
			GracePeriod:     NewDuration(5 * time.Second),
			SettleDelay:     NewDuration(250 * time.Millisecond),
		},
		Cache: Cache{Threads: 4, DeleteMode: DeleteModePreserve},
		Reset: Reset{ChunkSize: 100_000, ChunkPause: NewDuration(10 * time.Millisecond), Vacuum: true},
		API:   API{Enabled: true, Listen: mustTCPAddr("127.0.0.1:8080")},
	}
}

// WriteConfig encodes cfg as YAML, in the format LoadConfig reads.
func WriteConfig(w io.Writer, cfg Config) error {
	enc := yamlv3.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}
