// Package config implements process configuration for feedmesh: a TOML
// file (github.com/naoina/toml) loaded the way node/cn/gen_config.go
// hand-rolls MarshalTOML/UnmarshalTOML (there machine-generated by
// gencodec; here hand-written since no codegen step runs in this repo),
// byte-size flags parsed with github.com/alecthomas/units, and
// memory-scaled cache defaults via github.com/pbnjay/memory, mirroring
// node/defaults.go's DefaultConfig/DefaultDataDir shape.
package config

import (
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/naoina/toml"
	cp "github.com/otiai10/copy"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"

	"github.com/feedmesh/feedmesh/log"
)

var logger = log.NewModuleLogger(log.ModuleConfig)

const (
	// DefaultListenAddr is the TCP address Supervisor listens on.
	DefaultListenAddr = ":7400"
	// DefaultMDNSInterval/DefaultDHTInterval match spec.md §4.6's default
	// 10s discovery cadence.
	DefaultMDNSInterval = 10 * time.Second
	DefaultDHTInterval  = 10 * time.Second
	// defaultMaxFrameSizeStr is the default frame-size ceiling (not scaled
	// by host memory), expressed the way an operator would type it in a config
	// file or flag (parsed with alecthomas/units).
	defaultMaxFrameSizeStr = "4MiB"

	// cacheFraction is the denominator of system memory handed to feed
	// storage caches by default; minCacheSize/maxCacheSize clamp the
	// result for very small or very large hosts.
	cacheFraction = 64
	minCacheSize  = 4 << 20   // 4 MiB
	maxCacheSize  = 512 << 20 // 512 MiB
)

// Config is feedmesh's process configuration: where its data lives, what
// it listens on, which bootstrap nodes seed its DHT table, and the
// discovery/caching knobs spec.md leaves to the implementation.
type Config struct {
	DataDir string

	ListenAddr     string
	BootstrapNodes []string

	MDNSInterval time.Duration
	DHTInterval  time.Duration

	MaxFrameSize units.Base2Bytes
	CacheSize    units.Base2Bytes
}

// MarshalTOML marshals as TOML, the same shape node/cn/gen_config.go's
// gencodec-generated method produces (there machine-generated; here
// hand-written since this repo runs no codegen step).
func (c Config) MarshalTOML() (interface{}, error) {
	type Config struct {
		DataDir        string
		ListenAddr     string
		BootstrapNodes []string
		MDNSInterval   time.Duration
		DHTInterval    time.Duration
		MaxFrameSize   units.Base2Bytes
		CacheSize      units.Base2Bytes
	}
	enc := Config{
		DataDir:        c.DataDir,
		ListenAddr:     c.ListenAddr,
		BootstrapNodes: c.BootstrapNodes,
		MDNSInterval:   c.MDNSInterval,
		DHTInterval:    c.DHTInterval,
		MaxFrameSize:   c.MaxFrameSize,
		CacheSize:      c.CacheSize,
	}
	return &enc, nil
}

// UnmarshalTOML unmarshals from TOML. Every field is optional: an absent
// field in the file leaves whatever the receiver was already holding (the
// defaults Load seeds it with) untouched, matching gen_config.go's
// pointer-field presence check.
func (c *Config) UnmarshalTOML(unmarshal func(interface{}) error) error {
	type Config struct {
		DataDir        *string
		ListenAddr     *string
		BootstrapNodes []string
		MDNSInterval   *time.Duration
		DHTInterval    *time.Duration
		MaxFrameSize   *units.Base2Bytes
		CacheSize      *units.Base2Bytes
	}
	var dec Config
	if err := unmarshal(&dec); err != nil {
		return err
	}
	if dec.DataDir != nil {
		c.DataDir = *dec.DataDir
	}
	if dec.ListenAddr != nil {
		c.ListenAddr = *dec.ListenAddr
	}
	if dec.BootstrapNodes != nil {
		c.BootstrapNodes = dec.BootstrapNodes
	}
	if dec.MDNSInterval != nil {
		c.MDNSInterval = *dec.MDNSInterval
	}
	if dec.DHTInterval != nil {
		c.DHTInterval = *dec.DHTInterval
	}
	if dec.MaxFrameSize != nil {
		c.MaxFrameSize = *dec.MaxFrameSize
	}
	if dec.CacheSize != nil {
		c.CacheSize = *dec.CacheSize
	}
	return nil
}

// Default returns spec-reasonable defaults, with DataDir and CacheSize
// scaled to the host the process is running on.
func Default() Config {
	return Config{
		DataDir:      DefaultDataDir(),
		ListenAddr:   DefaultListenAddr,
		MDNSInterval: DefaultMDNSInterval,
		DHTInterval:  DefaultDHTInterval,
		MaxFrameSize: mustParseBytes(defaultMaxFrameSizeStr),
		CacheSize:    units.Base2Bytes(defaultCacheSize()),
	}
}

func mustParseBytes(s string) units.Base2Bytes {
	v, err := units.ParseBase2Bytes(s)
	if err != nil {
		panic(err) // only called with our own literal defaults above
	}
	return v
}

// defaultCacheSize scales with detected system memory, the same
// memory-aware default common.CacheScale anticipates in the teacher
// codebase.
func defaultCacheSize() int64 {
	total := memory.TotalMemory()
	if total == 0 {
		return minCacheSize
	}
	size := int64(total / cacheFraction)
	if size < minCacheSize {
		return minCacheSize
	}
	if size > maxCacheSize {
		return maxCacheSize
	}
	return size
}

// DefaultDataDir places the data folder in the user's home directory,
// following node/defaults.go's DefaultDataDir per-OS convention.
func DefaultDataDir() string {
	const dirname = "feedmesh"
	home := homeDir()
	if home == "" {
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", strings.ToUpper(dirname))
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", strings.ToUpper(dirname))
	default:
		return filepath.Join(home, "."+dirname)
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// Load reads and parses a TOML config file at path.
func Load(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read file")
	}
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse TOML")
	}
	return cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "config: marshal TOML")
	}
	if err := ioutil.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "config: write file")
	}
	return nil
}

// EnsureDataDir creates cfg.DataDir if it does not exist. If it already
// exists but fresh is true (an operator-requested clean start), the
// existing directory is preserved under a ".bak" sibling via
// github.com/otiai10/copy rather than deleted outright, and a new empty
// DataDir is created in its place.
func EnsureDataDir(dataDir string, fresh bool) error {
	if dataDir == "" {
		return errors.New("config: DataDir is empty")
	}
	info, err := os.Stat(dataDir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dataDir, 0o755)
	}
	if err != nil {
		return errors.Wrap(err, "config: stat data dir")
	}
	if !info.IsDir() {
		return errors.Errorf("config: %s exists and is not a directory", dataDir)
	}
	if !fresh {
		return nil
	}

	backup := dataDir + ".bak"
	logger.Info("backing up existing data dir before fresh start", "from", dataDir, "to", backup)
	if err := cp.Copy(dataDir, backup); err != nil {
		return errors.Wrap(err, "config: back up existing data dir")
	}
	if err := os.RemoveAll(dataDir); err != nil {
		return errors.Wrap(err, "config: clear data dir")
	}
	return os.MkdirAll(dataDir, 0o755)
}
