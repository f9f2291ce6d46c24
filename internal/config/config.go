package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/lojhan/chainmap/internal/hashmap"
	"github.com/lojhan/chainmap/internal/logutil"
	"github.com/lojhan/chainmap/internal/persistence"
)

const DefaultPort = "6379"

type Config struct {
	Port           string            `toml:"port"`
	Buckets        int               `toml:"buckets"`
	Multicore      bool              `toml:"multicore"`
	AppendOnly     bool              `toml:"appendonly"`
	AppendFilename string            `toml:"appendfilename"`
	AppendFsync    string            `toml:"appendfsync"`
	Log            logutil.LogConfig `toml:"log"`
}

func Default() Config {
	return Config{
		Port:           DefaultPort,
		Buckets:        hashmap.DefaultBucketCount,
		AppendFilename: "appendonly.aof",
		AppendFsync:    string(persistence.AOFSyncEverySec),
		Log:            logutil.DefaultLogConfig(),
	}
}

// Load reads a TOML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "decode config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("port must not be empty")
	}
	if c.Buckets <= 0 {
		return errors.Wrapf(hashmap.ErrInvalidBucketCount, "buckets = %d", c.Buckets)
	}
	if _, err := persistence.ParseSyncPolicy(c.AppendFsync); err != nil {
		return err
	}
	if c.AppendOnly && c.AppendFilename == "" {
		return errors.New("appendfilename must be set when appendonly is enabled")
	}
	return nil
}
