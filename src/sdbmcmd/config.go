package sdbmcmd

import (
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"sdbm.io/sdbm/src/sdbm"
)

type Config struct {
	Store StoreConfig `toml:"store"`
}

type StoreConfig struct {
	// Path is the store file used when --db is not given.
	Path string `toml:"path"`
	// Flag overrides the per command default flag.
	Flag string `toml:"flag"`
	// Mode is an octal permission bitmask, e.g. "0644".
	Mode        string `toml:"mode"`
	Codec       string `toml:"codec"`
	JournalMode string `toml:"journal_mode"`
	BusyTimeout string `toml:"busy_timeout"`
}

// Defaults returns a Config matching the library defaults.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Mode:        "0666",
			Codec:       "gob",
			JournalMode: sdbm.DefaultJournalMode,
			BusyTimeout: sdbm.DefaultBusyTimeout.String(),
		},
	}
}

// LoadConfig reads a TOML config file on top of the defaults.
// If path is empty, only defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	return cfg, nil
}

func (sc StoreConfig) FileMode() (fs.FileMode, error) {
	if sc.Mode == "" {
		return sdbm.DefaultMode, nil
	}
	n, err := strconv.ParseUint(sc.Mode, 8, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing mode %q", sc.Mode)
	}
	return fs.FileMode(n).Perm(), nil
}

func (sc StoreConfig) Options() ([]sdbm.Option, error) {
	codec, err := sdbm.CodecByName(sc.Codec)
	if err != nil {
		return nil, err
	}
	opts := []sdbm.Option{sdbm.WithCodec(codec)}
	if sc.JournalMode != "" {
		opts = append(opts, sdbm.WithJournalMode(sc.JournalMode))
	}
	if sc.BusyTimeout != "" {
		d, err := time.ParseDuration(sc.BusyTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing busy_timeout %q", sc.BusyTimeout)
		}
		opts = append(opts, sdbm.WithBusyTimeout(d))
	}
	return opts, nil
}
