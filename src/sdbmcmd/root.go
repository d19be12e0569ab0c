package sdbmcmd

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/star"
	"go.brendoncarroll.net/stdctx/logctx"

	"sdbm.io/sdbm/src/internal/testutil"
	"sdbm.io/sdbm/src/sdbm"
)

// Main runs the command line with the process arguments, environment and standard streams.
func Main(ctx context.Context) error {
	stdin := bufio.NewReader(os.Stdin)
	stdout := bufio.NewWriter(os.Stdout)
	stderr := bufio.NewWriter(os.Stderr)
	defer stderr.Flush()
	defer stdout.Flush()
	return star.Run(ctx, Root(), environ(), os.Args[0], os.Args[1:], stdin, stdout, stderr)
}

func Root() star.Command {
	return rootCmd
}

var rootCmd = star.NewDir(
	star.Metadata{
		Short: "sdbm is a dbm-style key/value store in a single SQLite file",
	}, map[string]star.Command{
		"get":   getCmd,
		"set":   setCmd,
		"del":   delCmd,
		"keys":  keysCmd,
		"items": itemsCmd,
		"len":   lenCmd,
		"clear": clearCmd,
	},
)

var storeFlags = map[string]star.Flag{
	"config": configParam,
	"db":     dbParam,
	"flag":   flagParam,
}

var getCmd = star.Command{
	Metadata: star.Metadata{
		Short: "writes the value stored under a key to stdout",
	},
	Flags: storeFlags,
	Pos:   []star.Positional{keyParam},
	F: func(c star.Context) error {
		db, err := openStore(c, sdbm.FlagRead)
		if err != nil {
			return err
		}
		defer db.Close()
		var v []byte
		if err := db.Get(c.Context, []byte(keyParam.Load(c)), &v); err != nil {
			return err
		}
		_, err = c.StdOut.Write(v)
		return err
	},
}

var setCmd = star.Command{
	Metadata: star.Metadata{
		Short: "stores a value under a key",
	},
	Flags: storeFlags,
	Pos:   []star.Positional{keyParam, valueParam},
	F: func(c star.Context) error {
		db, err := openStore(c, sdbm.FlagCreate)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.SetAny(c.Context, keyParam.Load(c), []byte(valueParam.Load(c)))
	},
}

var delCmd = star.Command{
	Metadata: star.Metadata{
		Short: "deletes the entry for a key, if there is one",
	},
	Flags: storeFlags,
	Pos:   []star.Positional{keyParam},
	F: func(c star.Context) error {
		db, err := openStore(c, sdbm.FlagWrite)
		if err != nil {
			return err
		}
		defer db.Close()
		return db.Delete(c.Context, []byte(keyParam.Load(c)))
	},
}

var keysCmd = star.Command{
	Metadata: star.Metadata{
		Short: "lists the keys in the store",
	},
	Flags: storeFlags,
	F: func(c star.Context) error {
		db, err := openStore(c, sdbm.FlagRead)
		if err != nil {
			return err
		}
		defer db.Close()
		for k, err := range db.Keys(c.Context) {
			if err != nil {
				return err
			}
			c.Printf("%s\n", k)
		}
		return nil
	},
}

var itemsCmd = star.Command{
	Metadata: star.Metadata{
		Short: "lists the keys and values in the store",
	},
	Flags: storeFlags,
	F: func(c star.Context) error {
		db, err := openStore(c, sdbm.FlagRead)
		if err != nil {
			return err
		}
		defer db.Close()
		for it, err := range db.Items(c.Context) {
			if err != nil {
				return err
			}
			var v []byte
			if err := it.Decode(&v); err != nil {
				return errors.Wrapf(err, "decoding value for %q", it.Key)
			}
			c.Printf("%s\t%s\n", it.Key, v)
		}
		return nil
	},
}

var lenCmd = star.Command{
	Metadata: star.Metadata{
		Short: "prints the number of entries in the store",
	},
	Flags: storeFlags,
	F: func(c star.Context) error {
		db, err := openStore(c, sdbm.FlagRead)
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := db.Len(c.Context)
		if err != nil {
			return err
		}
		c.Printf("%d\n", n)
		return nil
	},
}

var clearCmd = star.Command{
	Metadata: star.Metadata{
		Short: "deletes every entry in the store",
	},
	Flags: storeFlags,
	F: func(c star.Context) error {
		db, err := openStore(c, sdbm.FlagWrite)
		if err != nil {
			return err
		}
		defer db.Close()
		n, err := db.Clear(c.Context)
		if err != nil {
			return err
		}
		logctx.Infof(c.Context, "cleared %d entries from %s", n, db.Path())
		return nil
	},
}

var configParam = star.Optional[string]{
	ID:       "config",
	ShortDoc: "path to a TOML config file",
	Parse:    star.ParseString,
}

var dbParam = star.Optional[string]{
	ID:       "db",
	ShortDoc: "path to the store file",
	Parse:    star.ParseString,
}

var flagParam = star.Optional[sdbm.Flag]{
	ID:       "flag",
	ShortDoc: "open flag, one of r, w, c, or n",
	Parse:    sdbm.ParseFlag,
}

var keyParam = star.Required[string]{
	ID:       "key",
	ShortDoc: "the key",
	Parse:    star.ParseString,
}

var valueParam = star.Required[string]{
	ID:       "value",
	ShortDoc: "the value",
	Parse:    star.ParseString,
}

// openStore opens the store named by the flags and config file.
// defFlag is used when neither names an open flag.
func openStore(c star.Context, defFlag sdbm.Flag) (*sdbm.DB, error) {
	cfgPath, _ := configParam.LoadOpt(c)
	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	p := cfg.Store.Path
	if x, ok := dbParam.LoadOpt(c); ok {
		p = x
	}
	if p == "" {
		return nil, errors.New("no store: pass --db or set store.path in the config file")
	}
	flag := defFlag
	if cfg.Store.Flag != "" {
		if flag, err = sdbm.ParseFlag(cfg.Store.Flag); err != nil {
			return nil, err
		}
	}
	if x, ok := flagParam.LoadOpt(c); ok {
		flag = x
	}
	mode, err := cfg.Store.FileMode()
	if err != nil {
		return nil, err
	}
	if cfg.Store.Codec == "proto" {
		return nil, errors.New("the proto codec cannot be used from the command line")
	}
	opts, err := cfg.Store.Options()
	if err != nil {
		return nil, err
	}
	return sdbm.Open(c.Context, p, flag, mode, opts...)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

func RunTest(t testing.TB, env map[string]string, calledAs string, args []string, stdin *bufio.Reader, stdout *bufio.Writer, stderr *bufio.Writer) error {
	if stdin == nil {
		stdin = bufio.NewReader(bytes.NewReader([]byte{}))
	}
	if stdout == nil {
		stdout = bufio.NewWriter(io.Discard)
	}
	if stderr == nil {
		stderr = bufio.NewWriter(io.Discard)
	}
	ctx := testutil.Context(t)
	return star.Run(ctx, Root(), env, calledAs, args, stdin, stdout, stderr)
}

// MustRunTest is RunTest, failing the test on error.
func MustRunTest(t testing.TB, env map[string]string, calledAs string, args []string, stdin *bufio.Reader, stdout *bufio.Writer, stderr *bufio.Writer) {
	require.NoError(t, RunTest(t, env, calledAs, args, stdin, stdout, stderr))
}
