package main

import (
	"context"
	"log"
	"os"
	"strings"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap"

	"sdbm.io/sdbm/src/sdbmcmd"
)

func main() {
	ctx := context.Background()
	cfg := zap.NewProductionConfig()
	if val := os.Getenv("SDBM_LOG"); val != "" {
		switch strings.ToLower(val) {
		case "debug":
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		}
	}
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	defer l.Sync()
	ctx = logctx.NewContext(ctx, l)
	if err := sdbmcmd.Main(ctx); err != nil {
		log.Fatal(err)
	}
}
