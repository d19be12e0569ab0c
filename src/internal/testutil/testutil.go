package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"go.brendoncarroll.net/stdctx/logctx"
	"go.uber.org/zap/zaptest"
)

// Context returns a context carrying a logger which writes to the test log.
func Context(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return logctx.NewContext(ctx, zaptest.NewLogger(t))
}

// StorePath returns a path for a store file which does not exist yet.
func StorePath(t testing.TB) string {
	return filepath.Join(t.TempDir(), "test.db")
}
