package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gengc/gengc/config"
	"github.com/gengc/gengc/stats"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max-heap-size: 64MB\ngc-thread-num: 3\n"), 0o644))
	t.Setenv(config.EnvOptions, "-gc-thread-num=5")

	cfg, err := loadConfig(path, "-enable-idle-gc")
	require.NoError(t, err)
	assert.Equal(t, 64*config.MB, cfg.MaxHeapSize)
	assert.Equal(t, 5, cfg.GCThreadNum)
	assert.True(t, cfg.EnableIdleGC)

	_, err = loadConfig("", "-no-such-option")
	assert.ErrorContains(t, err, "-o")
}

func TestSimulate(t *testing.T) {
	cfg := config.ForHeapSize(32 * config.MB)
	cfg.GCThreadNum = 2
	cfg.EnableHeapVerify = true
	w := &workload{
		duration: 50 * time.Millisecond,
		live:     256,
		maxWords: 8,
		shared:   0.1,
		old:      0.05,
	}
	require.NoError(t, simulate(cfg, w, 2, 1))
}

func TestPrintStats(t *testing.T) {
	var sb strings.Builder
	printStats(&sb, []heapStats{{name: "idle", stats: stats.New()}})
	out := sb.String()
	assert.Contains(t, out, "cycles")
	assert.Contains(t, out, "idle")
	assert.NotContains(t, out, "pauses min", "no cycles recorded")
}
