package core

import (
	"bytes"
	"log"
	"testing"
	"time"
)

func TestDefaultConfigInMemoryVsFileBacked(t *testing.T) {
	mem := DefaultConfig(true)
	if !mem.PersistAccessTrack || mem.AccessFlushInterval != 5*time.Second {
		t.Fatalf("in-memory default = %+v, want tracking enabled at 5s", mem)
	}

	file := DefaultConfig(false)
	if file.PersistAccessTrack || file.AccessFlushInterval != 5*time.Minute {
		t.Fatalf("file-backed default = %+v, want tracking disabled at 5m", file)
	}
}

func TestWithAutovacuumClampsMinInterval(t *testing.T) {
	var cfg Config
	WithAutovacuum(true, 10*time.Millisecond)(&cfg)
	if cfg.AutovacuumInterval != time.Second {
		t.Fatalf("AutovacuumInterval = %v, want clamped to 1s", cfg.AutovacuumInterval)
	}
}

func TestWithLoggerInstallsLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	c := newTestCore(t, WithLogger(logger), WithAutovacuum(true, time.Hour))
	insertKeyWithExpiry(t, c, "x", nil)

	if c.log != logger {
		t.Fatal("expected WithLogger to install the given logger on Core")
	}
}
