package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 50, c.Queue.Capacity)
	assert.Equal(t, 2*time.Second, c.Queue.BaseDelay.Std())
	assert.Equal(t, 60*time.Second, c.Queue.MaxDelay.Std())
	assert.Equal(t, 5, c.Queue.MaxAttempts)
	assert.Equal(t, 300<<10, c.Snapshot.MaxBytes)
	assert.Equal(t, 7*24*time.Hour, c.Snapshot.Retention.Std())
	assert.Equal(t, 5*time.Minute, c.Store.CacheTTL.Std())
	assert.Equal(t, 20*time.Second, c.Store.Timeout.Std())
	assert.Equal(t, 3, c.Store.MaxMergeAttempts)
	assert.Equal(t, 30*time.Second, c.Sync.DrainInterval.Std())
	assert.Equal(t, 10*time.Second, c.Sync.ProbeInterval.Std())
	assert.Equal(t, 200*time.Millisecond, c.Watch.Debounce.Std())
}

func TestParse_OverlaysDefaults(t *testing.T) {
	c, err := Parse([]byte(`
queue:
  capacity: 10
  base_delay: 500ms
remote:
  url: http://localhost:8080
  token: s3cret
`))
	require.NoError(t, err)
	assert.Equal(t, 10, c.Queue.Capacity)
	assert.Equal(t, 500*time.Millisecond, c.Queue.BaseDelay.Std())
	// Untouched fields keep defaults.
	assert.Equal(t, 60*time.Second, c.Queue.MaxDelay.Std())
	assert.Equal(t, 5, c.Queue.MaxAttempts)
	assert.Equal(t, "http://localhost:8080", c.Remote.URL)
	assert.Equal(t, "s3cret", c.Remote.Token)
}

func TestParse_Empty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown top-level field", "bogus: 1\n"},
		{"unknown nested field", "queue:\n  size: 3\n"},
		{"negative capacity", "queue:\n  capacity: -1\n"},
		{"zero attempts", "queue:\n  max_attempts: 0\n"},
		{"bad duration", "queue:\n  base_delay: soon\n"},
		{"duration as number", "store:\n  timeout: 20\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"max below base", "queue:\n  base_delay: 10s\n  max_delay: 1s\n"},
		{"tiny snapshot cap", "snapshot:\n  max_bytes: 10\n"},
		{"malformed yaml", "queue: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  drain_interval: 1m\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, c.Sync.DrainInterval.Std())

	require.NoError(t, os.WriteFile(path, []byte("sync:\n  drain_interval: never\n"), 0o644))
	_, err = Load(path)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, path, ve.Path)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	c, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	c, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestEncodeRoundTrip(t *testing.T) {
	want := Default()
	want.Queue.Capacity = 7
	want.Watch.Debounce = Duration(time.Second)

	var buf bytes.Buffer
	require.NoError(t, want.Encode(&buf))
	assert.Contains(t, buf.String(), "debounce: 1s")

	got, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
