package filewatcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

func expectChange(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change to %s", want)
	}
}

func expectQuiet(t *testing.T, ch <-chan string, d time.Duration) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected change notification for %s", got)
	case <-time.After(d):
	}
}

func TestFileWatcherPatterns(t *testing.T) {
	tempDir := t.TempDir()

	fw, err := New(
		WithLogger(testLogger),
		WithDirs([]string{tempDir}),
		WithPatterns([]string{"*.yaml", "*.yml"}),
		WithDebounce(100*time.Millisecond),
	)
	require.NoError(t, err)

	changeCh := make(chan string, 10)
	fw.AddCallback(func(file string) { changeCh <- file })
	require.NoError(t, fw.Start())
	defer fw.Stop()

	cfgFile := filepath.Join(tempDir, "broker.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("broker:\n  port: 3004\n"), 0644))
	expectChange(t, changeCh, cfgFile)

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, "notes.txt"), []byte("x"), 0644))
	expectQuiet(t, changeCh, 300*time.Millisecond)

	require.NoError(t, os.WriteFile(cfgFile, []byte("broker:\n  port: 3005\n"), 0644))
	expectChange(t, changeCh, cfgFile)
}

func TestFileWatcherDebouncesBursts(t *testing.T) {
	tempDir := t.TempDir()
	cfgFile := filepath.Join(tempDir, "broker.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("a: 1\n"), 0644))

	fw, err := New(WithLogger(testLogger), WithFiles(cfgFile), WithDebounce(150*time.Millisecond))
	require.NoError(t, err)

	changeCh := make(chan string, 10)
	fw.AddCallback(func(file string) { changeCh <- file })
	require.NoError(t, fw.Start())
	defer fw.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(cfgFile, []byte("a: 2\n"), 0644))
		time.Sleep(10 * time.Millisecond)
	}
	expectChange(t, changeCh, cfgFile)
	expectQuiet(t, changeCh, 400*time.Millisecond)
}

func TestFileWatcherSeesRenameSave(t *testing.T) {
	tempDir := t.TempDir()
	cfgFile := filepath.Join(tempDir, "broker.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("a: 1\n"), 0644))

	fw, err := New(WithLogger(testLogger), WithFiles(cfgFile), WithDebounce(100*time.Millisecond))
	require.NoError(t, err)

	changeCh := make(chan string, 10)
	fw.AddCallback(func(file string) { changeCh <- file })
	require.NoError(t, fw.Start())
	defer fw.Stop()

	tmp := filepath.Join(tempDir, ".broker.yaml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("a: 2\n"), 0644))
	require.NoError(t, os.Rename(tmp, cfgFile))

	expectChange(t, changeCh, cfgFile)
}

func TestWithFiles(t *testing.T) {
	fw, err := New(WithFiles("/etc/broker/a.yaml", "/etc/broker/b.yaml", "/srv/c.yaml"))
	require.NoError(t, err)
	defer fw.Stop()

	assert.Equal(t, []string{"/etc/broker", "/srv"}, fw.dirs)
	assert.Equal(t, []string{"a.yaml", "b.yaml", "c.yaml"}, fw.patterns)
	assert.True(t, fw.matchesPattern("/etc/broker/a.yaml"))
	assert.False(t, fw.matchesPattern("/etc/broker/a.yaml.bak"))
}

func TestStopIsIdempotent(t *testing.T) {
	fw, err := New(WithDirs([]string{t.TempDir()}))
	require.NoError(t, err)
	require.NoError(t, fw.Start())
	assert.NoError(t, fw.Stop())
	assert.NoError(t, fw.Stop())
}
