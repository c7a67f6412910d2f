package filter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verchik/tg-moder/lib/modcheck"
	"github.com/verchik/tg-moder/lib/moder"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_LoadRegistry(t *testing.T) {
	dir := t.TempDir()
	regFile := writeFile(t, dir, "registry.txt", "Иванов Петр Сергеевич (псевдоним Странник)\n")

	d := moder.NewDetector(moder.Config{})
	l := NewLoader(d, Files{Registry: regFile})
	require.NoError(t, l.LoadRegistry(0))

	res := d.Check(context.Background(), modcheck.Request{Msg: "тут Иванов Петр отметился", ChatID: 1})
	assert.Equal(t, modcheck.CategoryRegistry, res.Category)
}

func TestLoader_LoadRegistryMissingFile(t *testing.T) {
	d := moder.NewDetector(moder.Config{})
	l := NewLoader(d, Files{Registry: "/nonexistent/registry.txt"})
	assert.Error(t, l.LoadRegistry(0))
}

func TestLoader_LoadKeywords(t *testing.T) {
	dir := t.TempDir()
	danger := writeFile(t, dir, "danger.txt", "опасность\n")
	rude := writeFile(t, dir, "rude.txt", "грубиян\n")

	d := moder.NewDetector(moder.Config{})
	l := NewLoader(d, Files{DangerWords: danger, RudeWords: rude})
	require.NoError(t, l.LoadKeywords())
}

func TestLoader_LoadKeywordsAggregatesErrors(t *testing.T) {
	dir := t.TempDir()
	danger := writeFile(t, dir, "danger.txt", "опасность\n")

	d := moder.NewDetector(moder.Config{})
	l := NewLoader(d, Files{
		DangerWords: danger,
		RudeWords:   filepath.Join(dir, "missing1.txt"),
		ThreatWords: filepath.Join(dir, "missing2.txt"),
	})
	err := l.LoadKeywords()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing1.txt")
	assert.Contains(t, err.Error(), "missing2.txt")
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "words.txt", "первое\n")

	var reloads int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = watch(ctx, path, func(r io.Reader) error {
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			if len(data) > 0 {
				atomic.AddInt32(&reloads, 1)
			}
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond) // let the watcher attach
	require.NoError(t, os.WriteFile(path, []byte("второе\n"), 0o600))

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&reloads) > 0 },
		2*time.Second, 50*time.Millisecond, "watcher picks up the write")
}

func TestWatch_MissingFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := watch(ctx, "/nonexistent/file.txt", func(io.Reader) error { return nil })
	assert.Error(t, err)
}
