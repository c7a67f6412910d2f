// Package filter wires file-backed data into the moderation detector: the
// restricted-persons registry and the keyword lists. Keyword files are
// watched for changes and reloaded on the fly; the registry is loaded once
// at startup and stays immutable.
package filter

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/verchik/tg-moder/lib/moder"
	"github.com/verchik/tg-moder/lib/registry"
)

// Files defines the data file locations. Empty paths mean built-in defaults.
type Files struct {
	Registry    string // restricted-persons registry source, required
	DangerWords string
	RudeWords   string
	ThreatWords string
}

// Loader loads and reloads detector data files.
type Loader struct {
	detector *moder.Detector
	files    Files
}

// NewLoader makes a loader for the given detector.
func NewLoader(detector *moder.Detector, files Files) *Loader {
	return &Loader{detector: detector, files: files}
}

// LoadRegistry reads the registry source and attaches the matcher to the
// detector. Called once at startup.
func (l *Loader) LoadRegistry(fuzzyThreshold float64) error {
	fh, err := os.Open(l.files.Registry)
	if err != nil {
		return fmt.Errorf("failed to open registry file %s: %w", l.files.Registry, err)
	}
	defer fh.Close()

	store, res, err := registry.Load(fh)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	log.Printf("[INFO] registry loaded from %s: %d entries, %d aliases, %d lines skipped",
		l.files.Registry, res.Entries, res.Aliases, res.Skipped)
	l.detector.WithRegistry(registry.NewMatcher(store, fuzzyThreshold))
	return nil
}

// LoadKeywords loads all configured keyword files. Failures are aggregated,
// one bad file does not stop the others.
func (l *Loader) LoadKeywords() error {
	load := func(path string, loadFn func() error) error {
		if path == "" {
			return nil // built-in defaults stay
		}
		return loadFn()
	}

	errs := new(multierror.Error)
	if err := load(l.files.DangerWords, func() error { return l.loadFile(l.files.DangerWords, l.detector.LoadDangerWords) }); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := load(l.files.RudeWords, func() error { return l.loadFile(l.files.RudeWords, l.detector.LoadRudeWords) }); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := load(l.files.ThreatWords, func() error { return l.loadFile(l.files.ThreatWords, l.detector.LoadThreatWords) }); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Watch blocks until ctx is done, reloading keyword files on change.
func (l *Loader) Watch(ctx context.Context) {
	watchFile := func(path string, loadFn func(io.Reader) error) {
		if path == "" {
			return
		}
		go func() {
			if err := watch(ctx, path, loadFn); err != nil {
				log.Printf("[WARN] failed to watch file %s: %v", path, err)
			}
		}()
	}

	watchFile(l.files.DangerWords, l.detector.LoadDangerWords)
	watchFile(l.files.RudeWords, l.detector.LoadRudeWords)
	watchFile(l.files.ThreatWords, l.detector.LoadThreatWords)
	<-ctx.Done()
}

func (l *Loader) loadFile(path string, loadFn func(io.Reader) error) error {
	fh, err := os.Open(path) //nolint:gosec // path is controlled by the app
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer fh.Close()
	return loadFn(fh)
}
