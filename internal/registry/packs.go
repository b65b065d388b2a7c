package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/catherinevee/diagmgr/internal/logger"
	"github.com/catherinevee/diagmgr/internal/models"
)

// Pack is a YAML document carrying rule definitions, the distribution
// format for rule sets maintained outside the binary.
type Pack struct {
	Name        string                   `yaml:"name"`
	Description string                   `yaml:"description,omitempty"`
	Rules       []models.DiagnosticRule  `yaml:"rules"`
}

// LoadPackFile registers every rule in one pack file. Rules that fail to
// register are skipped; the count of registered rules and the joined
// failures are returned.
func (r *Registry) LoadPackFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading rule pack %s: %w", path, err)
	}

	var pack Pack
	if err := yaml.Unmarshal(raw, &pack); err != nil {
		return 0, fmt.Errorf("parsing rule pack %s: %w", path, err)
	}

	loaded := 0
	var failures []error
	for i := range pack.Rules {
		rule := pack.Rules[i]
		if err := r.RegisterRule(&rule); err != nil {
			failures = append(failures, err)
			continue
		}
		loaded++
	}

	r.log.Info("rule pack loaded",
		logger.String("path", path),
		logger.String("pack", pack.Name),
		logger.Int("rules", loaded),
		logger.Int("rejected", len(failures)),
	)
	return loaded, errors.Join(failures...)
}

// LoadPackDir loads every .yaml/.yml pack in a directory, continuing past
// broken files.
func (r *Registry) LoadPackDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading rule pack directory %s: %w", dir, err)
	}

	total := 0
	var failures []error
	for _, entry := range entries {
		if entry.IsDir() || !isPackFile(entry.Name()) {
			continue
		}
		n, err := r.LoadPackFile(filepath.Join(dir, entry.Name()))
		total += n
		if err != nil {
			failures = append(failures, err)
		}
	}
	return total, errors.Join(failures...)
}

// WatchPacks hot-reloads pack files on change until the stop channel
// closes. Re-registration follows the usual conflict rule, so an edited
// rule must bump its version to take effect.
func (r *Registry) WatchPacks(dir string, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating pack watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching rule pack directory %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if !isPackFile(event.Name) {
					continue
				}
				if _, err := r.LoadPackFile(event.Name); err != nil {
					r.log.Warn("rule pack reload rejected",
						logger.String("path", event.Name),
						logger.Err(err),
					)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.log.Error("pack watcher error", logger.Err(err))
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func isPackFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
