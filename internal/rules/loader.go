package rules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/srvo/dewey/internal/model"
	"github.com/srvo/dewey/internal/repository"
)

type fileRule struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Pattern   string `yaml:"pattern"`
	Action    string `yaml:"action"`
	ActionArg string `yaml:"action_arg"`
	Priority  int    `yaml:"priority"`
	Active    *bool  `yaml:"active"`
}

type rulesFile struct {
	Rules []fileRule `yaml:"rules"`
}

// ruleNamespace derives stable IDs for rules that omit one, so reloading the
// same file updates rules in place.
var ruleNamespace = uuid.MustParse("0f6a3c52-6d1b-4f0e-9a53-3f7f2b1c8e41")

// ParseFile reads and validates a rules file. Nothing is stored.
func ParseFile(path string) ([]*model.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing rules file %s: %w", path, err)
	}

	out := make([]*model.Rule, 0, len(f.Rules))
	seen := make(map[string]string, len(f.Rules))
	for i, fr := range f.Rules {
		r := &model.Rule{
			ID:        fr.ID,
			Name:      fr.Name,
			Pattern:   fr.Pattern,
			Action:    fr.Action,
			ActionArg: fr.ActionArg,
			Priority:  fr.Priority,
			Active:    fr.Active == nil || *fr.Active,
		}
		if r.ID == "" {
			r.ID = uuid.NewSHA1(ruleNamespace, []byte(r.Name)).String()
		}
		if err := Validate(r); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if prev, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rules[%d]: %s duplicates rule %s", i, r.Name, prev)
		}
		seen[r.ID] = r.Name
		out = append(out, r)
	}
	return out, nil
}

// LoadFile syncs the rule store with a rules file: rules in the file are
// upserted in file order, stored rules missing from it are deactivated. An
// invalid file changes nothing.
func LoadFile(ctx context.Context, path string, store repository.RuleStore, logger *zap.Logger) (int, error) {
	parsed, err := ParseFile(path)
	if err != nil {
		return 0, err
	}

	existing, err := store.ListRules(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]struct{}, len(parsed))
	for _, r := range parsed {
		if err := store.UpsertRule(ctx, r); err != nil {
			return 0, fmt.Errorf("storing rule %s: %w", r.Name, err)
		}
		keep[r.ID] = struct{}{}
	}
	for _, r := range existing {
		if _, ok := keep[r.ID]; ok || !r.Active {
			continue
		}
		if err := store.SetRuleActive(ctx, r.ID, false); err != nil {
			return 0, fmt.Errorf("deactivating rule %s: %w", r.Name, err)
		}
		logger.Info("Rule removed from file, deactivated",
			zap.String("rule_id", r.ID),
			zap.String("rule", r.Name),
		)
	}

	logger.Info("Rules loaded",
		zap.String("path", path),
		zap.Int("count", len(parsed)),
	)
	return len(parsed), nil
}

// Watch reloads the rules file whenever it changes until ctx is cancelled.
// The directory is watched so editors that replace the file are handled.
// A failed reload is logged and the previous rules stay in effect.
func Watch(ctx context.Context, path string, store repository.RuleStore, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	const debounce = 250 * time.Millisecond
	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reload = time.After(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Rules watcher error", zap.Error(err))
		case <-reload:
			reload = nil
			if _, err := LoadFile(ctx, abs, store, logger); err != nil {
				logger.Error("Rules reload failed, keeping previous rules",
					zap.String("path", abs),
					zap.Error(err),
				)
			}
		}
	}
}
