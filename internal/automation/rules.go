// Package automation implements the rule engine: dispatcher, processor,
// action executors, schema watcher, delay scheduler and the worker HTTP
// surface.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/bitflow/pkg/models"
)

// ruleDefaults is the optional defaults block of the rules file, merged into
// every rule that leaves the value unset.
type ruleDefaults struct {
	AppToken string `yaml:"app_token"`
	Enabled  *bool  `yaml:"enabled"`
	Priority int    `yaml:"priority"`
}

type rulesFile struct {
	Defaults ruleDefaults  `yaml:"defaults"`
	Rules    []models.Rule `yaml:"rules"`
}

// ParseRules decodes and validates a rules document.
func ParseRules(raw []byte) ([]models.Rule, error) {
	var doc rulesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	// A second decode keeps an explicit enabled: false apart from an
	// absent key, so defaults only fill the gaps.
	var explicit struct {
		Rules []struct {
			Enabled *bool `yaml:"enabled"`
		} `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &explicit); err != nil {
		return nil, fmt.Errorf("parse rules yaml: %w", err)
	}
	seen := map[string]struct{}{}
	for i := range doc.Rules {
		r := &doc.Rules[i]
		if r.Table.AppToken == "" {
			r.Table.AppToken = doc.Defaults.AppToken
		}
		if r.Priority == 0 {
			r.Priority = doc.Defaults.Priority
		}
		if i < len(explicit.Rules) && explicit.Rules[i].Enabled == nil && doc.Defaults.Enabled != nil {
			r.Enabled = *doc.Defaults.Enabled
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	// Higher priority evaluates first; ties keep file order.
	sort.SliceStable(doc.Rules, func(i, j int) bool {
		return doc.Rules[i].Priority > doc.Rules[j].Priority
	})
	return doc.Rules, nil
}

// WatchPlan is the minimal field set to fetch for one table. All overrides
// Fields when any rule needs every field.
type WatchPlan struct {
	Fields []string
	All    bool
}

// Covers reports whether the plan includes the named field.
func (p WatchPlan) Covers(field string) bool {
	if p.All {
		return true
	}
	for _, f := range p.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Registry holds the loaded rules and swaps them atomically on reload.
type Registry struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	rules []models.Rule
	plans map[string]WatchPlan // table_id -> plan
}

// NewRegistry loads the rules file at path.
func NewRegistry(path string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{path: path, logger: logger.With("component", "automation.rules")}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewRegistryFromRules builds a registry around an in-memory rule set.
func NewRegistryFromRules(rules []models.Rule, logger *slog.Logger) *Registry {
	r := &Registry{logger: logger.With("component", "automation.rules")}
	r.swap(rules)
	return r
}

// Reload re-reads the rules file and swaps the active set.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	rules, err := ParseRules(raw)
	if err != nil {
		return err
	}
	r.swap(rules)
	r.logger.Info("rules loaded", "path", r.path, "count", len(rules))
	return nil
}

func (r *Registry) swap(rules []models.Rule) {
	plans := make(map[string]WatchPlan)
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		plan := plans[rule.Table.TableID]
		if rule.Trigger.UsesAnyFieldChanged() {
			plan.All = true
		}
		for _, name := range rule.Trigger.FieldNames() {
			if !plan.Covers(name) {
				plan.Fields = append(plan.Fields, name)
			}
		}
		for _, action := range rule.Pipeline {
			for _, name := range action.TemplateFields() {
				if !plan.Covers(name) {
					plan.Fields = append(plan.Fields, name)
				}
			}
		}
		sort.Strings(plan.Fields)
		plans[rule.Table.TableID] = plan
	}

	r.mu.Lock()
	r.rules = rules
	r.plans = plans
	r.mu.Unlock()
}

// Rules returns the full active rule set.
func (r *Registry) Rules() []models.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Rule(nil), r.rules...)
}

// RulesForTable returns the enabled rules bound to one table, in priority
// order.
func (r *Registry) RulesForTable(tableID string) []models.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Rule
	for _, rule := range r.rules {
		if rule.Enabled && rule.Table.TableID == tableID {
			out = append(out, rule)
		}
	}
	return out
}

// Rule returns one rule by id.
func (r *Registry) Rule(id string) (models.Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.ID == id {
			return rule, true
		}
	}
	return models.Rule{}, false
}

// Tables returns every table id any enabled rule is bound to.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for _, rule := range r.rules {
		if !rule.Enabled {
			continue
		}
		if _, ok := seen[rule.Table.TableID]; !ok {
			seen[rule.Table.TableID] = struct{}{}
			out = append(out, rule.Table.TableID)
		}
	}
	sort.Strings(out)
	return out
}

// Plan returns the watch plan for one table.
func (r *Registry) Plan(tableID string) WatchPlan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.plans[tableID]
}

// Watch hot-reloads the rules file on change until ctx is cancelled. Reload
// failures keep the previous rule set active.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start rules watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch rules dir: %w", err)
	}

	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("rules reload failed, keeping previous set", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("rules watcher error", "error", err)
		}
	}
}
