package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SkillsConfig is the declarative skill-routing configuration (skills.yaml).
type SkillsConfig struct {
	Intent  IntentConfig           `yaml:"intent"`
	Routing RoutingConfig          `yaml:"routing"`
	Skills  map[string]SkillConfig `yaml:"skills"`
	Chain   ChainConfig            `yaml:"chain"`
	Tables  TablesConfig           `yaml:"tables"`
	Delete  DeleteConfig           `yaml:"delete"`
	L0      L0Config               `yaml:"l0"`
	Summary SummaryConfig          `yaml:"summary"`

	LinkedWrites []LinkedWriteConfig `yaml:"linked_writes"`
}

type IntentConfig struct {
	Thresholds ThresholdConfig `yaml:"thresholds"`
}

type ThresholdConfig struct {
	DirectExecute float64 `yaml:"direct_execute"`
	LLMConfirm    float64 `yaml:"llm_confirm"`
}

type RoutingConfig struct {
	FallbackSkill string `yaml:"fallback_skill"`
	MaxHops       int    `yaml:"max_hops"`
}

// SkillConfig holds one skill's routing keywords and options.
type SkillConfig struct {
	Name         string             `yaml:"name"`
	Description  string             `yaml:"description"`
	Keywords     []string           `yaml:"keywords"`
	TimeKeywords []string           `yaml:"time_keywords"`
	Weights      map[string]float64 `yaml:"weights"`
	DefaultTime  string             `yaml:"default_time"`
}

type ChainTrigger struct {
	Pattern string   `yaml:"pattern"`
	Skills  []string `yaml:"skills"`

	re *regexp.Regexp
}

type ChainConfig struct {
	Triggers []ChainTrigger `yaml:"triggers"`
	MaxHops  int            `yaml:"max_hops"`
}

// TablesConfig maps conversational table aliases onto table ids.
type TablesConfig struct {
	Aliases map[string]string `yaml:"aliases"`
	// AutoPickConfidence is the minimum alias-match confidence below which
	// the LLM is asked to disambiguate instead of auto-picking.
	AutoPickConfidence float64 `yaml:"auto_pick_confidence"`
}

type DeleteConfig struct {
	ConfirmPhrases []string `yaml:"confirm_phrases"`
	CancelPhrases  []string `yaml:"cancel_phrases"`
}

type L0Config struct {
	CancelPhrases    []string `yaml:"cancel_phrases"`
	NextPageTriggers []string `yaml:"next_page_triggers"`
}

type SummaryConfig struct {
	DefaultFields  []string `yaml:"default_fields"`
	ExtendedFields []string `yaml:"extended_fields"`
	ExtendTriggers []string `yaml:"extend_triggers"`
}

// LinkedWriteConfig is one secondary write that follows a successful create
// in the source table. Each pair is one-directional, which keeps linked
// tables acyclic.
type LinkedWriteConfig struct {
	Name      string `yaml:"name"`
	FromTable string `yaml:"from_table"` // empty means the default table
	ToTable   string `yaml:"to_table"`
	// CopyFields are copied from the primary record when present.
	CopyFields []string `yaml:"copy_fields"`
	// LinkField is the target-table field that holds the primary case
	// number. Defaults to 案号.
	LinkField string `yaml:"link_field"`
}

// DefaultSkillsConfig returns the built-in configuration used when no
// skills.yaml is present.
func DefaultSkillsConfig() SkillsConfig {
	return SkillsConfig{
		Intent: IntentConfig{Thresholds: ThresholdConfig{DirectExecute: 0.7, LLMConfirm: 0.4}},
		Routing: RoutingConfig{
			FallbackSkill: "chitchat",
			MaxHops:       2,
		},
		Skills: map[string]SkillConfig{
			"query": {
				Name:         SkillQuery,
				Description:  "查询案件、开庭、当事人等信息",
				Keywords:     []string{"查", "找", "搜索", "案件", "案子", "开庭", "我的案件"},
				TimeKeywords: []string{"今天", "明天", "后天", "本周", "这周", "下周", "本月"},
			},
			"create": {
				Name:        SkillCreate,
				Description: "新建案件记录",
				Keywords:    []string{"新增", "新建", "创建", "录入", "添加案件", "重试关联"},
			},
			"update": {
				Name:        SkillUpdate,
				Description: "修改案件记录字段",
				Keywords:    []string{"修改", "更新", "改成", "变更"},
			},
			"delete": {
				Name:        SkillDelete,
				Description: "删除案件记录（需二次确认）",
				Keywords:    []string{"删除", "删掉", "移除"},
			},
			"summary": {
				Name:        SkillSummary,
				Description: "总结、汇总、概括查询结果",
				Keywords:    []string{"总结", "汇总", "概括", "整理"},
			},
			"reminder": {
				Name:         SkillReminder,
				Description:  "提醒与待办管理",
				Keywords:     []string{"提醒", "记得", "别忘了", "待办"},
				TimeKeywords: []string{"今天", "明天", "后天", "点", "分"},
				DefaultTime:  "18:00",
			},
			"chitchat": {
				Name:        SkillChitchat,
				Description: "闲聊、问候、自由对话",
				Keywords:    []string{"你好", "早上好", "下午好", "晚上好", "谢谢", "帮助", "你能做什么"},
			},
		},
		Chain: ChainConfig{
			Triggers: []ChainTrigger{
				{Pattern: `(查|找).*(总结|汇总)`, Skills: []string{"query", "summary"}},
				{Pattern: `(总结|汇总).*(今天|明天|本周|案)`, Skills: []string{"query", "summary"}},
			},
			MaxHops: 2,
		},
		Tables: TablesConfig{AutoPickConfidence: 0.65},
		Delete: DeleteConfig{
			ConfirmPhrases: []string{"确认", "确认删除", "是", "是的"},
			CancelPhrases:  []string{"取消", "否", "算了", "不了", "不用了"},
		},
		L0: L0Config{
			CancelPhrases:    []string{"取消", "否", "算了", "不了", "不用了"},
			NextPageTriggers: []string{"下一页", "继续", "更多"},
		},
		Summary: SummaryConfig{
			DefaultFields:  []string{"案号", "案由", "当事人", "开庭日", "主办律师"},
			ExtendedFields: []string{"审理法院", "案件状态", "程序阶段"},
			ExtendTriggers: []string{"详细", "完整", "全部", "所有"},
		},
	}
}

// ParseSkillsConfig decodes a skills document over the defaults.
func ParseSkillsConfig(raw []byte) (SkillsConfig, error) {
	cfg := DefaultSkillsConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return SkillsConfig{}, fmt.Errorf("parse skills yaml: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return SkillsConfig{}, err
	}
	return cfg, nil
}

func (c *SkillsConfig) compile() error {
	if c.Intent.Thresholds.DirectExecute <= 0 {
		c.Intent.Thresholds.DirectExecute = 0.7
	}
	if c.Intent.Thresholds.LLMConfirm <= 0 {
		c.Intent.Thresholds.LLMConfirm = 0.4
	}
	if c.Routing.MaxHops <= 0 {
		c.Routing.MaxHops = 2
	}
	if c.Chain.MaxHops <= 0 {
		c.Chain.MaxHops = c.Routing.MaxHops
	}
	if c.Tables.AutoPickConfidence <= 0 {
		c.Tables.AutoPickConfidence = 0.65
	}
	for i := range c.Chain.Triggers {
		t := &c.Chain.Triggers[i]
		re, err := regexp.Compile(t.Pattern)
		if err != nil {
			return fmt.Errorf("chain trigger %q: %w", t.Pattern, err)
		}
		t.re = re
	}
	for i := range c.LinkedWrites {
		lw := &c.LinkedWrites[i]
		if lw.ToTable == "" {
			return fmt.Errorf("linked write %q: to_table is required", lw.Name)
		}
		if lw.LinkField == "" {
			lw.LinkField = caseNumberField
		}
	}
	return nil
}

// SkillName resolves a config key like "query" to its registered skill name.
func (c SkillsConfig) SkillName(key string) string {
	if sc, ok := c.Skills[key]; ok && sc.Name != "" {
		return sc.Name
	}
	return key
}

// ConfigStore holds the active skills config and swaps it atomically on
// reload.
type ConfigStore struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg SkillsConfig
}

// NewConfigStore loads the skills file at path. A missing file falls back to
// the built-in defaults.
func NewConfigStore(path string, logger *slog.Logger) (*ConfigStore, error) {
	s := &ConfigStore{path: path, logger: logger.With("component", "agent.config")}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.logger.Warn("skills config missing, using defaults", "path", path)
		cfg := DefaultSkillsConfig()
		if err := cfg.compile(); err != nil {
			return nil, err
		}
		s.cfg = cfg
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills config: %w", err)
	}
	cfg, err := ParseSkillsConfig(raw)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

// NewConfigStoreFromConfig wraps an in-memory config, mainly for tests.
func NewConfigStoreFromConfig(cfg SkillsConfig, logger *slog.Logger) (*ConfigStore, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	return &ConfigStore{cfg: cfg, logger: logger.With("component", "agent.config")}, nil
}

// Config returns the active configuration snapshot.
func (s *ConfigStore) Config() SkillsConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload re-reads the skills file. Failures keep the previous config.
func (s *ConfigStore) Reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read skills config: %w", err)
	}
	cfg, err := ParseSkillsConfig(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.logger.Info("skills config loaded", "path", s.path)
	return nil
}

// Watch hot-reloads the skills file on change until ctx is cancelled.
func (s *ConfigStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("config store has no backing file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start skills watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch skills dir: %w", err)
	}

	target := filepath.Clean(s.path)
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
			if err := s.Reload(); err != nil {
				s.logger.Error("skills reload failed, keeping previous config", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("skills watcher error", "error", err)
		}
	}
}
