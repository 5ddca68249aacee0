package agent

import (
	"context"
	"log/slog"
)

// Router dispatches parsed intents to registered skills, running chains hop
// by hop.
type Router struct {
	config *ConfigStore
	skills map[string]Skill
	logger *slog.Logger
}

// NewRouter builds an empty router.
func NewRouter(config *ConfigStore, logger *slog.Logger) *Router {
	return &Router{
		config: config,
		skills: make(map[string]Skill),
		logger: logger.With("component", "agent.router"),
	}
}

// Register adds a skill under its name.
func (r *Router) Register(s Skill) {
	r.skills[s.Name()] = s
}

// Skill returns a registered skill by name.
func (r *Router) Skill(name string) (Skill, bool) {
	s, ok := r.skills[name]
	return s, ok
}

// Dispatch executes the intent. Chains run each hop with the previous hop's
// data attached; a failing hop stops the chain.
func (r *Router) Dispatch(ctx context.Context, it Intent, sc SkillContext) SkillResult {
	cfg := r.config.Config()

	if it.IsChain && len(it.Chain) > 0 {
		return r.runChain(ctx, it.Chain, sc, cfg)
	}

	name := it.Top().SkillName
	skill, ok := r.skills[name]
	if !ok {
		fallback := cfg.SkillName(cfg.Routing.FallbackSkill)
		r.logger.Warn("skill not registered, using fallback", "skill", name, "fallback", fallback)
		skill, ok = r.skills[fallback]
		if !ok {
			return SkillResult{SkillName: name, ReplyText: "这个我还不会处理。"}
		}
	}

	result := skill.Execute(ctx, sc)
	// A skill may hand off explicitly; honor it within the hop budget.
	for result.OK && result.NextSkill != "" && sc.HopCount < cfg.Routing.MaxHops {
		next, ok := r.skills[result.NextSkill]
		if !ok {
			break
		}
		sc = sc.WithResult(result.SkillName, result.Data)
		result = next.Execute(ctx, sc)
	}
	return result
}

func (r *Router) runChain(ctx context.Context, chain []string, sc SkillContext, cfg SkillsConfig) SkillResult {
	maxHops := cfg.Chain.MaxHops
	if len(chain) < maxHops {
		maxHops = len(chain)
	}

	var result SkillResult
	for i := 0; i < maxHops; i++ {
		skill, ok := r.skills[chain[i]]
		if !ok {
			r.logger.Warn("chain hop not registered", "skill", chain[i])
			break
		}
		result = skill.Execute(ctx, sc)
		if !result.OK {
			return result
		}
		sc = sc.WithResult(result.SkillName, result.Data)
	}
	return result
}
