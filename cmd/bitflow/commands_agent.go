package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/bitflow/internal/agent"
	"github.com/haasonsaas/bitflow/internal/agent/mcpclient"
	channel "github.com/haasonsaas/bitflow/internal/channels/feishu"
	"github.com/haasonsaas/bitflow/internal/config"
	"github.com/haasonsaas/bitflow/internal/feishu"
	"github.com/haasonsaas/bitflow/internal/llm"
	"github.com/haasonsaas/bitflow/internal/observability"
	"github.com/haasonsaas/bitflow/internal/reminder"
)

// buildAgentCmd creates the "agent" command that runs the conversation
// orchestrator behind the Feishu webhook.
func buildAgentCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Start the conversation orchestrator",
		Long: `Start the Feishu webhook that routes user messages through the
rule layer, intent parsing and skills, calling the tool server for data
operations.

The reminder scheduler runs in this process when REMINDER_SCHEDULER_ENABLED
is set and a Postgres DSN is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// chatAdapter bridges the skill-facing chat surface to the LLM client.
type chatAdapter struct {
	client *llm.Client
}

func (a chatAdapter) Chat(ctx context.Context, messages []agent.ChatMessage) (string, error) {
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return a.client.Chat(ctx, out)
}

func runAgent(ctx context.Context, debug bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llmClient := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		TaskBaseURL: cfg.LLM.TaskBaseURL,
		TaskAPIKey:  cfg.LLM.TaskAPIKey,
		TaskModel:   cfg.LLM.TaskModel,
		Timeout:     cfg.LLM.Timeout,
	}, logger)

	toolClient := mcpclient.New(cfg.Agent.MCPServerBase, logger)

	skillsCfg, err := buildSkillsConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ttls := agent.DefaultStateTTLs()
	if cfg.Agent.SessionTTL > 0 {
		ttls.Session = cfg.Agent.SessionTTL
	}
	if cfg.Agent.PendingTTL > 0 {
		ttls.Pending = cfg.Agent.PendingTTL
	}
	state := agent.NewStateManager(agent.NewMemoryStateStore(), ttls)
	renderer := agent.NewRenderer()

	var feishuOpts []feishu.Option
	if cfg.Feishu.Domain != "" {
		feishuOpts = append(feishuOpts, feishu.WithDomain(cfg.Feishu.Domain))
	}
	feishuClient := feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret, feishuOpts...)

	deps := agent.SkillDeps{
		Tools:    toolClient,
		State:    state,
		Config:   skillsCfg,
		Chat:     chatAdapter{client: llmClient},
		Renderer: renderer,
		Logger:   logger,
	}

	var gateway agent.ReminderGateway
	if cfg.Reminder.PostgresDSN != "" {
		rstore, err := reminder.Open(ctx, cfg.Reminder.PostgresDSN, logger)
		if err != nil {
			return fmt.Errorf("open reminder store: %w", err)
		}
		defer rstore.Close()
		gateway = reminder.NewGateway(rstore, logger)

		if cfg.Reminder.SchedulerEnabled {
			var schedOpts []reminder.SchedulerOption
			if cfg.Reminder.ScanInterval > 0 {
				schedOpts = append(schedOpts, reminder.WithInterval(cfg.Reminder.ScanInterval))
			}
			sched := reminder.NewScheduler(rstore, feishuClient, logger, schedOpts...)
			go func() {
				if err := sched.Run(ctx); err != nil {
					logger.Error("reminder scheduler stopped", "error", err)
				}
			}()
		}
	}

	router := agent.NewRouter(skillsCfg, logger)
	router.Register(agent.NewQuerySkill(deps))
	router.Register(agent.NewCreateSkill(deps))
	router.Register(agent.NewUpdateSkill(deps))
	router.Register(agent.NewDeleteSkill(deps))
	router.Register(agent.NewSummarySkill(deps))
	router.Register(agent.NewReminderSkill(deps, gateway))
	router.Register(agent.NewChitchatSkill(deps))

	l0 := agent.NewL0Engine(skillsCfg, state, logger)
	intents := agent.NewIntentParser(skillsCfg, llmClient, logger)

	orch, err := agent.NewOrchestrator(l0, intents, router, state, renderer, logger)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	webhook := channel.NewWebhook(channel.Config{
		VerificationToken: cfg.Feishu.VerificationToken,
		EncryptKey:        cfg.Feishu.EncryptKey,
	}, orch, feishuClient, logger)

	mux := http.NewServeMux()
	webhook.Routes(mux)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, state.ActiveCount())
	})
	webhook.Start(ctx, 4)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	return serveHTTP(ctx, addr, mux, logger)
}

// buildSkillsConfig loads the skills file when configured and keeps it hot
// reloaded, falling back to built-in defaults.
func buildSkillsConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent.ConfigStore, error) {
	if cfg.Agent.SkillsConfigFile == "" {
		return agent.NewConfigStoreFromConfig(agent.DefaultSkillsConfig(), logger)
	}
	store, err := agent.NewConfigStore(cfg.Agent.SkillsConfigFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load skills config: %w", err)
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Error("skills config watcher stopped", "error", err)
		}
	}()
	return store, nil
}
