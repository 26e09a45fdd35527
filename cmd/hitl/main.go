package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/agent"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/approval"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/audit"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/auth"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/config"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/memory"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/notify"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/orchestrator"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/policy"
	"github.com/chrisk60331/slack-hitl-chat-sub000/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogger(cfg.Logger)

	log.Info().Msg("starting HITL gate")

	ctx, cancel := setupSignalHandler()
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}

	log.Info().Msg("gate stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	evaluator, watcher, err := initPolicy(cfg)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer func() {
			if err := watcher.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close rules watcher")
			}
		}()
	}

	auditStore, err := initAuditStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := auditStore.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit store")
		}
	}()

	approvalStore, err := approval.NewSQLiteStore(cfg.Approval.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := approvalStore.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close approval store")
		}
	}()

	hub := server.NewHub(approvalStore)
	workflow := approval.NewWorkflow(approvalStore, buildNotifier(cfg, hub))

	runner, err := initAgent(cfg)
	if err != nil {
		return err
	}

	sessions, err := memory.NewSessions(cfg.Agent.MaxSessions, cfg.Agent.MaxTurns)
	if err != nil {
		return err
	}

	orch := orchestrator.New(evaluator, workflow, runner, auditStore, sessions, orchestrator.Config{
		Environment:     cfg.Policy.Environment,
		SystemPrompt:    cfg.Agent.SystemPrompt,
		PollInterval:    cfg.Approval.PollInterval,
		ApprovalTimeout: cfg.Approval.Timeout,
	})

	authManager := auth.NewManager(auth.Config{
		Secret:   cfg.Auth.Secret,
		TokenTTL: cfg.Auth.TokenTTL,
		Users:    authUsers(cfg.Auth.Users),
	})

	srv := server.New(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, orch, workflow, auditStore, authManager, hub)

	return runServer(ctx, srv)
}

// initPolicy builds the evaluator: WASM modules when a directory is
// configured, otherwise the rule engine with optional hot reload.
func initPolicy(cfg *config.Config) (policy.Evaluator, *config.RulesWatcher, error) {
	if cfg.Policy.WASMDir != "" {
		log.Info().Str("dir", cfg.Policy.WASMDir).Msg("initializing wasm policy engine")
		engine, err := policy.NewWASMEngine(cfg.Policy.WASMDir)
		if err != nil {
			return nil, nil, err
		}
		return engine, nil, nil
	}

	rules, err := cfg.LoadRules()
	if err != nil {
		return nil, nil, err
	}

	engine, err := policy.NewEngine(rules, cfg.Policy.CacheSize)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Int("rules", len(rules)).Msg("policy engine initialized")

	if cfg.Policy.RulesFile == "" {
		return engine, nil, nil
	}

	watcher, err := config.NewRulesWatcher(cfg.Policy.RulesFile, func(path string) {
		reloaded, err := policy.LoadRulesFile(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("rules reload failed; keeping previous rules")
			return
		}
		engine.SetRules(reloaded)
		log.Info().Int("rules", len(reloaded)).Msg("policy rules reloaded")
	})
	if err != nil {
		return nil, nil, err
	}

	return engine, watcher, nil
}

func initAuditStore(cfg *config.Config) (*audit.Store, error) {
	log.Info().Str("path", cfg.Approval.AuditDBPath).Msg("initializing audit store")
	return audit.NewStore(cfg.Approval.AuditDBPath)
}

func initAgent(cfg *config.Config) (*agent.Loop, error) {
	registry, err := agent.NewRegistry(cfg.MCP.Servers)
	if err != nil {
		return nil, err
	}
	log.Info().Int("servers", len(cfg.MCP.Servers)).Msg("mcp registry initialized")

	model := agent.NewGatewayClient(cfg.Gateway)

	return agent.NewLoop(model, registry), nil
}

func authUsers(entries []config.UserEntry) []auth.Credential {
	creds := make([]auth.Credential, 0, len(entries))
	for _, entry := range entries {
		creds = append(creds, auth.Credential{
			Username: entry.Username,
			Password: entry.Password,
			Roles:    entry.Roles,
		})
	}
	return creds
}

func buildNotifier(cfg *config.Config, hub *server.Hub) approval.Notifier {
	notifiers := notify.Fanout{hub, notify.LogNotifier{}}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
		log.Info().Msg("webhook notifications enabled")
	}
	return notifiers
}

func setupLogger(cfg config.LoggerConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
