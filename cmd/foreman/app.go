package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nugget/foreman/internal/chat"
	"github.com/nugget/foreman/internal/config"
	"github.com/nugget/foreman/internal/connwatch"
	"github.com/nugget/foreman/internal/events"
	"github.com/nugget/foreman/internal/llm"
	"github.com/nugget/foreman/internal/mail"
	"github.com/nugget/foreman/internal/opstate"
	"github.com/nugget/foreman/internal/router"
	"github.com/nugget/foreman/internal/store"
	"github.com/nugget/foreman/internal/tools"
	"github.com/nugget/foreman/internal/usage"
)

const (
	// eventHistory is how many recent events new WebSocket clients see.
	eventHistory      = 100
	modelPollInterval = 15 * time.Minute
)

// app holds the components shared by serve, mcp and ask.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	repo     *store.Store
	registry *tools.Registry
	router   *router.Router
	chat     *chat.Service
	usage    *usage.Store
	llm      llm.Client
	bus      *events.Bus
}

// newApp opens the database and wires the chat core. The caller must
// Close the result.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.Database.Driver != "memory" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: db, bus: events.New(eventHistory)}

	a.repo, err = store.New(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init repository: %w", err)
	}
	logger.Info("repository opened", "driver", cfg.Database.Driver, "path", cfg.Database.Path)

	// An untyped nil keeps the registry's "no delivery" path; a typed
	// nil *mail.Inviter would not compare equal to nil.
	var inviter tools.Inviter
	if cfg.SMTP.Configured() {
		inviter = mail.NewInviter(cfg.Invitations.From, cfg.Invitations.BaseURL, mail.SMTP{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			ImplicitTLS: cfg.SMTP.TLS,
		}, logger)
		logger.Info("invitation email enabled", "smtp_host", cfg.SMTP.Host)
	} else {
		logger.Info("invitation email disabled (smtp not configured)")
	}

	a.registry, err = tools.NewRegistry(a.repo, inviter, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init tools: %w", err)
	}

	var workflows chat.Store
	switch cfg.Chat.WorkflowStore {
	case "sqlite":
		state, err := opstate.New(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init workflow store: %w", err)
		}
		workflows = chat.NewDurableStore(state)
	default:
		workflows = chat.NewMemoryStore()
	}

	a.usage, err = usage.New(db, cfg.Models.Pricing)
	if err != nil {
		db.Close()
		return nil, err
	}

	client, err := newLLMClient(cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.llm = client

	a.router = router.NewRouter(logger, router.Config{Guided: chat.GuidedEntities()})
	orch := chat.NewOrchestrator(client, a.registry, chat.OrchestratorConfig{
		Model:        cfg.Models.Default,
		ModelTimeout: cfg.Chat.ModelTimeout,
		ToolTimeout:  cfg.Chat.ToolTimeout,
	}, logger, a.bus)
	a.chat = chat.NewService(a.router, workflows, orch, a.registry, chat.Config{
		SystemPrompt: cfg.Chat.SystemPrompt,
		ToolTimeout:  cfg.Chat.ToolTimeout,
		Usage:        a.usage,
	}, logger, a.bus)

	logger.Info("chat core initialized",
		"model", cfg.Models.Default,
		"tools", len(a.registry.List()),
		"workflow_store", cfg.Chat.WorkflowStore,
	)
	return a, nil
}

// watchHealth starts reachability probes for the database and, when
// credentials exist, the model provider. The provider probe spends a
// token, so it polls slowly.
func (a *app) watchHealth(ctx context.Context) *connwatch.Manager {
	m := connwatch.NewManager(a.logger, a.bus)
	m.Watch(ctx, connwatch.WatcherConfig{
		Name:  "database",
		Probe: a.db.PingContext,
	})
	if a.cfg.ModelConfigured() {
		m.Watch(ctx, connwatch.WatcherConfig{
			Name:    "model",
			Probe:   a.llm.Ping,
			Backoff: connwatch.BackoffConfig{PollInterval: modelPollInterval},
		})
	}
	return m
}

// Close releases the database handle.
func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

// newLLMClient builds the model client. Anthropic is the default
// provider; Azure OpenAI serves models prefixed "azure:" and everything
// when no Anthropic key is set. With neither configured every call
// fails with [llm.ErrNotConfigured].
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	var fallback llm.Client = llm.Unconfigured{}
	var anthropic, azure llm.Client

	if cfg.Anthropic.APIKey != "" {
		anthropic = llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger,
			llm.WithBaseURL(cfg.Anthropic.BaseURL),
			llm.WithMaxTokens(cfg.Models.MaxTokens),
		)
		fallback = anthropic
		logger.Info("anthropic provider configured")
	}
	if cfg.AzureOpenAI.Configured() {
		c, err := llm.NewAzureClient(cfg.AzureOpenAI.Endpoint, cfg.AzureOpenAI.APIKey,
			cfg.AzureOpenAI.Deployment, cfg.Models.MaxTokens, logger)
		if err != nil {
			return nil, err
		}
		azure = c
		if anthropic == nil {
			fallback = azure
		}
		logger.Info("azure openai provider configured", "deployment", cfg.AzureOpenAI.Deployment)
	}

	if anthropic == nil && azure == nil {
		logger.Warn("no model provider configured; free-form chat is unavailable")
		return fallback, nil
	}

	multi := llm.NewMultiClient(fallback)
	if anthropic != nil {
		multi.AddProvider("anthropic", anthropic)
	}
	if azure != nil {
		multi.AddProvider("azure", azure)
		if strings.HasPrefix(cfg.Models.Default, "azure:") {
			multi.AddModel(cfg.Models.Default, "azure")
		}
	} else if strings.HasPrefix(cfg.Models.Default, "azure:") {
		return nil, errors.New("models.default selects azure but azure_openai is not configured")
	}
	return multi, nil
}
