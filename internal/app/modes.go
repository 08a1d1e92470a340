package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/leadforge/dealbot/internal/assign"
	"github.com/leadforge/dealbot/internal/domain"
	"github.com/leadforge/dealbot/internal/feed"
	"github.com/leadforge/dealbot/internal/insight"
	"github.com/leadforge/dealbot/internal/lifecycle"
	"github.com/leadforge/dealbot/internal/matcher"
	"github.com/leadforge/dealbot/internal/negotiation"
	"github.com/leadforge/dealbot/internal/platform/telegram"
	"github.com/leadforge/dealbot/internal/server"
	"github.com/leadforge/dealbot/internal/server/handler"
	"github.com/leadforge/dealbot/internal/server/middleware"
	"github.com/leadforge/dealbot/internal/server/ws"
)

// pipeline bundles the domain services built on top of the wired
// dependencies. Every mode runs some subset of it.
type pipeline struct {
	machine   *lifecycle.Machine
	matcher   *matcher.Matcher
	engine    *negotiation.Engine
	assigner  *assign.Service
	transport domain.Transport
	intake    *feed.Intake
}

// buildPipeline constructs the matching, negotiation, and assignment
// services and binds the intake to the transport.
func (a *App) buildPipeline(deps *Dependencies) *pipeline {
	emitter := lifecycle.NewEmitter(deps.Audit, deps.Notifier, deps.Bus, a.logger)
	machine := lifecycle.NewMachine(deps.Deals, emitter, a.logger)

	m := matcher.New(deps.Orders, deps.Deals, emitter, matcher.Config{
		MinMargin: decimal.NewFromFloat(a.cfg.Engine.MinMargin),
	}, a.logger)

	var adapter domain.ConversationAdapter
	if a.cfg.Engine.Adapter == "openai" {
		adapter = insight.NewOpenAIAdapter(
			a.cfg.OpenAI.BaseURL,
			a.cfg.OpenAI.APIKey,
			a.cfg.OpenAI.Model,
			a.logger,
		)
	} else {
		adapter = insight.NewKeywordAdapter()
	}

	transport := a.buildTransport()

	engine := negotiation.NewEngine(
		deps.Deals, deps.Sessions, machine, transport, adapter, deps.Locks,
		negotiation.Config{
			InactivityTimeout: a.cfg.Engine.InactivityTimeout.Duration,
			AdapterRetries:    a.cfg.Engine.AdapterMaxRetries,
			TransportRetries:  a.cfg.Engine.TransportMaxRetries,
			RetryBackoff:      a.cfg.Engine.AdapterRetryBackoff.Duration,
			LockTTL:           a.cfg.Engine.SessionLockTTL.Duration,
			SweepInterval:     a.cfg.Engine.ColdSweepInterval.Duration,
		},
		a.logger,
	)

	assigner := assign.New(deps.Deals, deps.Managers, machine, engine, assign.Config{
		Mode:               assign.Mode(a.cfg.Assign.Mode),
		MaxDealsPerManager: a.cfg.Assign.MaxDealsPerManager,
		SweepInterval:      a.cfg.Assign.RetryInterval.Duration,
	}, a.logger)

	intake := feed.NewIntake(engine, m, deps.Orders, a.logger)

	return &pipeline{
		machine:   machine,
		matcher:   m,
		engine:    engine,
		assigner:  assigner,
		transport: transport,
		intake:    intake,
	}
}

// buildTransport returns the Telegram client, or a log-only stand-in when no
// bot token is configured (memory/dev setups driven purely over HTTP).
func (a *App) buildTransport() domain.Transport {
	if a.cfg.Telegram.BotToken == "" {
		a.logger.Warn("telegram.bot_token is empty; outbound messages will only be logged")
		return newLogTransport(a.logger)
	}
	return telegram.New(telegram.Config{
		Token:        a.cfg.Telegram.BotToken,
		BaseURL:      a.cfg.Telegram.BaseURL,
		SendInterval: a.cfg.Telegram.SendInterval.Duration,
		PollTimeout:  time.Duration(a.cfg.Telegram.PollTimeoutSec) * time.Second,
	}, a.logger)
}

// runPipeline starts the long-running pipeline goroutines on the group.
func (a *App) runPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline) {
	p.intake.Bind(ctx, p.transport)

	if tg, ok := p.transport.(*telegram.Client); ok {
		g.Go(func() error {
			return tg.Run(ctx)
		})
	}

	g.Go(func() error {
		return p.engine.Run(ctx)
	})

	g.Go(func() error {
		return p.matcher.Run(ctx, a.cfg.Engine.MatcherInterval.Duration)
	})

	if a.cfg.Assign.Mode == "auto" {
		g.Go(func() error {
			return p.assigner.Run(ctx)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, deps.Bus)
		})
	}
}

// startHTTPServer builds the handler set, the WebSocket hub, and the server
// itself, and starts both on the group.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline) {
	checks := map[string]handler.Pinger{}
	if deps.PG != nil {
		checks["postgres"] = deps.PG.Ping
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(checks, a.logger),
		Deals:    handler.NewDealHandler(deps.Deals, deps.Sessions, p.assigner, p.engine, p.machine, a.logger),
		Orders:   handler.NewOrderHandler(deps.Orders, p.matcher, a.logger),
		Managers: handler.NewManagerHandler(deps.Managers, a.logger),
		Audit:    handler.NewAuditHandler(deps.Audit, a.logger),
	}

	hub := ws.NewHub(deps.Bus, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var limiter middleware.Limiter
	if deps.RateLimiter != nil {
		limiter = deps.RateLimiter
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimitPerMin,
		RateWindow:  time.Minute,
	}, handlers, hub, limiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// FullMode runs the whole system: transport, negotiation engine, matcher,
// assignment, archiver, and the HTTP API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	p := a.buildPipeline(deps)
	a.runPipeline(ctx, g, deps, p)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, p)
	}
	return g.Wait()
}

// EngineMode runs the pipeline without the HTTP API. Useful when the API is
// served by a separate instance against the same stores.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	g, ctx := errgroup.WithContext(ctx)
	p := a.buildPipeline(deps)
	a.runPipeline(ctx, g, deps, p)
	return g.Wait()
}

// MemoryMode runs everything against in-process stores. The HTTP API is
// always started so the pipeline can be driven without Telegram.
func (a *App) MemoryMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting memory mode")

	g, ctx := errgroup.WithContext(ctx)
	p := a.buildPipeline(deps)
	a.runPipeline(ctx, g, deps, p)
	a.startHTTPServer(ctx, g, deps, p)
	return g.Wait()
}

// logTransport is the outbound-only stand-in used when no Telegram token is
// configured. Sends are logged and reported as delivered; nothing is ever
// received.
type logTransport struct {
	logger *slog.Logger
}

func newLogTransport(logger *slog.Logger) *logTransport {
	return &logTransport{logger: logger.With(slog.String("component", "log_transport"))}
}

var _ domain.Transport = (*logTransport)(nil)

func (t *logTransport) Send(ctx context.Context, chatID, senderID int64, text string) error {
	t.logger.InfoContext(ctx, "outbound message",
		slog.Int64("chat_id", chatID),
		slog.Int64("sender_id", senderID),
		slog.String("text", text),
	)
	return nil
}

func (t *logTransport) SetIncomingHandler(fn func(chatID, senderID int64, text string)) {}
