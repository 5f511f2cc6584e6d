package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quillbooks/quill/internal/budget"
	"github.com/quillbooks/quill/internal/calibrate"
	"github.com/quillbooks/quill/internal/chart"
	"github.com/quillbooks/quill/internal/decision"
	"github.com/quillbooks/quill/internal/engine"
	"github.com/quillbooks/quill/internal/events"
	kafkaevents "github.com/quillbooks/quill/internal/events/kafka"
	"github.com/quillbooks/quill/internal/export"
	"github.com/quillbooks/quill/internal/fallback"
	"github.com/quillbooks/quill/internal/gate"
	"github.com/quillbooks/quill/internal/model"
	"github.com/quillbooks/quill/internal/recall"
	"github.com/quillbooks/quill/internal/rules"
	"github.com/quillbooks/quill/internal/store"
	"github.com/quillbooks/quill/pkg/embed"
	"github.com/quillbooks/quill/pkg/ledger"
	"github.com/quillbooks/quill/pkg/reasoner"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "quill.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles the wired engine and its collaborators for commands.
type env struct {
	Store      store.Store
	Engine     *engine.Engine
	Recall     *recall.Store
	Calibrator *calibrate.Calibrator
	Guard      *budget.Guard
	Rules      *rules.Matcher
	publisher  events.Publisher
}

func (e *env) Close() {
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	}
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	matcher, err := rules.Load(cfg.Rules.Path, cfg.Rules.RuleConfidence)
	if err != nil {
		st.Close()
		return nil, err
	}
	chartProvider, err := chart.Load(cfg.Chart.Path)
	if err != nil {
		st.Close()
		return nil, err
	}

	var embedder embed.Embedder
	if cfg.OpenAI.Key != "" {
		embedder = embed.NewOpenAI(cfg.OpenAI.Key, cfg.OpenAI.Model)
	} else {
		zap.L().Warn("no embedding key configured, using deterministic offline embedder")
		embedder = embed.NewHash()
	}
	rec := recall.New(st, embedder, cfg.Decision.SimilarityFloor)

	guard := budget.New(st, func(tenantID string) budget.Caps {
		return budget.Caps{
			TenantCapUSD: cfg.TenantCapUSD(tenantID),
			GlobalCapUSD: cfg.Budget.GlobalCapUSD,
			WindowDays:   cfg.Budget.WindowDays,
		}
	}, cfg.Budget.CallsPerSecond, cfg.Budget.CallBurst)

	reasonerClient := reasoner.NewClient(cfg.Anthropic.Key, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens)
	fb := fallback.New(reasonerClient, guard, time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second, cfg.Anthropic.CostPerCall)

	cal := calibrate.New(st)
	if err := cal.BootstrapDefaults(ctx, cfg.Decision.ModelVersion); err != nil {
		st.Close()
		return nil, err
	}
	if err := cal.Preflight(ctx, cfg.Decision.ModelVersion); err != nil {
		st.Close()
		return nil, err
	}

	blender := decision.New(matcher, rec, fb, cal, chartProvider, cfg.TenantSettings)
	g := gate.New(st, cfg.TenantSettings)
	exporter := export.New(st)

	var ledgerClient ledger.Client
	if cfg.Export.URL != "" {
		ledgerClient = ledger.NewClient(cfg.Export.URL, cfg.Export.Token)
	} else {
		ledgerClient = ledger.NewLocal()
	}
	exportFn := func(ctx context.Context, entry model.JournalEntry) (string, error) {
		return ledgerClient.PostEntry(ctx, entry.TenantID, entry)
	}

	var publisher events.Publisher
	if cfg.Events.Enabled {
		publisher = kafkaevents.NewPublisher(cfg.Events.Brokers, cfg.Events.Topic)
	}

	eng := engine.New(cfg, st, blender, g, exporter, rec, exportFn, publisher)
	return &env{
		Store:      st,
		Engine:     eng,
		Recall:     rec,
		Calibrator: cal,
		Guard:      guard,
		Rules:      matcher,
		publisher:  publisher,
	}, nil
}

// tenantIDs lists the tenants named in configuration.
func tenantIDs() []string {
	out := make([]string, 0, len(cfg.Tenants))
	for id := range cfg.Tenants {
		out = append(out, id)
	}
	return out
}
