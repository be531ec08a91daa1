package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/SnowindMe/MaiBot/internal/banfilter"
	"github.com/SnowindMe/MaiBot/internal/buffer"
	"github.com/SnowindMe/MaiBot/internal/chat"
	"github.com/SnowindMe/MaiBot/internal/config"
	"github.com/SnowindMe/MaiBot/internal/emoji"
	"github.com/SnowindMe/MaiBot/internal/events"
	"github.com/SnowindMe/MaiBot/internal/interest"
	"github.com/SnowindMe/MaiBot/internal/llm"
	"github.com/SnowindMe/MaiBot/internal/metrics"
	"github.com/SnowindMe/MaiBot/internal/mood"
	"github.com/SnowindMe/MaiBot/internal/outbound"
	"github.com/SnowindMe/MaiBot/internal/relationship"
	"github.com/SnowindMe/MaiBot/internal/storage"
	"github.com/SnowindMe/MaiBot/internal/turn"
	"github.com/SnowindMe/MaiBot/internal/willing"
)

// app holds the long-lived components shared by serve and replay.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	bus      *events.Bus
	ollama   *llm.OllamaClient

	streams   *chat.Manager
	willing   *willing.Store
	mood      *mood.Manager
	outbound  *outbound.Manager
	processor *turn.Processor
}

// newApp opens the database, restores persisted state and builds the
// turn processor. transport may be nil, in which case deliveries are
// only logged.
func newApp(ctx context.Context, cfg *config.Config, bus *events.Bus, transport outbound.Transport, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "maibot.db")
	store, err := storage.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	logger.Info("database opened", "path", dbPath)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		registry: prometheus.NewRegistry(),
		bus:      bus,
	}
	if err := a.build(ctx, transport); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, transport outbound.Transport) error {
	cfg, logger := a.cfg, a.logger

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	// --- Persisted state ---
	a.streams = chat.NewManager(a.store, logger)
	if err := a.streams.Load(ctx); err != nil {
		return err
	}
	relations := relationship.NewManager(a.store, logger)
	if err := relations.Load(ctx); err != nil {
		return err
	}
	a.willing = willing.NewStore(willing.StoreConfig{
		DecayFactor:   cfg.Willing.DecayFactor,
		DecayInterval: time.Duration(cfg.Willing.DecayIntervalSec) * time.Second,
		Persister:     a.store,
		Logger:        logger,
	})
	if err := a.willing.Load(ctx); err != nil {
		return err
	}
	a.metrics.StreamsKnown(a.streams.Count())

	// --- Gates ---
	filter, err := banfilter.New(cfg.Chat.BanWords, cfg.Chat.BanMsgsRegex, logger)
	if err != nil {
		return err
	}
	gate := willing.NewGate(willing.Config{
		InterestAmplifier:   cfg.Willing.InterestAmplifier,
		WillingAmplifier:    cfg.Willing.WillingAmplifier,
		TalkAllowedGroups:   cfg.Willing.TalkAllowedGroups,
		FrequencyDownGroups: cfg.Willing.TalkFrequencyDownGroups,
		DownFrequencyRate:   cfg.Willing.DownFrequencyRate,
	}, a.willing, logger)

	topics := make([]interest.Topic, 0, len(cfg.Interest.Topics))
	for _, t := range cfg.Interest.Topics {
		topics = append(topics, interest.Topic{Keyword: t.Keyword, Weight: t.Weight})
	}

	a.mood = mood.NewManager(mood.Config{
		DecayRate:     cfg.Mood.DecayRate,
		DecayInterval: time.Duration(cfg.Mood.DecayIntervalSec) * time.Second,
		Logger:        logger,
	})

	// --- Outbound ---
	a.outbound = outbound.NewManager(outbound.ManagerConfig{
		Transport:       transport,
		ThinkingTimeout: cfg.Chat.ThinkingTimeout(),
		TickInterval:    cfg.Chat.FlushInterval(),
		Bus:             a.bus,
		Metrics:         a.metrics,
		Logger:          logger,
	})

	// --- Language model ---
	a.ollama = llm.NewOllamaClient(cfg.Models.OllamaURL)
	generator := llm.NewGenerator(a.ollama, llm.GeneratorConfig{
		Model:        cfg.Models.Chat,
		AffectModel:  cfg.Models.Affect,
		Temperature:  cfg.Models.Temperature,
		BotName:      cfg.Bot.Nickname,
		Persona:      cfg.Models.Persona,
		MaxSegments:  cfg.Models.MaxSegments,
		HistoryLimit: cfg.Models.HistoryLimit,
	}, a.store, logger)

	deps := turn.Deps{
		Streams:   a.streams,
		Filter:    filter,
		Messages:  a.store,
		Replies:   a.store,
		Interest:  interest.NewKeywordScorer(topics),
		Buffer:    buffer.New(cfg.Chat.BufferWindow(), logger),
		Mentions:  chat.MentionDetector{BotID: cfg.Bot.UserID, Names: cfg.Bot.Names()},
		Gate:      gate,
		Outbound:  a.outbound,
		Generator: generator,
		Relations: relations,
		Mood:      a.mood,
		Bus:       a.bus,
		Metrics:   a.metrics,
		Logger:    logger,
	}

	// A broken sticker directory disables reactions rather than startup.
	if cfg.Emoji.Dir != "" && cfg.Emoji.Chance > 0 {
		lib, err := emoji.Load(cfg.Emoji.Dir, 0, logger)
		if err != nil {
			logger.Warn("emoji library unavailable, reactions disabled", "dir", cfg.Emoji.Dir, "error", err)
		} else {
			deps.Reactions = lib
		}
	}

	a.processor, err = turn.New(turn.Config{
		Bot:           chat.UserInfo{UserID: cfg.Bot.UserID, Nickname: cfg.Bot.Nickname},
		EmojiChance:   cfg.Emoji.Chance,
		MoodIntensity: cfg.Mood.Intensity,
	}, deps)
	return err
}

// runLoops starts the decay loops on g, plus the outbound delivery loop
// when deliver is set.
func (a *app) runLoops(ctx context.Context, g *errgroup.Group, deliver bool) {
	g.Go(func() error { a.willing.Run(ctx); return nil })
	g.Go(func() error { a.mood.Run(ctx); return nil })
	if deliver {
		g.Go(func() error { a.outbound.Run(ctx); return nil })
	}
}

// handle runs one turn for a raw payload, logging instead of returning
// errors. It is the inbound handler of the MQTT bridge.
func (a *app) handle(ctx context.Context, payload []byte) {
	res, err := a.Process(ctx, payload)
	if err != nil {
		a.logger.Error("turn failed", "error", err)
		return
	}
	a.logger.Debug("turn finished", "turn_id", res.TurnID, "outcome", res.Outcome)
}

// Process runs one turn and refreshes the known-streams gauge. It satisfies
// the API server's turn runner.
func (a *app) Process(ctx context.Context, raw []byte) (*turn.Result, error) {
	res, err := a.processor.Process(ctx, raw)
	a.metrics.StreamsKnown(a.streams.Count())
	return res, err
}

func (a *app) Close() error {
	return a.store.Close()
}
