// Package app wires the careline server runtime: config, logging, stores,
// the messaging components, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"careline/cmd/internal/alert"
	"careline/cmd/internal/api"
	"careline/cmd/internal/attachment"
	"careline/cmd/internal/audit"
	"careline/cmd/internal/auth"
	"careline/cmd/internal/conversation"
	"careline/cmd/internal/escalation"
	"careline/cmd/internal/gateway"
	"careline/cmd/internal/message"
	"careline/cmd/internal/metrics"
	"careline/cmd/internal/notify"
	"careline/cmd/internal/realtime"
	"careline/cmd/internal/smartreply"
	"careline/cmd/internal/status"
	"careline/cmd/internal/translation"
	"careline/cmd/security/sealbox"
)

// App is the careline server runtime.
type App struct {
	cfg Config
	log Logger

	stores  *stores
	metrics *metrics.Metrics
	hub     *realtime.Hub
	rules   *escalation.Source

	recorder     *audit.Recorder
	engine       *escalation.Engine
	smartReplies *smartreply.Service

	api *api.Handler
	ws  *gateway.Gateway
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, err := newStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, stores: st, metrics: metrics.New()}
	if err := a.wire(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, log, st := a.cfg, a.log, a.stores

	alerter := alert.Multi{
		alert.LogAlerter{Log: log, Metrics: a.metrics},
		&alert.SlackAlerter{WebhookURL: cfg.AlertSlackWebhook, Log: log},
	}

	a.recorder = audit.NewRecorder(st.audit, log, audit.WithAlerter(alerter), audit.WithMetrics(a.metrics))

	a.hub = realtime.NewHub(log,
		realtime.WithReplayBuffer(cfg.ReplayBuffer),
		realtime.WithQueueSize(cfg.SubscriberQueue),
		realtime.WithIdleTTL(cfg.TopicIdleTTL),
		realtime.WithMetrics(a.metrics),
	)

	rules, err := escalation.NewSource(cfg.RulesFile, log)
	if err != nil {
		return fmt.Errorf("escalation rules: %w", err)
	}
	a.rules = rules

	convs, err := conversation.NewService(st.conversations, a.recorder,
		conversation.WithEmergencyRules(rules),
		conversation.WithLogger(log),
	)
	if err != nil {
		return err
	}

	tracker, err := status.NewTracker(st.statuses, convs, a.recorder,
		status.WithPublisher(a.hub),
		status.WithLogger(log),
	)
	if err != nil {
		return err
	}

	dispatcher, err := newDispatcher(ctx, log)
	if err != nil {
		return err
	}
	a.engine, err = escalation.NewEngine(st.escalations, rules, dispatcher, convs, a.recorder,
		escalation.WithConfig(cfg.Escalation),
		escalation.WithPublisher(a.hub),
		escalation.WithAlerter(alerter),
		escalation.WithMetrics(a.metrics),
		escalation.WithLogger(log),
	)
	if err != nil {
		return err
	}

	// Smart replies read recent history through the pipeline, which in turn notifies them.
	recent := &recentMessages{}
	a.smartReplies, err = smartreply.NewService(st.smartReplies, recent, convs, a.recorder,
		smartreply.WithTTL(cfg.SmartReplyTTL),
		smartreply.WithContextSize(cfg.SmartReplyContext),
		smartreply.WithLogger(log),
	)
	if err != nil {
		return err
	}

	pipeOpts := []message.Option{
		message.WithPublisher(a.hub),
		message.WithStatusRecorder(tracker),
		message.WithEscalator(a.engine),
		message.WithListener(a.smartReplies),
		message.WithMetrics(a.metrics),
		message.WithLogger(log),
		message.WithUrgentKeywords(cfg.UrgentKeywords),
		message.WithBudget(message.Budget{Messages: cfg.BudgetMessages, Window: cfg.BudgetWindow, Burst: cfg.BudgetBurst}),
	}
	if verifier, err := newAttachmentVerifier(ctx, cfg); err != nil {
		return err
	} else if verifier != nil {
		pipeOpts = append(pipeOpts, message.WithAttachmentVerifier(verifier))
	} else {
		log.Warn("attachment.verifier.disabled", "hint", "set CARELINE_ATTACHMENT_BUCKET to accept attachments")
	}
	sealer, err := sealbox.FromEnv()
	switch {
	case err == nil:
		pipeOpts = append(pipeOpts, message.WithSealer(sealer))
	case errors.Is(err, sealbox.ErrKeyMissing):
		log.Warn("sealbox.disabled", "hint", "encryption-enabled conversations will refuse messages")
	default:
		return fmt.Errorf("content key: %w", err)
	}

	pipeline, err := message.NewPipeline(st.messages, convs, a.recorder, pipeOpts...)
	if err != nil {
		return err
	}
	recent.set(pipeline)
	tracker.SetMessages(pipeline)
	a.hub.SetBackfill(pipeline.Replay)

	apiOpts := []api.Option{
		api.WithEscalations(a.engine),
		api.WithSmartReplies(a.smartReplies),
		api.WithLogger(log),
	}
	if cfg.TranslationURL != "" {
		provider := translation.NewLibreTranslate(cfg.TranslationURL, cfg.TranslationAPIKey, cfg.TranslationTimeout)
		cache, err := translation.NewCache(st.translations, provider, pipeline, a.recorder,
			translation.WithMetrics(a.metrics),
			translation.WithLogger(log),
		)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithTranslations(cache))
	} else {
		log.Warn("translation.disabled", "hint", "set CARELINE_TRANSLATION_URL to enable translations")
	}

	verifier := newTokenVerifier(log)
	a.api = api.NewHandler(verifier, convs, pipeline, tracker, apiOpts...)
	a.ws = gateway.New(log, gateway.LoadConfigFromEnv(), a.hub, verifier, convs, pipeline, tracker)
	return nil
}

// newTokenVerifier returns nil when no key is configured; authenticated
// surfaces then answer 503.
func newTokenVerifier(log Logger) auth.Verifier {
	acfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		log.Error("auth.config.invalid", "err", err)
		return nil
	}
	v, err := auth.NewPasetoVerifier(acfg)
	if err != nil {
		log.Warn("auth.verifier.disabled", "err", err)
		return nil
	}
	return v
}

func newDispatcher(ctx context.Context, log Logger) (*notify.Dispatcher, error) {
	ncfg, err := notify.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("notify config: %w", err)
	}
	channels, err := ncfg.Channels(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("notify channels: %w", err)
	}
	return notify.NewDispatcher(channels,
		notify.WithAttemptTimeout(ncfg.AttemptTimeout),
		notify.WithParallelism(ncfg.Parallelism),
		notify.WithDispatchLogger(log),
	), nil
}

func newAttachmentVerifier(ctx context.Context, cfg Config) (attachment.Verifier, error) {
	if cfg.AttachmentBucket == "" {
		return nil, nil
	}
	v, err := attachment.NewS3Verifier(ctx, attachment.S3Config{
		Bucket:    cfg.AttachmentBucket,
		Region:    cfg.AttachmentRegion,
		Endpoint:  cfg.AttachmentEndpoint,
		AccessKey: cfg.AttachmentAccessKey,
		SecretKey: cfg.AttachmentSecretKey,
		MaxSize:   cfg.AttachmentMaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("attachment verifier: %w", err)
	}
	return v, nil
}

// Run starts the HTTP server and background loops, and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(WithCORS(WithSecurityHeaders(mux), a.cfg, a.log), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	if n, err := a.engine.Resume(ctx); err != nil {
		a.log.Error("escalation.resume.fail", "err", err)
	} else if n > 0 {
		a.log.Warn("escalation.resume.done", "events", n)
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(3)
	go func() {
		defer bg.Done()
		a.rules.Watch(bgCtx, a.cfg.RulesReloadInterval)
	}()
	go func() {
		defer bg.Done()
		a.hub.RunJanitor(bgCtx)
	}()
	go func() {
		defer bg.Done()
		if err := a.engine.RunSweeper(bgCtx, a.cfg.SweepCron); err != nil {
			a.log.Error("escalation.sweeper.fail", "err", err)
		}
	}()

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.stores.pool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	stopBackground()
	bg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	// In-flight escalation deliveries get their own budget; anything still
	// pending afterwards is picked up by Resume on the next start.
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelClose()
	if err := a.Close(closeCtx); err != nil {
		a.log.Error("app.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return runErr
}

// Close drains background workers in dependency order: producers of audit
// entries first, then the audit recorder, then the stores.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.smartReplies != nil {
		errs = append(errs, a.smartReplies.Close(ctx))
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close(ctx))
	}
	if a.recorder != nil {
		errs = append(errs, a.recorder.Close(ctx))
	}
	if a.stores != nil {
		errs = append(errs, a.stores.Close())
	}
	return errors.Join(errs...)
}

// recentMessages lets the smart reply service read history through a
// pipeline that is built after it.
type recentMessages struct {
	mu sync.RWMutex
	p  *message.Pipeline
}

func (r *recentMessages) set(p *message.Pipeline) {
	r.mu.Lock()
	r.p = p
	r.mu.Unlock()
}

func (r *recentMessages) Recent(ctx context.Context, conversationID string, k int) ([]message.Message, error) {
	r.mu.RLock()
	p := r.p
	r.mu.RUnlock()
	if p == nil {
		return nil, errors.New("app: message pipeline not ready")
	}
	return p.Recent(ctx, conversationID, k)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
