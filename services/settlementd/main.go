package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"

	"coopledger/observability"
	"coopledger/observability/logging"
	telemetry "coopledger/observability/otel"
	"coopledger/services/settlementd/alerts"
	"coopledger/services/settlementd/custody"
	"coopledger/services/settlementd/ledger"
	"coopledger/services/settlementd/models"
	"coopledger/services/settlementd/nonce"
	"coopledger/services/settlementd/processor"
	"coopledger/services/settlementd/recon"
	"coopledger/services/settlementd/rewards"
	"coopledger/services/settlementd/server"
	"coopledger/services/settlementd/settlement"
	"coopledger/services/settlementd/store"
	"coopledger/services/settlementd/webhook"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to settlementd configuration (defaults to $SETTLEMENTD_CONFIG)")
	flag.Parse()

	cfg, err := LoadConfig(ConfigPath(cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.SetupWithLevel("settlementd", cfg.Environment, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}, logging.ParseLevel(cfg.Logging.Level))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	rpc, err := ledger.Dial(dialCtx, cfg.Ledger.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial ledger: %w", err)
	}
	defer rpc.Close()

	ucID, scID := cfg.Ledger.TokenIDs()
	token := ledger.Token{
		Address:  common.HexToAddress(cfg.Ledger.TokenAddress),
		UCID:     ucID,
		SCID:     scID,
		Decimals: cfg.Ledger.Decimals,
	}
	chain := ledger.NewClient(rpc, token,
		ledger.WithConfirmations(cfg.Ledger.Confirmations),
		ledger.WithPollInterval(cfg.Ledger.PollInterval.Duration),
		ledger.WithMaxLogRange(cfg.Ledger.MaxLogRange))

	masterKey, err := custody.ParseMasterKey(cfg.Custody.MasterKey)
	if err != nil {
		return fmt.Errorf("custody master key: %w", err)
	}
	signer, err := custody.NewService(custody.Config{
		Wallets:          st,
		Backend:          rpc,
		Submitter:        chain,
		ChainID:          big.NewInt(cfg.Ledger.ChainID),
		MasterKey:        masterKey,
		GasBufferPercent: cfg.Custody.GasBufferPercent,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	if _, err := signer.Address(context.Background(), cfg.Custody.MinterPrincipal); err != nil {
		return fmt.Errorf("minter wallet %s: %w", cfg.Custody.MinterPrincipal, err)
	}

	notifier := buildNotifier(cfg.Alerts, logger)

	var clients []processor.Client
	secrets := map[models.Processor][]byte{}
	if p := cfg.Processors.Stripe; p.Enabled {
		clients = append(clients, processor.NewStripe(p.APIBase, p.secretKey))
		if p.webhookSecret != "" {
			secrets[models.ProcessorStripe] = []byte(p.webhookSecret)
		}
	}
	if p := cfg.Processors.NOWPayments; p.Enabled {
		clients = append(clients, processor.NewNOWPayments(p.APIBase, p.apiKey, p.CallbackURL))
		if p.ipnSecret != "" {
			secrets[models.ProcessorNOWPayments] = []byte(p.ipnSecret)
		}
	}
	registry := processor.NewRegistry(clients...)

	settlementMetrics := observability.Settlement()
	rewardService, err := rewards.New(rewards.Config{
		Store:               st,
		Signer:              signer,
		Ledger:              chain,
		MinterPrincipal:     cfg.Custody.MinterPrincipal,
		ConfirmationTimeout: cfg.Ledger.ConfirmationTimeout.Duration,
		Metrics:             settlementMetrics,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	machine, err := settlement.New(settlement.Config{
		Store:               st,
		Processors:          registry,
		Signer:              signer,
		Ledger:              chain,
		MinterPrincipal:     cfg.Custody.MinterPrincipal,
		MinFiat:             cfg.Onramp.minFiat,
		MaxFiat:             cfg.Onramp.maxFiat,
		TokenRate:           cfg.Onramp.tokenRate,
		Currency:            cfg.Onramp.Currency,
		ConfirmationTimeout: cfg.Ledger.ConfirmationTimeout.Duration,
		Alerts:              notifier,
		Metrics:             settlementMetrics,
		Logger:              logger,
		OnCompleted:         rewardService.OnPurchaseCompleted,
	})
	if err != nil {
		return err
	}
	defer machine.Wait()

	engine, err := recon.NewEngine(recon.Config{
		Store:          st,
		Chain:          chain,
		Thresholds:     cfg.Recon.ThresholdValues(),
		Budget:         cfg.Recon.Budget.Duration,
		RepairLookback: cfg.Recon.RepairLookback.Duration,
		OutputDir:      cfg.Recon.OutputDir,
		SaveHistory:    cfg.Recon.SaveHistory,
		Alerts:         notifier,
		Metrics:        observability.Reconciliation(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	replay, err := nonce.Open(cfg.Webhook.ReplayStore)
	if err != nil {
		return err
	}
	defer func() { _ = replay.Close() }()

	webhookMetrics := observability.Webhooks()
	ingress, err := webhook.NewIngress(webhook.Config{
		Settler:     machine,
		Replay:      replay,
		TrustModel:  cfg.Webhook.TrustModel,
		Secrets:     secrets,
		RelaySecret: []byte(cfg.Webhook.relaySecret),
		RelayHeader: cfg.Webhook.RelayHeader,
		Tolerance:   cfg.Webhook.Tolerance.Duration,
		ReplayTTL:   cfg.Webhook.ReplayTTL.Duration,
		MaxBody:     cfg.Webhook.MaxBodyBytes,
		RateLimit: webhook.RateLimit{
			RequestsPerMinute: cfg.Webhook.RateLimit.RequestsPerMinute,
			Burst:             cfg.Webhook.RateLimit.Burst,
		},
		Alerts:  notifier,
		Metrics: webhookMetrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := gocron.NewScheduler(gocron.WithLocation(cfg.Recon.Location()))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}
	if _, err := engine.Schedule(stopCtx, sched, recon.ScheduleConfig{
		Hourly:      *cfg.Recon.Hourly,
		Daily:       *cfg.Recon.Daily,
		DailyHour:   cfg.Recon.DailyHour,
		DailyMinute: cfg.Recon.DailyMinute,
		Location:    cfg.Recon.Location(),
	}); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	if _, err := nonce.ScheduleSweep(sched, replay, cfg.Webhook.ReplaySweepInterval.Duration, logger, webhookMetrics.RecordSwept); err != nil {
		return fmt.Errorf("schedule replay sweep: %w", err)
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	api, err := server.New(server.Config{
		Purchases:  machine,
		Orders:     rewardService,
		Reconciler: engine,
		Webhooks:   ingress,
		Health:     st,
		Auth: server.AuthConfig{
			Secret:   []byte(cfg.Auth.jwtSecret),
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway.Duration,
		},
		Logger: logger.With(slog.String("component", "http")),
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2*cfg.Ledger.ConfirmationTimeout.Duration + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening", slog.String("addr", cfg.ListenAddress),
			slog.String("trust_model", cfg.Webhook.TrustModel))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildNotifier(cfg AlertsConfig, logger *slog.Logger) alerts.Notifier {
	fanout := alerts.Fanout{alerts.LogNotifier{Logger: logger.With(slog.String("component", "alerts"))}}
	if cfg.WebhookURL != "" {
		fanout = append(fanout, alerts.NewWebhookNotifier(cfg.WebhookURL, cfg.webhookToken, cfg.Timeout.Duration))
	}
	return fanout
}
