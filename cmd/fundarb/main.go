package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"fundarb/config"
	"fundarb/internal/accounting"
	"fundarb/internal/audit"
	"fundarb/internal/execution"
	"fundarb/internal/exit"
	"fundarb/internal/gate"
	"fundarb/internal/ghostfill"
	"fundarb/internal/metrics"
	"fundarb/internal/ops"
	"fundarb/internal/persistence"
	"fundarb/internal/supervisor"
	"fundarb/internal/venue"
	"fundarb/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Fundarb.Name,
		"version": cfg.Fundarb.Version,
		"dry_run": cfg.Fundarb.DryRun,
		"env":     config.AppEnvironment(),
	}).Info("starting fundarb")

	if !cfg.Fundarb.DryRun {
		log.Error("live trading requires venue adapters that are not built into this binary; set fundarb.dry_run")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
	}
	if cfg.Metrics.CloudWatch.Enabled {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace); err != nil {
			log.WithError(err).Warn("cloudwatch metrics disabled")
		} else {
			metrics.StartCloudWatch(ctx, cfg.Metrics.CloudWatch.FlushInterval)
		}
	}

	// venues
	cache := venue.NewQuoteCache()
	venues := make([]venue.Venue, 0, len(cfg.Venues))
	illiquid := make(map[string][]string, len(cfg.Venues))
	symbols := make(map[string][]string, len(cfg.Venues))
	papers := make(map[string]*venue.Paper, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		paper := venue.NewPaper(venue.PaperOptions{
			Name:                vc.Name,
			Caps:                venue.CapabilitiesFromConfig(vc),
			MakerFillAfterPolls: 2,
			MakerFeeRate:        cfg.Accounting.TakerFeeRate.Div(decimal.NewFromInt(2)),
			TakerFeeRate:        cfg.Accounting.TakerFeeRate,
		})
		papers[vc.Name] = paper
		venues = append(venues, gate.Wrap(paper, gate.New(gate.OptionsFromConfig(cfg.Gate, vc))))
		if len(vc.IlliquidSymbols) > 0 {
			illiquid[vc.Name] = vc.IlliquidSymbols
		}
	}
	for _, m := range cfg.Paper.Markets {
		paper, ok := papers[m.Venue]
		if !ok {
			log.WithFields(logger.Fields{"venue": m.Venue, "symbol": m.Symbol}).Warn("paper market for unknown venue ignored")
			continue
		}
		paper.SetBook(m.Symbol, m.Bid, m.Ask)
		paper.SetFundingRate(m.Symbol, m.FundingHourly)
		symbols[m.Venue] = append(symbols[m.Venue], m.Symbol)
	}

	var streams []*venue.QuoteStream
	for _, vc := range cfg.Venues {
		if !vc.Stream.Enabled {
			continue
		}
		streams = append(streams, venue.NewQuoteStream(vc.Name, vc.Stream.URL, symbols[vc.Name], vc.Stream.ReconnectDelay, cache))
	}

	// persistence
	files, err := persistence.NewFileStore(cfg.Persistence.Dir)
	if err != nil {
		log.WithError(err).Error("failed to open trade store")
		os.Exit(1)
	}
	fundingPath := cfg.Persistence.FundingLog
	if fundingPath == "" {
		fundingPath = filepath.Join(cfg.Persistence.Dir, "funding.jsonl")
	}
	fundingLog, err := persistence.OpenFundingLog(fundingPath)
	if err != nil {
		log.WithError(err).Error("failed to open funding log")
		os.Exit(1)
	}
	defer fundingLog.Close()

	var archivers []persistence.Archiver
	if cfg.Persistence.Archive.Enabled {
		s3, err := persistence.NewS3Archiver(ctx, cfg.Persistence.Archive, cfg.Fundarb.Version)
		if err != nil {
			log.WithError(err).Error("failed to create S3 archiver")
			os.Exit(1)
		}
		archivers = append(archivers, s3)
	} else {
		log.WithComponent("main").Info("S3 archive disabled; closed trades stay on local disk")
	}
	queue := persistence.NewQueue(files, fundingLog, cfg.Persistence, archivers...)

	recorder := audit.NewRecorder(cfg.Ops.LogBuffer * 5)
	var kafka *persistence.KafkaPublisher
	if cfg.Persistence.Kafka.Enabled {
		kafka, err = persistence.NewKafkaPublisher(cfg.Persistence.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka publisher")
			os.Exit(1)
		}
		recorder.AddPublisher(kafka)
	}

	// core
	engine := accounting.New(cfg.Accounting, venues, queue, recorder)
	volatility := execution.NewStaticVolatility()
	coord := execution.New(execution.Options{
		Execution:  cfg.Execution,
		Rollback:   cfg.Rollback,
		Venues:     venues,
		Illiquid:   illiquid,
		Detector:   ghostfill.New(cfg.GhostFill),
		Accounting: engine,
		Volatility: volatility,
		Store:      queue,
		Archiver:   queue,
		Recorder:   recorder,
	})
	sup := supervisor.New(supervisor.Options{
		Config:      cfg.Supervisor,
		Execution:   cfg.Execution,
		Accounting:  cfg.Accounting,
		FlushWindow: cfg.Persistence.FlushWindow,
		Coordinator: coord,
		Evaluator:   exit.New(cfg.Exit),
		Engine:      engine,
		Quotes:      accounting.NewQuoteSource(cache, cfg.Execution.PriceFreshness),
		Venues:      venues,
		Volatility:  volatility,
		Store:       queue,
		Recorder:    recorder,
	})
	opsServer, err := ops.NewServer(cfg.Ops, cfg.Fundarb, coord, recorder, log)
	if err != nil {
		log.WithError(err).Error("failed to create ops server")
		os.Exit(1)
	}

	queue.Start(ctx)
	if kafka != nil {
		if err := kafka.Start(ctx); err != nil {
			log.WithError(err).Warn("kafka publisher failed to start")
		}
	}
	if err := coord.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start coordinator")
		os.Exit(1)
	}
	for _, s := range streams {
		s.Start(ctx)
	}

	restored, err := files.LoadOpen()
	if err != nil {
		log.WithError(err).Error("failed to load open trades")
		os.Exit(1)
	}
	if len(restored) > 0 {
		log.WithFields(logger.Fields{"trades": len(restored)}).Warn("recovering trades from the store")
		if err := coord.Recover(ctx, restored); err != nil {
			log.WithError(err).Error("trade recovery incomplete")
		}
	}

	depths := map[string]metrics.DepthFunc{"persistence": queue.Depth}
	if kafka != nil {
		depths["audit_kafka"] = kafka.Depth
	}
	metrics.StartQueueDepthMetrics(ctx, depths, 5*time.Second)

	if err := sup.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start supervisor")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if opsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := opsServer.Run(ctx); err != nil {
				log.WithError(err).Error("ops server stopped")
			}
		}()
	}

	log.WithFields(logger.Fields{
		"venues":  len(venues),
		"ops":     opsServer.Address(),
		"streams": len(streams),
	}).Info("fundarb started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget(cfg))
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown finished with errors")
	}
	shutdownCancel()

	cancel()
	sup.Stop()
	for _, s := range streams {
		s.Stop()
	}
	coord.Stop()
	if kafka != nil {
		kafka.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		queue.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all components stopped")
	case <-time.After(30 * time.Second):
		log.Warn("timeout waiting for components to stop")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := metrics.FlushCloudWatch(flushCtx); err != nil {
		log.WithError(err).Warn("final CloudWatch flush failed")
	}
	flushCancel()

	warns, errs := logger.ComponentCounts("coordinator")
	log.WithFields(logger.Fields{
		"coordinator_warnings": warns,
		"coordinator_errors":   errs,
	}).Info("fundarb stopped")
}

// shutdownBudget bounds the close-out: every trade may walk the whole
// shutdown ladder once, plus the persistence flush window.
func shutdownBudget(cfg *config.Config) time.Duration {
	budget := time.Duration(len(cfg.Rollback.ShutdownLadder)+1) * cfg.Rollback.AttemptTimeout
	budget += cfg.Execution.HedgeTimeout + cfg.Persistence.FlushWindow
	if budget < 30*time.Second {
		budget = 30 * time.Second
	}
	return budget
}
