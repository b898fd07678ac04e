// Command core runs Vatic's HTTP API: auth, tier purchases, assessment
// lifecycle, order placement, the rules-monitoring loop, the persistence
// worker, and the soft-delete sweep (spec.md §4-6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vaticlabs/vatic/internal/cache"
	"github.com/vaticlabs/vatic/internal/config"
	"github.com/vaticlabs/vatic/internal/eventbus"
	"github.com/vaticlabs/vatic/internal/logging"
	"github.com/vaticlabs/vatic/internal/modules/assessments"
	"github.com/vaticlabs/vatic/internal/modules/auth"
	"github.com/vaticlabs/vatic/internal/modules/cancellation"
	"github.com/vaticlabs/vatic/internal/modules/funded"
	"github.com/vaticlabs/vatic/internal/modules/orders"
	"github.com/vaticlabs/vatic/internal/modules/purchases"
	"github.com/vaticlabs/vatic/internal/modules/rules"
	"github.com/vaticlabs/vatic/internal/modules/tiers"
	"github.com/vaticlabs/vatic/internal/oracle"
	"github.com/vaticlabs/vatic/internal/payment"
	"github.com/vaticlabs/vatic/internal/persistence"
	"github.com/vaticlabs/vatic/internal/saga"
	"github.com/vaticlabs/vatic/internal/scheduler"
	"github.com/vaticlabs/vatic/internal/server"
	"github.com/vaticlabs/vatic/internal/state"
	"github.com/vaticlabs/vatic/internal/storedb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{Level: "info", Pretty: true}).Fatal().Err(err).Msg("load config")
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Msg("starting vatic core")

	db, err := storedb.New(storedb.Config{URL: cfg.DatabaseURL}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb, err := cache.New(cache.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	producer, err := eventbus.NewProducer(cfg.KafkaBrokers, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect kafka producer")
	}
	defer producer.Close()

	store := state.NewStore(rdb)
	oracleClient := oracle.New(rdb)
	locks := saga.NewKeyLocks()

	tiersRepo := tiers.NewRepository(db)
	authRepo := auth.NewRepository(db)
	assessmentsRepo := assessments.NewRepository(db)
	purchasesRepo := purchases.NewRepository(db)
	fundedRepo := funded.NewRepository(db)

	authSvc := auth.New(authRepo, log)
	paymentClient := payment.New(cfg.StripeSecretKey, log)
	purchasesSvc := purchases.New(purchasesRepo, assessmentsRepo, tiersRepo, paymentClient, producer, log)
	assessmentsSvc := assessments.New(assessmentsRepo, store, producer, locks, time.Duration(cfg.AbandonedRetentionDays)*24*time.Hour, log)

	rates := orders.Rates{
		CryptoFeeRate: cfg.CryptoFeeRate, CryptoSlippageRate: cfg.CryptoSlippageRate,
		PredictionFeeRate: cfg.PredictionFeeRate, PredictionSlippageRate: cfg.PredictionSlippageRate,
	}
	ordersSvc := orders.New(store, oracleClient, tiersRepo, assessmentsRepo, producer, locks, rates, cfg.OrderSagaTimeout, log)

	fundedSvc := funded.New(funded.Config{
		Repo: fundedRepo, Assessments: assessmentsRepo, Tiers: tiersRepo, Store: store, Payments: paymentClient,
		Producer: producer, Locks: locks,
		AutoApproveThreshold: cfg.AutoApproveWithdrawalMinor, MinWithdrawal: cfg.MinWithdrawalMinor,
		PaymentCallTimeout: cfg.PaymentCallTimeout, Log: log,
	})

	cancelHandler := cancellation.New(store, producer, locks, cfg.PredictionFeeRate, log)
	rulesMonitor := rules.New(store, tiersRepo, assessmentsRepo, fundedRepo, producer, locks, log)

	dlq := persistence.NewDLQ(rdb)
	persistenceWorker := persistence.NewWorker(store, assessmentsRepo, producer, dlq, cfg.PersistenceInterval, log)
	ruleChecksWorker := persistence.NewRuleChecksWorker(store, assessmentsRepo, cfg.RuleChecksInterval, log)

	sched := scheduler.New(log)
	if err := sched.AddJob(cfg.SoftDeleteSweepCron, scheduler.NewSoftDeleteJob(assessmentsRepo, log)); err != nil {
		log.Fatal().Err(err).Msg("schedule soft-delete job")
	}

	httpServer := server.New(fmt.Sprintf(":%d", cfg.Port), server.Services{
		Auth: authSvc, Tiers: tiersRepo, Purchases: purchasesSvc,
		Assessments: assessmentsSvc, AssessmentsRepo: assessmentsRepo,
		Orders: ordersSvc, Funded: fundedSvc, FundedRepo: fundedRepo,
		Store: store, DB: db, PersistenceWorker: persistenceWorker, NodeID: cfg.NodeID,
	}, log)

	consumer, err := eventbus.NewConsumer(cfg.KafkaBrokers, "vatic-core", server.CoreTopics(), server.NewCoreDispatcher(cancelHandler, fundedSvc, log), log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect kafka consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("http server started")

	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer stopped")
		}
	}()

	go runEvery(ctx, cfg.RulesSweepInterval, rulesMonitor.RunAssessments)
	go runEvery(ctx, cfg.RulesSweepInterval, rulesMonitor.RunFunded)
	go persistenceWorker.Run(ctx)
	go ruleChecksWorker.Run(ctx)

	sched.Start()
	log.Info().Msg("scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	sched.Stop()
	_ = consumer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped")
}

func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
