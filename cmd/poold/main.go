package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tranchex/config"
	"tranchex/crypto"
	"tranchex/gateway"
	"tranchex/native/assessor"
	"tranchex/native/common"
	"tranchex/native/coordinator"
	"tranchex/native/tranche"
	"tranchex/observability/logging"
	"tranchex/state"
	"tranchex/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./pool.toml", "path to pool configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.Setup(logging.Options{
		Service:    "poold",
		Env:        cfg.Env,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	logger.Info("configuration loaded",
		"pool", cfg.PoolName,
		"data_dir", cfg.DataDir,
		"admin_token", logging.MaskValue(cfg.AdminToken),
	)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ledger, err := state.NewLedger(db)
	if err != nil {
		logger.Error("load ledger", "error", err)
		os.Exit(1)
	}

	roles := common.NewRoles()
	adminAddr, hasAdmin, err := cfg.AdminAddr()
	if err != nil {
		logger.Error("parse admin address", "error", err)
		os.Exit(1)
	}
	if hasAdmin {
		roles.Grant(adminAddr, common.RoleAdmin)
	}

	reserve := crypto.SystemAddress("pool/reserve")
	feed := assessor.NewStaticFeed(roles)
	feed.SetStore(ledger)
	ass := assessor.New(reserve)
	ass.SetStore(ledger)
	ass.SetNAVFeed(feed)
	ass.SetRoles(roles)

	senior := tranche.New(tranche.Senior, crypto.SystemAddress("tranche/senior/escrow"), reserve)
	junior := tranche.New(tranche.Junior, crypto.SystemAddress("tranche/junior/escrow"), reserve)
	senior.SetState(ledger)
	junior.SetState(ledger)
	senior.SetPauses(ledger)
	junior.SetPauses(ledger)

	coord, err := coordinator.New(cfg.EpochConfig(), senior, junior, ass)
	if err != nil {
		logger.Error("build coordinator", "error", err)
		os.Exit(1)
	}
	coord.SetStore(ledger)
	coord.SetPauses(ledger)
	coord.SetLogger(logger)
	senior.SetEpochSource(coord)
	junior.SetEpochSource(coord)

	if err := seedAssessor(ledger, cfg); err != nil {
		logger.Error("seed assessor state", "error", err)
		os.Exit(1)
	}

	var admin *crypto.Address
	if hasAdmin {
		admin = &adminAddr
	}
	server, err := gateway.New(gateway.Options{
		Ledger:              ledger,
		Coordinator:         coord,
		Senior:              senior,
		Junior:              junior,
		Assessor:            ass,
		Feed:                feed,
		Admin:               admin,
		AdminToken:          cfg.AdminToken,
		SubmitRatePerMinute: cfg.SubmitRatePerMinute,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("build gateway", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("listen", "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("listening", "address", listener.Addr().String())
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("serve", "error", serveErr)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// seedAssessor writes the configured risk parameters into a fresh
// ledger. An existing state wins so that admin changes made over the
// API survive restarts.
func seedAssessor(ledger *state.Ledger, cfg *config.Config) error {
	st, err := ledger.GetAssessorState()
	if err != nil {
		return err
	}
	if st != nil {
		return nil
	}
	minRatio, maxRatio, err := cfg.RatioBounds()
	if err != nil {
		return err
	}
	maxReserve, err := cfg.MaxReserveAmount()
	if err != nil {
		return err
	}
	seeded := (&assessor.State{
		MinSeniorRatio: minRatio,
		MaxSeniorRatio: maxRatio,
		MaxReserve:     maxReserve,
	}).Normalize()
	if err := ledger.PutAssessorState(seeded); err != nil {
		return err
	}
	return ledger.Flush()
}
