package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowd/config"
	"escrowd/core/events"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/observability/logging"
	"escrowd/rpc"
	"escrowd/state"
	"escrowd/storage"
)

// eventFeedDepth bounds the in-memory event feed served by escrow_listEvents.
const eventFeedDepth = 4096

func main() {
	configFile := flag.String("config", "./escrowd.toml", "Path to the configuration file")
	memoryFlag := flag.Bool("memory", false, "DEV ONLY: keep all state in memory instead of the data directory")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	logger := logging.Setup("escrowd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	var db storage.Database
	if *memoryFlag {
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(cfg.DataDir)
		if err != nil {
			panic(fmt.Sprintf("Failed to open database: %v", err))
		}
		db = leveldb
	}
	defer db.Close()

	manager := state.NewManager(db)
	custody := state.NewCustodyLedger(db, cfg.AllowedUnits)
	if err := seedGenesisAccounts(custody, cfg.GenesisAccounts); err != nil {
		logger.Error("Failed to seed genesis balances", slog.Any("error", err))
		os.Exit(1)
	}

	feed := events.NewRecorder(eventFeedDepth)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetCustody(custody)
	engine.SetDisputePeriod(time.Duration(cfg.DisputePeriodSeconds) * time.Second)
	engine.SetEmitter(observability.NewMeteredEmitter(events.Fanout{feed, newEventLogger(logger)}))
	if cfg.PlatformFeeBps > 0 {
		treasury, err := config.ParseAddress(cfg.FeeTreasury)
		if err != nil {
			logger.Error("Invalid fee treasury address", slog.Any("error", err))
			os.Exit(1)
		}
		engine.SetFeeTreasury(treasury)
	}

	token := cfg.RPCToken()
	if token == "" {
		logger.Warn("RPC token not set; mutating methods are disabled", slog.String("env", cfg.RPCTokenEnv))
	}
	server := rpc.NewServer(engine, token)
	server.SetEventFeed(feed)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting JSON-RPC server", slog.String("addr", cfg.RPCAddress))
		errCh <- server.Start(cfg.RPCAddress)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
	}
}

func seedGenesisAccounts(custody *state.CustodyLedger, accounts []config.GenesisAccount) error {
	for _, acct := range accounts {
		addr, err := config.ParseAddress(acct.Address)
		if err != nil {
			return err
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acct.Balance), 10)
		if !ok {
			return fmt.Errorf("invalid genesis balance %q for %s", acct.Balance, acct.Address)
		}
		if err := custody.Credit(addr, acct.Unit, balance); err != nil {
			return err
		}
	}
	return nil
}

type eventLogger struct {
	logger *slog.Logger
}

func newEventLogger(logger *slog.Logger) events.Emitter {
	return &eventLogger{logger: logger.With(slog.String("component", "escrow"))}
}

func (l *eventLogger) Emit(evt *events.Event) {
	if evt == nil {
		return
	}
	attrs := make([]any, 0, len(evt.Attributes))
	for key, value := range evt.Attributes {
		attrs = append(attrs, slog.String(key, value))
	}
	l.logger.Info(evt.Type, attrs...)
}
