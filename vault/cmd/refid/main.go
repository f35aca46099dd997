package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/atharvalabs/refi/utils/pkg/logger"
	"github.com/atharvalabs/refi/vault/pkg/crank"
	"github.com/atharvalabs/refi/vault/pkg/engine"
	"github.com/atharvalabs/refi/vault/pkg/marinade"
	"github.com/atharvalabs/refi/vault/pkg/metrics"
	"github.com/atharvalabs/refi/vault/pkg/pg"
	"github.com/atharvalabs/refi/vault/pkg/rollup"
	"github.com/atharvalabs/refi/vault/pkg/server"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// Build identity, set via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")

	adminKeyFlag := flag.String("admin-key", "", "base58 admin public key allowed to create and delegate pools (or set ADMIN_KEY env var)")
	programIDFlag := flag.String("program-id", "", "base58 program id namespacing derived pool addresses (or set PROGRAM_ID env var)")

	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection string; empty runs the in-memory store (or set POSTGRES_URL env var)")
	migrateFlag := flag.Bool("migrate", false, "run database migrations and exit")

	solanaRPCURLFlag := flag.String("solana-rpc-url", "", "Solana RPC endpoint for the live Marinade rate; empty runs the staking simulator (or set SOLANA_RPC_URL env var)")
	marinadeStateFlag := flag.String("marinade-state-account", marinade.MainnetStateAccount, "Marinade state account to read the exchange rate from")
	unstakeFeeBpsFlag := flag.Uint16("unstake-fee-bps", 30, "instant-unstake fee in basis points")

	crankTickFlag := flag.Duration("crank-tick-interval", time.Minute, "poll interval for due scheduled streams")

	flag.Parse()

	if env := os.Getenv("LISTEN_ADDR"); env != "" {
		*listenAddrFlag = env
	}
	if env := os.Getenv("ADMIN_KEY"); env != "" {
		*adminKeyFlag = env
	}
	if env := os.Getenv("PROGRAM_ID"); env != "" {
		*programIDFlag = env
	}
	if env := os.Getenv("POSTGRES_URL"); env != "" {
		*postgresURLFlag = env
	}
	if env := os.Getenv("SOLANA_RPC_URL"); env != "" {
		*solanaRPCURLFlag = env
	}

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: version,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if *migrateFlag {
		if *postgresURLFlag == "" {
			return fmt.Errorf("--postgres-url is required for --migrate")
		}
		return pg.RunMigrations(log, *postgresURLFlag)
	}

	if *adminKeyFlag == "" {
		return fmt.Errorf("--admin-key is required")
	}
	adminKey, err := solana.PublicKeyFromBase58(*adminKeyFlag)
	if err != nil {
		return fmt.Errorf("invalid --admin-key: %w", err)
	}
	if *programIDFlag == "" {
		return fmt.Errorf("--program-id is required")
	}
	programID, err := solana.PublicKeyFromBase58(*programIDFlag)
	if err != nil {
		return fmt.Errorf("invalid --program-id: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	// Store: PostgreSQL when configured, in-memory otherwise.
	var st store.Store
	var ready func(ctx context.Context) error
	if *postgresURLFlag != "" {
		if err := pg.RunMigrations(log, *postgresURLFlag); err != nil {
			return err
		}
		dbPool, err := pgxpool.New(ctx, *postgresURLFlag)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer dbPool.Close()

		st, err = pg.NewStore(pg.StoreConfig{Logger: log, Pool: dbPool})
		if err != nil {
			return err
		}
		ready = dbPool.Ping
		log.Info("refid: using postgres store")
	} else {
		st = store.NewMemory()
		log.Warn("refid: using in-memory store, state is lost on restart")
	}

	// Staking bridge: live Marinade rate over RPC when configured, the
	// deterministic simulator otherwise.
	var staker engine.LiquidStaker
	if *solanaRPCURLFlag != "" {
		stateAccount, err := solana.PublicKeyFromBase58(*marinadeStateFlag)
		if err != nil {
			return fmt.Errorf("invalid --marinade-state-account: %w", err)
		}
		rates, err := marinade.NewRPCRateSource(marinade.RPCRateSourceConfig{
			Logger:       log,
			RPC:          solanarpc.New(*solanaRPCURLFlag),
			StateAccount: stateAccount,
		})
		if err != nil {
			return err
		}
		staker, err = marinade.NewBridge(marinade.BridgeConfig{
			Logger:        log,
			Rates:         rates,
			UnstakeFeeBps: *unstakeFeeBpsFlag,
		})
		if err != nil {
			return err
		}
		log.Info("refid: using live marinade rate", "state_account", stateAccount)
	} else {
		staker, err = marinade.NewSimulator(marinade.SimulatorConfig{
			Logger:              log,
			MsolSupply:          1_000_000_000_000_000,
			TotalStakedLamports: 1_200_000_000_000_000,
			LiqPoolSolLamports:  100_000_000_000_000,
			TreasuryFeeBps:      *unstakeFeeBpsFlag,
		})
		if err != nil {
			return err
		}
		log.Warn("refid: using staking simulator")
	}

	delegator, err := rollup.NewLocalDelegator(rollup.LocalDelegatorConfig{Logger: log})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Logger:    log,
		Store:     st,
		Staker:    staker,
		Delegator: delegator,
		AdminKey:  adminKey,
		ProgramID: programID,
	})
	if err != nil {
		return err
	}

	runner, err := crank.New(crank.Config{
		Logger:       log,
		Store:        st,
		Engine:       eng,
		TickInterval: *crankTickFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:     log,
		Engine:     eng,
		ListenAddr: *listenAddrFlag,
		Ready:      ready,
		Version:    server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return runner.Run(ctx) })

	log.Info("refid: started", "version", version, "listen_addr", *listenAddrFlag)
	return g.Wait()
}
