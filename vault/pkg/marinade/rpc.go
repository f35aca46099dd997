package marinade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/atharvalabs/refi/utils/pkg/retry"
)

// MainnetStateAccount is the Marinade state account on mainnet-beta.
const MainnetStateAccount = "8szGkuLTAux9XMgZ2vtY39jVSowEcpBfFfD8hXSEqdGC"

type RPCRateSourceConfig struct {
	Logger       *slog.Logger
	RPC          *solanarpc.Client
	StateAccount solana.PublicKey
	Retry        retry.Config
}

func (cfg *RPCRateSourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("solana rpc client is required")
	}
	if cfg.StateAccount.IsZero() {
		return errors.New("marinade state account is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// RPCRateSource reads the live exchange rate from the Marinade state account
// over Solana RPC. It implements only the read path; staking transactions
// require a signing wallet, which is outside this service.
type RPCRateSource struct {
	log *slog.Logger
	cfg RPCRateSourceConfig
}

func NewRPCRateSource(cfg RPCRateSourceConfig) (*RPCRateSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCRateSource{log: cfg.Logger, cfg: cfg}, nil
}

// Rate fetches and decodes the current exchange rate. Transient RPC failures
// are retried with backoff.
func (s *RPCRateSource) Rate(ctx context.Context) (Rate, error) {
	var rate Rate
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		out, err := s.cfg.RPC.GetAccountInfo(ctx, s.cfg.StateAccount)
		if err != nil {
			return fmt.Errorf("failed to fetch marinade state account: %w", err)
		}
		if out == nil || out.Value == nil {
			return fmt.Errorf("marinade state account %s not found", s.cfg.StateAccount)
		}
		rate, err = ParseState(out.Value.Data.GetBinary())
		if err != nil {
			return fmt.Errorf("failed to parse marinade state: %w", err)
		}
		return nil
	})
	if err != nil {
		return Rate{}, err
	}
	s.log.Debug("marinade: fetched exchange rate",
		"msol_supply", rate.MsolSupply,
		"total_staked_lamports", rate.TotalStakedLamports)
	return rate, nil
}
