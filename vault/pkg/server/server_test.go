package server_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	refitesting "github.com/atharvalabs/refi/utils/pkg/testing"
	"github.com/atharvalabs/refi/vault/pkg/engine"
	"github.com/atharvalabs/refi/vault/pkg/marinade"
	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/rollup"
	"github.com/atharvalabs/refi/vault/pkg/server"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

var testProgramID = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

type fixture struct {
	ts    *httptest.Server
	sim   *marinade.Simulator
	admin solana.PublicKey
	org   solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := refitesting.NewLogger()

	sim, err := marinade.NewSimulator(marinade.SimulatorConfig{
		Logger:              log,
		MsolSupply:          1_000_000_000_000,
		TotalStakedLamports: 1_000_000_000_000,
		LiqPoolSolLamports:  1_000_000_000_000,
	})
	require.NoError(t, err)

	delegator, err := rollup.NewLocalDelegator(rollup.LocalDelegatorConfig{Logger: log})
	require.NoError(t, err)

	admin := solana.NewWallet().PublicKey()

	eng, err := engine.New(engine.Config{
		Logger:    log,
		Store:     store.NewMemory(),
		Staker:    sim,
		Delegator: delegator,
		AdminKey:  admin,
		ProgramID: testProgramID,
	})
	require.NoError(t, err)

	srv, err := server.New(server.Config{
		Logger:     log,
		Engine:     eng,
		ListenAddr: ":0",
		Version:    server.VersionInfo{Version: "test"},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{
		ts:    ts,
		sim:   sim,
		admin: admin,
		org:   solana.NewWallet().PublicKey(),
	}
}

func (f *fixture) post(t *testing.T, path string, body map[string]any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func (f *fixture) createPool(t *testing.T, b byte) string {
	t.Helper()
	var species pool.SpeciesID
	species[0] = b
	status, out := f.post(t, "/api/pools", map[string]any{
		"caller":            f.admin.String(),
		"organization":      f.org.String(),
		"organization_name": "Rainforest Trust",
		"species_name":      "Panthera onca",
		"species_id":        hex.EncodeToString(species.Bytes()),
	})
	require.Equal(t, http.StatusCreated, status)
	return out["address"].(string)
}

func TestRefi_Vault_Server_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var out map[string]string
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", &out))
	require.Equal(t, "ok", out["status"])

	require.Equal(t, http.StatusOK, f.get(t, "/readyz", &out))
	require.Equal(t, http.StatusOK, f.get(t, "/version", &out))
	require.Equal(t, "test", out["version"])
}

func TestRefi_Vault_Server_CreatePool(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("creates and reads back", func(t *testing.T) {
		addr := f.createPool(t, 1)

		var view map[string]any
		require.Equal(t, http.StatusOK, f.get(t, "/api/pools/"+addr, &view))
		require.Equal(t, addr, view["address"])
		require.Equal(t, f.org.String(), view["organization"])
		require.Equal(t, "settled", view["delegation"])
		require.Equal(t, true, view["is_active"])
	})

	t.Run("non admin is forbidden", func(t *testing.T) {
		var species pool.SpeciesID
		species[0] = 2
		status, out := f.post(t, "/api/pools", map[string]any{
			"caller":       solana.NewWallet().PublicKey().String(),
			"organization": f.org.String(),
			"species_name": "x",
			"species_id":   hex.EncodeToString(species.Bytes()),
		})
		require.Equal(t, http.StatusForbidden, status)
		require.Equal(t, "create_pool_unauthorized", out["error"])
	})

	t.Run("duplicate conflicts", func(t *testing.T) {
		var species pool.SpeciesID
		species[0] = 1
		status, out := f.post(t, "/api/pools", map[string]any{
			"caller":       f.admin.String(),
			"organization": f.org.String(),
			"species_name": "Panthera onca",
			"species_id":   hex.EncodeToString(species.Bytes()),
		})
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, "pool_exists", out["error"])
	})

	t.Run("bad species id", func(t *testing.T) {
		status, out := f.post(t, "/api/pools", map[string]any{
			"caller":       f.admin.String(),
			"organization": f.org.String(),
			"species_id":   "zz",
		})
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_species_id", out["error"])
	})

	t.Run("list includes the pool", func(t *testing.T) {
		var views []map[string]any
		require.Equal(t, http.StatusOK, f.get(t, "/api/pools", &views))
		require.NotEmpty(t, views)
	})
}

func TestRefi_Vault_Server_DepositWithdrawFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	addr := f.createPool(t, 1)
	alice := solana.NewWallet().PublicKey().String()

	t.Run("deposit", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/deposit", map[string]any{
			"caller":   alice,
			"lamports": 100_000,
		})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, float64(100_000), out["shares_issued"])
	})

	t.Run("zero deposit is a bad request", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/deposit", map[string]any{
			"caller":   alice,
			"lamports": 0,
		})
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_amount", out["error"])
	})

	t.Run("stake and stream", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/stake", map[string]any{"lamports": 100_000})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, float64(100_000), out["msol_received"])

		require.NoError(t, f.sim.Accrue(1_000))

		status, out = f.post(t, "/api/pools/"+addr+"/stream", map[string]any{})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, out["streamed"])
		require.Greater(t, out["org_amount"], float64(0))
	})

	t.Run("organization withdraw", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/withdraw/organization", map[string]any{
			"caller":   alice,
			"lamports": 1,
		})
		require.Equal(t, http.StatusForbidden, status)
		require.Equal(t, "unauthorized_organization", out["error"])

		status, _ = f.post(t, "/api/pools/"+addr+"/withdraw/organization", map[string]any{
			"caller":   f.org.String(),
			"lamports": 1,
		})
		require.Equal(t, http.StatusOK, status)
	})

	t.Run("supporter withdraw", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/withdraw/supporter", map[string]any{
			"caller": alice,
			"shares": 200_000,
		})
		require.Equal(t, http.StatusUnprocessableEntity, status)
		require.Equal(t, "insufficient_shares", out["error"])

		status, out = f.post(t, "/api/pools/"+addr+"/withdraw/supporter", map[string]any{
			"caller": alice,
			"shares": 100_000,
		})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, float64(100_000), out["shares_burned"])
		require.Greater(t, out["lamports_received"], float64(0))
	})

	t.Run("stream events listed", func(t *testing.T) {
		var events []map[string]any
		require.Equal(t, http.StatusOK, f.get(t, "/api/pools/"+addr+"/streams", &events))
		require.Len(t, events, 1)
		require.Equal(t, false, events[0]["automated"])
	})
}

func TestRefi_Vault_Server_DelegationFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	addr := f.createPool(t, 1)

	t.Run("delegate admin only", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/delegate", map[string]any{
			"caller": f.org.String(),
		})
		require.Equal(t, http.StatusForbidden, status)
		require.Equal(t, "unauthorized", out["error"])

		status, out = f.post(t, "/api/pools/"+addr+"/delegate", map[string]any{
			"caller": f.admin.String(),
		})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "delegated", out["delegation"])
	})

	t.Run("schedule requires valid interval", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/schedule", map[string]any{
			"caller":             f.org.String(),
			"task_id":            1,
			"execution_interval": "1h",
			"iterations":         3,
		})
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "interval_too_short", out["error"])
	})

	t.Run("schedule succeeds while delegated", func(t *testing.T) {
		status, _ := f.post(t, "/api/pools/"+addr+"/schedule", map[string]any{
			"caller":             f.org.String(),
			"task_id":            1,
			"execution_interval": "24h",
			"iterations":         3,
		})
		require.Equal(t, http.StatusOK, status)

		var view map[string]any
		require.Equal(t, http.StatusOK, f.get(t, "/api/pools/"+addr, &view))
		require.Equal(t, true, view["is_crank_scheduled"])
		require.NotNil(t, view["task"])
	})

	t.Run("undelegate clears the schedule", func(t *testing.T) {
		status, out := f.post(t, "/api/pools/"+addr+"/undelegate", map[string]any{
			"caller": f.admin.String(),
		})
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "settled", out["delegation"])

		var view map[string]any
		require.Equal(t, http.StatusOK, f.get(t, "/api/pools/"+addr, &view))
		require.Equal(t, false, view["is_crank_scheduled"])
		require.Nil(t, view["task"])
	})
}

func TestRefi_Vault_Server_ErrorMapping(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	t.Run("unknown pool is 404", func(t *testing.T) {
		missing := solana.NewWallet().PublicKey().String()
		var out map[string]any
		status := f.get(t, "/api/pools/"+missing, &out)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "pool_not_found", out["error"])
	})

	t.Run("bad address is 400", func(t *testing.T) {
		var out map[string]any
		status := f.get(t, "/api/pools/not-base58", &out)
		require.Equal(t, http.StatusBadRequest, status)
		require.Equal(t, "invalid_public_key", out["error"])
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		addr := f.createPool(t, 9)
		resp, err := http.Post(
			f.ts.URL+fmt.Sprintf("/api/pools/%s/deposit", addr),
			"application/json",
			bytes.NewReader([]byte("{")),
		)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
