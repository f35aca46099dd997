package server

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"github.com/atharvalabs/refi/vault/pkg/engine"
	"github.com/atharvalabs/refi/vault/pkg/pool"
	"github.com/atharvalabs/refi/vault/pkg/store"
)

// poolView is the JSON shape of one pool's state.
type poolView struct {
	Address              string            `json:"address"`
	PoolVaultAddress     string            `json:"pool_vault_address"`
	OrgVaultAddress      string            `json:"org_vault_address"`
	ShareMintAddress     string            `json:"share_mint_address"`
	MsolVaultAddress     string            `json:"msol_vault_address"`
	Organization         string            `json:"organization"`
	OrganizationName     string            `json:"organization_name"`
	SpeciesName          string            `json:"species_name"`
	SpeciesID            string            `json:"species_id"`
	IsActive             bool              `json:"is_active"`
	IsCrankScheduled     bool              `json:"is_crank_scheduled"`
	TotalDeposits        uint64            `json:"total_deposits"`
	TotalShares          uint64            `json:"total_shares"`
	OrganizationYieldBps uint16            `json:"organization_yield_bps"`
	LastStreamedVaultSol uint64            `json:"last_streamed_vault_sol"`
	LastStreamTS         *time.Time        `json:"last_stream_ts,omitempty"`
	Delegation           string            `json:"delegation"`
	PoolVaultLamports    uint64            `json:"pool_vault_lamports"`
	PoolMsol             uint64            `json:"pool_msol"`
	OrgVaultLamports     uint64            `json:"org_vault_lamports"`
	Shares               map[string]uint64 `json:"shares"`
	Task                 *taskView         `json:"task,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
}

type taskView struct {
	TaskID              uint64    `json:"task_id"`
	ExecutionInterval   string    `json:"execution_interval"`
	RemainingIterations uint64    `json:"remaining_iterations"`
	NextRunAt           time.Time `json:"next_run_at"`
}

type streamEventView struct {
	EventID       string    `json:"event_id"`
	TotalYield    uint64    `json:"total_yield"`
	OrgAmount     uint64    `json:"org_amount"`
	PoolAmount    uint64    `json:"pool_amount"`
	VaultSolAfter uint64    `json:"vault_sol_after"`
	Automated     bool      `json:"automated"`
	Timestamp     time.Time `json:"timestamp"`
}

func viewOf(st *store.State) poolView {
	p := st.Pool
	shares := make(map[string]uint64, len(st.Shares))
	for owner, amount := range st.Shares {
		shares[owner.String()] = amount
	}
	v := poolView{
		Address:              p.Addresses.Pool.String(),
		PoolVaultAddress:     p.Addresses.PoolVault.String(),
		OrgVaultAddress:      p.Addresses.OrgVault.String(),
		ShareMintAddress:     p.Addresses.ShareMint.String(),
		MsolVaultAddress:     p.Addresses.MsolVault.String(),
		Organization:         p.Organization.String(),
		OrganizationName:     p.OrganizationName,
		SpeciesName:          p.SpeciesName,
		SpeciesID:            hex.EncodeToString(p.SpeciesID.Bytes()),
		IsActive:             p.IsActive,
		IsCrankScheduled:     p.IsCrankScheduled,
		TotalDeposits:        p.TotalDeposits,
		TotalShares:          p.TotalShares,
		OrganizationYieldBps: p.OrganizationYieldBps,
		LastStreamedVaultSol: p.LastStreamedVaultSol,
		Delegation:           string(p.Delegation),
		PoolVaultLamports:    st.Balances.PoolVaultLamports,
		PoolMsol:             st.Balances.PoolMsol,
		OrgVaultLamports:     st.Balances.OrgVaultLamports,
		Shares:               shares,
		CreatedAt:            p.CreatedAt,
	}
	if !p.LastStreamTS.IsZero() {
		ts := p.LastStreamTS
		v.LastStreamTS = &ts
	}
	if st.Task != nil {
		v.Task = &taskView{
			TaskID:              st.Task.TaskID,
			ExecutionInterval:   st.Task.ExecutionInterval.String(),
			RemainingIterations: st.Task.RemainingIterations,
			NextRunAt:           st.Task.NextRunAt,
		}
	}
	return v
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller           string `json:"caller"`
		Organization     string `json:"organization"`
		OrganizationName string `json:"organization_name"`
		SpeciesName      string `json:"species_name"`
		SpeciesID        string `json:"species_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}
	organization, ok := s.parseKey(w, "organization", req.Organization)
	if !ok {
		return
	}
	speciesID, ok := s.parseSpeciesID(w, req.SpeciesID)
	if !ok {
		return
	}

	rec, err := s.cfg.Engine.CreatePool(r.Context(), caller, engine.CreatePoolParams{
		Organization:     organization,
		OrganizationName: req.OrganizationName,
		SpeciesName:      req.SpeciesName,
		SpeciesID:        speciesID,
	})
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"address": rec.Addresses.Pool.String()})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	states, err := s.cfg.Engine.Pools(r.Context())
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	views := make([]poolView, 0, len(states))
	for _, st := range states {
		views = append(views, viewOf(st))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	st, err := s.cfg.Engine.Pool(r.Context(), addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.cfg.Engine.StreamEvents(r.Context(), addr, limit)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	views := make([]streamEventView, 0, len(events))
	for _, ev := range events {
		views = append(views, streamEventView{
			EventID:       ev.EventID,
			TotalYield:    ev.TotalYield,
			OrgAmount:     ev.OrgAmount,
			PoolAmount:    ev.PoolAmount,
			VaultSolAfter: ev.VaultSolAfter,
			Automated:     ev.Automated,
			Timestamp:     ev.Timestamp,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		Lamports uint64 `json:"lamports"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}

	res, err := s.cfg.Engine.Deposit(r.Context(), caller, addr, req.Lamports)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{
		"shares_issued":  res.SharesIssued,
		"total_deposits": res.TotalDeposits,
		"total_shares":   res.TotalShares,
	})
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Lamports uint64 `json:"lamports"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.cfg.Engine.Stake(r.Context(), addr, req.Lamports)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"msol_received": res.MsolReceived})
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Msol uint64 `json:"msol"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.cfg.Engine.Unstake(r.Context(), addr, req.Msol)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"lamports_received": res.LamportsReceived})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	res, err := s.cfg.Engine.Stream(r.Context(), addr)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"streamed":      res.Streamed,
		"total_yield":   res.TotalYield,
		"org_amount":    res.OrgAmount,
		"pool_amount":   res.PoolAmount,
		"current_value": res.CurrentValue,
	})
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}

	if err := s.cfg.Engine.Delegate(r.Context(), caller, addr); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"delegation": string(pool.Delegated)})
}

func (s *Server) handleUndelegate(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}

	if err := s.cfg.Engine.Undelegate(r.Context(), caller, addr); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"delegation": string(pool.Settled)})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller            string `json:"caller"`
		TaskID            uint64 `json:"task_id"`
		ExecutionInterval string `json:"execution_interval"`
		Iterations        uint64 `json:"iterations"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}
	interval, err := time.ParseDuration(req.ExecutionInterval)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_interval",
			fmt.Sprintf("invalid execution_interval: %v", err))
		return
	}

	err = s.cfg.Engine.ScheduleStreams(r.Context(), caller, addr, engine.ScheduleStreamsParams{
		TaskID:            req.TaskID,
		ExecutionInterval: interval,
		Iterations:        req.Iterations,
	})
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": req.TaskID, "scheduled": true})
}

func (s *Server) handleOrganizationWithdraw(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		Lamports uint64 `json:"lamports"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}

	if err := s.cfg.Engine.OrganizationWithdraw(r.Context(), caller, addr, req.Lamports); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"lamports_withdrawn": req.Lamports})
}

func (s *Server) handleSupporterWithdraw(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller string `json:"caller"`
		Shares uint64 `json:"shares"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}

	res, err := s.cfg.Engine.SupporterWithdraw(r.Context(), caller, addr, req.Shares)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{
		"shares_burned":     res.SharesBurned,
		"lamports_received": res.LamportsReceived,
	})
}

func (s *Server) handleTransferShares(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.poolAddr(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller string `json:"caller"`
		To     string `json:"to"`
		Shares uint64 `json:"shares"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := s.parseKey(w, "caller", req.Caller)
	if !ok {
		return
	}
	to, ok := s.parseKey(w, "to", req.To)
	if !ok {
		return
	}

	if err := s.cfg.Engine.TransferShares(r.Context(), caller, addr, to, req.Shares); err != nil {
		s.writeOpError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"shares_transferred": req.Shares})
}

func (s *Server) poolAddr(w http.ResponseWriter, r *http.Request) (solana.PublicKey, bool) {
	return s.parseKey(w, "address", chi.URLParam(r, "address"))
}

func (s *Server) parseKey(w http.ResponseWriter, field, raw string) (solana.PublicKey, bool) {
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_public_key",
			fmt.Sprintf("invalid %s: %v", field, err))
		return solana.PublicKey{}, false
	}
	return pk, true
}

func (s *Server) parseSpeciesID(w http.ResponseWriter, raw string) (pool.SpeciesID, bool) {
	var id pool.SpeciesID
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != len(id) {
		s.writeError(w, http.StatusBadRequest, "invalid_species_id",
			"species_id must be 32 bytes hex-encoded")
		return pool.SpeciesID{}, false
	}
	copy(id[:], b)
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return false
	}
	return true
}

// statusFor maps stable operation error codes to HTTP status codes.
func statusFor(err error) int {
	switch pool.CodeOf(err) {
	case "create_pool_unauthorized", "unauthorized", "unauthorized_organization":
		return http.StatusForbidden
	case "pool_not_found":
		return http.StatusNotFound
	case "pool_exists":
		return http.StatusConflict
	case "invalid_amount", "string_too_long", "invalid_yield_bps",
		"interval_too_short", "invalid_iterations", "pool_not_active",
		"already_delegated", "not_delegated", "crank_already_scheduled":
		return http.StatusBadRequest
	case "pool_empty", "insufficient_funds", "insufficient_withdraw_funds", "insufficient_shares":
		return http.StatusUnprocessableEntity
	case "external_service":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("server: operation failed", "error", err)
	}
	s.writeError(w, status, pool.CodeOf(err), err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}
