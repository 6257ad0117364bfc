package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/yieldvault/deposit-monitor/internal/models"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

// listDepositsHandler lists ledger rows, newest first
func (s *HTTPServer) listDepositsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DepositFilter{Limit: 50}

	if wallet := q.Get("wallet"); wallet != "" {
		if !utils.IsValidAddress(wallet) {
			s.writeError(w, http.StatusBadRequest, "Invalid wallet address", nil)
			return
		}
		filter.WalletAddress = &wallet
	}
	if userID := q.Get("user_id"); userID != "" {
		filter.UserID = &userID
	}

	for _, p := range []struct {
		name string
		dest **uint64
	}{
		{"from_block", &filter.FromBlock},
		{"to_block", &filter.ToBlock},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid "+p.name, err)
			return
		}
		*p.dest = &v
	}

	var err error
	if filter.Limit, err = intParam(r, "limit", filter.Limit); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	if filter.Offset, err = intParam(r, "offset", 0); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	deposits, err := s.storage.ListDeposits(r.Context(), filter)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to retrieve deposits", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deposits": deposits,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
		"total":    len(deposits),
	})
}

// depositStatsHandler aggregates the ledger, optionally for one wallet
func (s *HTTPServer) depositStatsHandler(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet != "" && !utils.IsValidAddress(wallet) {
		s.writeError(w, http.StatusBadRequest, "Invalid wallet address", nil)
		return
	}

	stats, err := s.storage.GetDepositStats(r.Context(), wallet)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to retrieve deposit stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// verifyDepositHandler checks a deposit transaction on chain
func (s *HTTPServer) verifyDepositHandler(w http.ResponseWriter, r *http.Request) {
	tx := mux.Vars(r)["tx"]
	wallet := r.URL.Query().Get("wallet")
	if !utils.IsValidAddress(wallet) {
		s.writeError(w, http.StatusBadRequest, "A valid wallet query parameter is required", nil)
		return
	}

	verification, err := s.contract.VerifyDeposit(r.Context(), tx, wallet)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to verify deposit", err)
		return
	}
	s.writeJSON(w, http.StatusOK, verification)
}

// reorgHistoryHandler lists recent reorg rollbacks for the watched contract
func (s *HTTPServer) reorgHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	contract := s.contract.Info().ContractAddress
	events, err := s.storage.GetReorgHistory(r.Context(), contract, limit)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to retrieve reorg history", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"contract_address": contract,
		"reorgs":           events,
		"total":            len(events),
	})
}

// contractHandler describes the watched contract and, given a wallet, reads
// its on-chain deposit totals
func (s *HTTPServer) contractHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"contract":  s.contract.Info(),
		"timestamp": time.Now().UTC(),
	}

	if wallet := r.URL.Query().Get("wallet"); wallet != "" {
		if !utils.IsValidAddress(wallet) {
			s.writeError(w, http.StatusBadRequest, "Invalid wallet address", nil)
			return
		}

		total, err := s.contract.TotalDeposited(r.Context(), wallet)
		if err != nil {
			s.writeError(w, statusFor(err), "Failed to read total deposited", err)
			return
		}
		count, err := s.contract.DepositCount(r.Context(), wallet)
		if err != nil {
			s.writeError(w, statusFor(err), "Failed to read deposit count", err)
			return
		}

		resp["wallet"] = map[string]interface{}{
			"address":         utils.NormalizeAddress(wallet),
			"total_deposited": total,
			"deposit_count":   count,
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
