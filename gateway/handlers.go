package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/common"
	"tranchex/native/coordinator"
	"tranchex/native/tranche"
)

const requestLimit = 1 << 20 // 1 MiB

type epochResponse struct {
	CurrentEpoch          uint64          `json:"currentEpoch"`
	LastEpochClosed       int64           `json:"lastEpochClosed"`
	LastEpochExecuted     uint64          `json:"lastEpochExecuted"`
	SubmissionPeriod      bool            `json:"submissionPeriod"`
	PoolClosing           bool            `json:"poolClosing"`
	NAV                   string          `json:"nav"`
	Reserve               string          `json:"reserve"`
	SeniorAsset           string          `json:"seniorAsset"`
	SeniorTokenPrice      string          `json:"seniorTokenPrice"`
	JuniorTokenPrice      string          `json:"juniorTokenPrice"`
	Order                 *submissionJSON `json:"order,omitempty"`
	MinChallengePeriodEnd int64           `json:"minChallengePeriodEnd,omitempty"`
}

type submissionJSON struct {
	SeniorRedeem string `json:"seniorRedeem"`
	JuniorRedeem string `json:"juniorRedeem"`
	SeniorSupply string `json:"seniorSupply"`
	JuniorSupply string `json:"juniorSupply"`
}

type submitResponse struct {
	Result      int    `json:"result"`
	Description string `json:"description"`
}

type orderRequest struct {
	Investor string `json:"investor"`
	Amount   string `json:"amount"`
}

type disburseRequest struct {
	Investor string `json:"investor"`
	EndEpoch uint64 `json:"endEpoch,omitempty"`
}

type disbursementJSON struct {
	PayoutCurrency          string `json:"payoutCurrency"`
	PayoutToken             string `json:"payoutToken"`
	RemainingSupplyCurrency string `json:"remainingSupplyCurrency"`
	RemainingRedeemToken    string `json:"remainingRedeemToken"`
}

type trancheResponse struct {
	Class             string `json:"class"`
	Escrow            string `json:"escrow"`
	TotalSupply       string `json:"totalSupply"`
	TotalRedeem       string `json:"totalRedeem"`
	TokenSupply       string `json:"tokenSupply"`
	LastEpochExecuted uint64 `json:"lastEpochExecuted"`
	WaitingForUpdate  bool   `json:"waitingForUpdate"`
}

type orderResponse struct {
	Investor       string `json:"investor"`
	OrderedInEpoch uint64 `json:"orderedInEpoch"`
	SupplyCurrency string `json:"supplyCurrency"`
	RedeemToken    string `json:"redeemToken"`
}

type accountResponse struct {
	Address         string `json:"address"`
	BalanceCurrency string `json:"balanceCurrency"`
	BalanceSenior   string `json:"balanceSenior"`
	BalanceJunior   string `json:"balanceJunior"`
}

func (s *Server) getEpoch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st, err := s.coordinator.State()
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epochStateJSON(st))
}

func (s *Server) getBestSubmission(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st, err := s.coordinator.State()
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if st.BestSubmission == nil {
		writeError(w, http.StatusNotFound, "no submission recorded")
		return
	}
	resp := struct {
		Submission *submissionJSON `json:"submission"`
		Score      string          `json:"score"`
		Feasible   bool            `json:"feasible"`
	}{
		Submission: encodeSubmission(st.BestSubmission),
		Score:      decOrZero(st.BestSubScore),
		Feasible:   st.GotFullValidSolution,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) closeEpoch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	err := s.coordinator.CloseEpoch()
	var st *coordinator.State
	if err == nil {
		st, err = s.coordinator.State()
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.epochsClosed.Inc()
	writeJSON(w, http.StatusOK, epochStateJSON(st))
}

func (s *Server) submitSolution(w http.ResponseWriter, r *http.Request) {
	sub, ok := decodeSubmission(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	result, err := s.coordinator.SubmitSolution(sub)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.submissions.WithLabelValues(result.String()).Inc()
	writeJSON(w, http.StatusOK, submitResponse{Result: int(result), Description: result.String()})
}

func (s *Server) validateSolution(w http.ResponseWriter, r *http.Request) {
	sub, ok := decodeSubmission(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	result, err := s.coordinator.ValidateSolution(sub)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Result: int(result), Description: result.String()})
}

func (s *Server) executeEpoch(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	err := s.coordinator.ExecuteEpoch()
	var st *coordinator.State
	if err == nil {
		st, err = s.coordinator.State()
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.metrics.epochsExecuted.Inc()
	writeJSON(w, http.StatusOK, epochStateJSON(st))
}

func (s *Server) getTranche(w http.ResponseWriter, r *http.Request) {
	t, ok := s.trancheFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tranche class")
		return
	}
	s.mu.Lock()
	meta, err := s.ledger.GetMeta(t.Class())
	var supply *uint256.Int
	if err == nil {
		supply, err = s.ledger.TokenSupply(t.Class().Token())
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if meta == nil {
		meta = &tranche.Meta{}
	}
	meta = meta.Normalize()
	writeJSON(w, http.StatusOK, trancheResponse{
		Class:             t.Class().String(),
		Escrow:            t.Escrow().String(),
		TotalSupply:       meta.TotalSupply.Dec(),
		TotalRedeem:       meta.TotalRedeem.Dec(),
		TokenSupply:       decOrZero(supply),
		LastEpochExecuted: meta.LastEpochExecuted,
		WaitingForUpdate:  meta.WaitingForUpdate,
	})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	t, ok := s.trancheFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tranche class")
		return
	}
	investor, err := crypto.DecodeAddress(chi.URLParam(r, "investor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	order, err := s.ledger.GetOrder(t.Class(), investor)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if order == nil {
		order = &tranche.Order{Investor: investor}
	}
	order = order.Normalize()
	writeJSON(w, http.StatusOK, orderResponse{
		Investor:       order.Investor.String(),
		OrderedInEpoch: order.OrderedInEpoch,
		SupplyCurrency: order.SupplyCurrency.Dec(),
		RedeemToken:    order.RedeemToken.Dec(),
	})
}

func (s *Server) supplyOrder(w http.ResponseWriter, r *http.Request) {
	s.placeOrder(w, r, func(t *tranche.Tranche, investor crypto.Address, amount *uint256.Int) error {
		return t.SupplyOrder(investor, amount)
	})
}

func (s *Server) redeemOrder(w http.ResponseWriter, r *http.Request) {
	s.placeOrder(w, r, func(t *tranche.Tranche, investor crypto.Address, amount *uint256.Int) error {
		return t.RedeemOrder(investor, amount)
	})
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request, place func(*tranche.Tranche, crypto.Address, *uint256.Int) error) {
	t, ok := s.trancheFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tranche class")
		return
	}
	var req orderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	investor, err := crypto.DecodeAddress(req.Investor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	err = place(t, investor, amount)
	var order *tranche.Order
	if err == nil {
		order, err = s.ledger.GetOrder(t.Class(), investor)
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	order = order.Normalize()
	writeJSON(w, http.StatusOK, orderResponse{
		Investor:       order.Investor.String(),
		OrderedInEpoch: order.OrderedInEpoch,
		SupplyCurrency: order.SupplyCurrency.Dec(),
		RedeemToken:    order.RedeemToken.Dec(),
	})
}

func (s *Server) disburse(w http.ResponseWriter, r *http.Request) {
	t, ok := s.trancheFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tranche class")
		return
	}
	var req disburseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	investor, err := crypto.DecodeAddress(req.Investor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	var result tranche.Disbursement
	if req.EndEpoch > 0 {
		result, err = t.DisburseUntil(investor, req.EndEpoch)
	} else {
		result, err = t.Disburse(investor)
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeDisbursement(result))
}

func (s *Server) previewDisburse(w http.ResponseWriter, r *http.Request) {
	t, ok := s.trancheFor(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tranche class")
		return
	}
	investor, err := crypto.DecodeAddress(chi.URLParam(r, "investor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	result, err := t.CalcDisburse(investor)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeDisbursement(result))
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	account, err := s.ledger.GetAccount(addr)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if account == nil {
		account = types.NewAccount()
	}
	account = account.Normalize()
	writeJSON(w, http.StatusOK, accountResponse{
		Address:         addr.String(),
		BalanceCurrency: account.BalanceCurrency.Dec(),
		BalanceSenior:   account.BalanceSenior.Dec(),
		BalanceJunior:   account.BalanceJunior.Dec(),
	})
}

func epochStateJSON(st *coordinator.State) epochResponse {
	resp := epochResponse{
		CurrentEpoch:          st.CurrentEpoch,
		LastEpochClosed:       st.LastEpochClosed,
		LastEpochExecuted:     st.LastEpochExecuted,
		SubmissionPeriod:      st.SubmissionPeriod,
		PoolClosing:           st.PoolClosing,
		NAV:                   decOrZero(st.EpochNAV),
		Reserve:               decOrZero(st.EpochReserve),
		SeniorAsset:           decOrZero(st.EpochSeniorAsset),
		SeniorTokenPrice:      decOrZero(st.EpochSeniorTokenPrice),
		JuniorTokenPrice:      decOrZero(st.EpochJuniorTokenPrice),
		MinChallengePeriodEnd: st.MinChallengePeriodEnd,
	}
	if st.Order != nil {
		order := st.Order.Normalize()
		resp.Order = &submissionJSON{
			SeniorRedeem: order.SeniorRedeem.Dec(),
			JuniorRedeem: order.JuniorRedeem.Dec(),
			SeniorSupply: order.SeniorSupply.Dec(),
			JuniorSupply: order.JuniorSupply.Dec(),
		}
	}
	return resp
}

func encodeSubmission(sub *coordinator.Submission) *submissionJSON {
	sub = sub.Clone().Normalize()
	return &submissionJSON{
		SeniorRedeem: sub.SeniorRedeem.Dec(),
		JuniorRedeem: sub.JuniorRedeem.Dec(),
		SeniorSupply: sub.SeniorSupply.Dec(),
		JuniorSupply: sub.JuniorSupply.Dec(),
	}
}

func decodeSubmission(w http.ResponseWriter, r *http.Request) (*coordinator.Submission, bool) {
	var req submissionJSON
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	sub := &coordinator.Submission{}
	fields := []struct {
		value string
		dst   **uint256.Int
	}{
		{req.SeniorRedeem, &sub.SeniorRedeem},
		{req.JuniorRedeem, &sub.JuniorRedeem},
		{req.SeniorSupply, &sub.SeniorSupply},
		{req.JuniorSupply, &sub.JuniorSupply},
	}
	for _, f := range fields {
		if f.value == "" {
			*f.dst = uint256.NewInt(0)
			continue
		}
		amount, err := uint256.FromDecimal(f.value)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		*f.dst = amount
	}
	return sub, true
}

func encodeDisbursement(d tranche.Disbursement) disbursementJSON {
	return disbursementJSON{
		PayoutCurrency:          decOrZero(d.PayoutCurrency),
		PayoutToken:             decOrZero(d.PayoutToken),
		RemainingSupplyCurrency: decOrZero(d.RemainingSupplyCurrency),
		RemainingRedeemToken:    decOrZero(d.RemainingRedeemToken),
	}
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, common.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, common.ErrModulePaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, tranche.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, tranche.ErrPendingDisbursement),
		errors.Is(err, tranche.ErrEpochClosed),
		errors.Is(err, coordinator.ErrEpochNotClosable),
		errors.Is(err, coordinator.ErrInSubmissionPeriod),
		errors.Is(err, coordinator.ErrNoSubmissionPeriod),
		errors.Is(err, coordinator.ErrNoSubmission),
		errors.Is(err, coordinator.ErrChallengePeriod):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}
