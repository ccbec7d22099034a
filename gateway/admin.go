package gateway

import (
	"net/http"

	"github.com/holiman/uint256"

	"tranchex/core/types"
	"tranchex/crypto"
	"tranchex/native/fixedmath"
)

type valueRequest struct {
	Value string `json:"value"`
}

type boundsRequest struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

type fundRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

// setNAV points the static feed at a new portfolio valuation. The value
// is a plain currency amount, not a ray.
func (s *Server) setNAV(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	nav, err := uint256.FromDecimal(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.feed == nil {
		writeError(w, http.StatusConflict, "no static feed configured")
		return
	}
	s.mu.Lock()
	err = s.feed.SetNAV(s.adminCaller(), nav)
	if err == nil {
		err = s.ledger.Flush()
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nav": nav.Dec()})
}

func (s *Server) setMaxReserve(w http.ResponseWriter, r *http.Request) {
	var req valueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	max, err := uint256.FromDecimal(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	err = s.assessor.SetMaxReserve(s.adminCaller(), max)
	if err == nil {
		err = s.ledger.Flush()
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"maxReserve": max.Dec()})
}

// setRatioBounds takes the bounds as decimal ratios, for example
// {"min": "0.1", "max": "0.85"}.
func (s *Server) setRatioBounds(w http.ResponseWriter, r *http.Request) {
	var req boundsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	minRatio, err := fixedmath.FromDecimal(req.Min)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxRatio, err := fixedmath.FromDecimal(req.Max)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	err = s.assessor.SetSeniorRatioBounds(s.adminCaller(), minRatio, maxRatio)
	if err == nil {
		err = s.ledger.Flush()
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"min": minRatio.Dec(), "max": maxRatio.Dec()})
}

// fundAccount credits settlement currency to an investor account. It
// stands in for the stablecoin bridge that moves deposits on chain.
func (s *Server) fundAccount(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	addr, err := crypto.DecodeAddress(req.Address)
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
	account, err := s.creditCurrency(addr, amount)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		Address:         addr.String(),
		BalanceCurrency: account.BalanceCurrency.Dec(),
		BalanceSenior:   account.BalanceSenior.Dec(),
		BalanceJunior:   account.BalanceJunior.Dec(),
	})
}

// setPaused halts or resumes a module's mutating entry points. The flag
// persists in the ledger so a pause survives restarts.
func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Module {
	case "tranche", "coordinator":
	default:
		writeError(w, http.StatusBadRequest, "unknown module "+req.Module)
		return
	}
	s.mu.Lock()
	err := s.ledger.SetPaused(req.Module, req.Paused)
	if err == nil {
		err = s.ledger.Flush()
	}
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{req.Module: req.Paused})
}

// creditCurrency mints currency into an account and grows the tracked
// token supply to match. Callers hold s.mu.
func (s *Server) creditCurrency(addr crypto.Address, amount *uint256.Int) (*types.Account, error) {
	account, err := s.ledger.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account = types.NewAccount()
	}
	account = account.Normalize()
	balance, err := fixedmath.SafeAdd(account.Balance(types.TokenCurrency), amount)
	if err != nil {
		return nil, err
	}
	account.SetBalance(types.TokenCurrency, balance)
	supply, err := s.ledger.TokenSupply(types.TokenCurrency)
	if err != nil {
		return nil, err
	}
	supply, err = fixedmath.SafeAdd(supply, amount)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.PutAccount(addr, account); err != nil {
		return nil, err
	}
	if err := s.ledger.PutTokenSupply(types.TokenCurrency, supply); err != nil {
		return nil, err
	}
	if err := s.ledger.Flush(); err != nil {
		return nil, err
	}
	return account, nil
}
