package rpc

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"nhbescrow/core/state"
	"nhbescrow/core/types"
	"nhbescrow/crypto"
	"nhbescrow/indexer"
	"nhbescrow/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
	codeEscrowValueMismatch = -32026
)

type escrowCreateParams struct {
	Payer    string `json:"payer"`
	Payee    string `json:"payee"`
	Amount   string `json:"amount"`
	Deadline uint64 `json:"deadline"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowFundParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Value  string `json:"value"`
}

type escrowListEventsParams struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit"`
}

type escrowPartyParams struct {
	Party string `json:"party"`
}

type escrowCreateResult struct {
	ID string `json:"id"`
}

type escrowFundResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type escrowCustodyResult struct {
	Custody string `json:"custody"`
}

type escrowEventsResult struct {
	Events []*types.Event `json:"events"`
	Head   uint64         `json:"head"`
}

type escrowPartyResult struct {
	Deals []escrowRowJSON `json:"deals"`
}

type escrowJSON struct {
	ID        string `json:"id"`
	Payer     string `json:"payer"`
	Payee     string `json:"payee"`
	Amount    string `json:"amount"`
	Deadline  uint64 `json:"deadline"`
	CreatedAt int64  `json:"createdAt"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Status    string `json:"status"`
}

type escrowRowJSON struct {
	ID         string `json:"id"`
	Payer      string `json:"payer"`
	Payee      string `json:"payee"`
	Amount     string `json:"amount"`
	Deadline   uint64 `json:"deadline"`
	Status     string `json:"status"`
	CreatedSeq uint64 `json:"createdSeq"`
	FundedSeq  uint64 `json:"fundedSeq,omitempty"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowCreateParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	payer, err := parseParty("payer", params.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	payee, err := parseParty("payee", params.Payee)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := s.escrow.Create(payer, payee, amount, params.Deadline)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("escrow created", "escrow_id", escrow.FormatID(id), "request_id", RequestIDFromContext(r.Context()))
	writeResult(w, req.ID, escrowCreateResult{ID: escrow.FormatID(id)})
}

func (s *Server) handleEscrowFund(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowFundParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	id, err := escrow.ParseID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseParty("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if s.auth.enabled() {
		proven, authErr := s.auth.authenticatedCaller(r)
		if authErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		if proven != caller {
			writeError(w, http.StatusUnauthorized, req.ID, codeUnauthorized, "unauthenticated", "token subject does not match caller")
			return
		}
	}
	// Value equality is left to the engine so its check order holds.
	value, err := parseValue(params.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.escrow.Fund(id, value, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.Info("escrow funded", "escrow_id", escrow.FormatID(id), "request_id", RequestIDFromContext(r.Context()))
	writeResult(w, req.ID, escrowFundResult{ID: escrow.FormatID(id), Status: escrow.StatusFunded.String()})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	id, err := escrow.ParseID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	deal, err := s.escrow.Get(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(deal))
}

func (s *Server) handleEscrowCustody(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) > 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	custody, err := s.escrow.Custody()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowCustodyResult{Custody: custody.String()})
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowListEventsParams
	if len(req.Params) > 0 {
		if rpcErr := singleParam(req, &params); rpcErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
	}
	if params.Limit < 0 || params.Limit > state.MaxEventPage {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", fmt.Sprintf("limit must be between 0 and %d", state.MaxEventPage))
		return
	}
	head, err := s.journal.EscrowEventHead()
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	list, err := s.journal.EscrowEvents(params.From, params.Limit)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowEventsResult{Events: list, Head: head})
}

func (s *Server) handleEscrowListByParty(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.index == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, "indexer disabled", nil)
		return
	}
	var params escrowPartyParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	party, err := parseParty("party", params.Party)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	rows, err := s.index.ListByParty(r.Context(), party)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	result := escrowPartyResult{Deals: make([]escrowRowJSON, 0, len(rows))}
	for _, row := range rows {
		result.Deals = append(result.Deals, formatRowJSON(row))
	}
	writeResult(w, req.ID, result)
}

func parseParty(field, value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, fmt.Errorf("%s required", field)
	}
	addr, err := crypto.ParseIdentity(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

// parseAmount accepts a non-negative decimal integer. Zero is left for the
// engine to reject so the error kind stays consistent.
func parseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

// parseValue parses the attached value. An empty value attaches nothing.
func parseValue(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid value")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("value must not be negative")
	}
	return amount, nil
}

func formatEscrowJSON(deal *escrow.Deal) escrowJSON {
	return escrowJSON{
		ID:        escrow.FormatID(deal.ID),
		Payer:     crypto.FormatIdentity(deal.Payer),
		Payee:     crypto.FormatIdentity(deal.Payee),
		Amount:    deal.Amount.String(),
		Deadline:  deal.Deadline,
		CreatedAt: deal.CreatedAt,
		Nonce:     deal.Nonce,
		Status:    deal.Status.String(),
	}
}

func formatRowJSON(row indexer.DealRow) escrowRowJSON {
	return escrowRowJSON{
		ID:         row.ID,
		Payer:      row.Payer,
		Payee:      row.Payee,
		Amount:     row.Amount,
		Deadline:   row.DeadlineUnix(),
		Status:     row.Status,
		CreatedSeq: row.CreatedSeq,
		FundedSeq:  row.FundedSeq,
	}
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, escrow.ErrInvalidArgument):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrConflict):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "invalid_state"
	case errors.Is(err, escrow.ErrValueMismatch):
		status = http.StatusBadRequest
		code = codeEscrowValueMismatch
		message = "value_mismatch"
	}
	writeError(w, status, id, code, message, data)
}
