package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"escrowd/native/escrow"
)

const (
	codeEscrowInvalidParams = -32021
	codeEscrowNotFound      = -32022
	codeEscrowForbidden     = -32023
	codeEscrowConflict      = -32024
	codeEscrowInternal      = -32025
	codeEscrowWindowClosed  = -32026
)

type escrowMilestoneSpec struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

type escrowCreateParams struct {
	Depositor             string                `json:"depositor"`
	Beneficiary           string                `json:"beneficiary,omitempty"`
	Unit                  string                `json:"unit"`
	Milestones            []escrowMilestoneSpec `json:"milestones"`
	FeeBps                uint32                `json:"feeBps"`
	Arbiters              []string              `json:"arbiters,omitempty"`
	RequiredConfirmations uint32                `json:"requiredConfirmations,omitempty"`
	Deadline              int64                 `json:"deadline"`
	Nonce                 uint64                `json:"nonce"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowAssignParams struct {
	ID          string `json:"id"`
	Beneficiary string `json:"beneficiary"`
	Caller      string `json:"caller"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type escrowMilestoneQueryParams struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

type escrowCreateResult struct {
	ID string `json:"id"`
}

type milestoneJSON struct {
	Index             int    `json:"index"`
	Description       string `json:"description"`
	Amount            string `json:"amount"`
	Status            string `json:"status"`
	SubmittedAt       int64  `json:"submittedAt,omitempty"`
	ApprovedAt        int64  `json:"approvedAt,omitempty"`
	RejectedAt        int64  `json:"rejectedAt,omitempty"`
	RejectReason      string `json:"rejectReason,omitempty"`
	DisputedAt        int64  `json:"disputedAt,omitempty"`
	DisputedBy        string `json:"disputedBy,omitempty"`
	DisputeReason     string `json:"disputeReason,omitempty"`
	ResolvedAt        int64  `json:"resolvedAt,omitempty"`
	ResolutionReason  string `json:"resolutionReason,omitempty"`
	Outcome           string `json:"outcome,omitempty"`
	BeneficiaryPayout string `json:"beneficiaryPayout,omitempty"`
}

type escrowJSON struct {
	ID                    string          `json:"id"`
	Depositor             string          `json:"depositor"`
	Beneficiary           *string         `json:"beneficiary,omitempty"`
	Unit                  string          `json:"unit"`
	TotalAmount           string          `json:"totalAmount"`
	PaidAmount            string          `json:"paidAmount"`
	PlatformFee           string          `json:"platformFee"`
	Arbiters              []string        `json:"arbiters,omitempty"`
	RequiredConfirmations uint32          `json:"requiredConfirmations,omitempty"`
	WorkStarted           bool            `json:"workStarted"`
	Deadline              int64           `json:"deadline"`
	CreatedAt             int64           `json:"createdAt"`
	Status                string          `json:"status"`
	Milestones            []milestoneJSON `json:"milestones"`
}

type escrowSummaryJSON struct {
	ID                string   `json:"id"`
	Depositor         string   `json:"depositor"`
	Beneficiary       *string  `json:"beneficiary,omitempty"`
	Unit              string   `json:"unit"`
	TotalAmount       string   `json:"totalAmount"`
	PaidAmount        string   `json:"paidAmount"`
	PlatformFee       string   `json:"platformFee"`
	WorkStarted       bool     `json:"workStarted"`
	Deadline          int64    `json:"deadline"`
	CreatedAt         int64    `json:"createdAt"`
	Status            string   `json:"status"`
	MilestoneStatuses []string `json:"milestoneStatuses"`
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	depositor, err := parseAddress(params.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	var beneficiary [20]byte
	if strings.TrimSpace(params.Beneficiary) != "" {
		beneficiary, err = parseAddress(params.Beneficiary)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	if len(params.Milestones) == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "at least one milestone required")
		return
	}
	milestones := make([]*escrow.Milestone, 0, len(params.Milestones))
	for i, spec := range params.Milestones {
		amount, parseErr := parsePositiveBigInt(spec.Amount)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", fmt.Sprintf("milestone %d: %v", i, parseErr))
			return
		}
		milestones = append(milestones, &escrow.Milestone{Description: spec.Description, Amount: amount})
	}
	arbiters := make([][20]byte, 0, len(params.Arbiters))
	for i, raw := range params.Arbiters {
		arbiter, parseErr := parseAddress(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", fmt.Sprintf("arbiter %d: %v", i, parseErr))
			return
		}
		arbiters = append(arbiters, arbiter)
	}
	if params.Nonce == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "nonce must be > 0")
		return
	}
	esc, err := s.engine.Create(escrow.CreateParams{
		Depositor:             depositor,
		Beneficiary:           beneficiary,
		Unit:                  params.Unit,
		Milestones:            milestones,
		FeeBps:                params.FeeBps,
		Arbiters:              arbiters,
		RequiredConfirmations: params.RequiredConfirmations,
		Deadline:              params.Deadline,
		Nonce:                 params.Nonce,
	})
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, escrowCreateResult{ID: formatEscrowID(esc.ID)})
}

func (s *Server) handleEscrowAssignBeneficiary(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowAssignParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	beneficiary, err := parseAddress(params.Beneficiary)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.AssignBeneficiary(id, beneficiary, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowStartWork(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowActorParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddress(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.StartWork(id, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	esc, err := s.engine.GetEscrow(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEscrowJSON(esc))
}

func (s *Server) handleEscrowGetMilestone(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowMilestoneQueryParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	ms, err := s.engine.GetMilestone(id, params.Index)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMilestoneJSON(params.Index, ms))
}

func (s *Server) handleEscrowSummary(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	summary, err := s.engine.GetSummary(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatSummaryJSON(summary))
}

type escrowListEventsParams struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type eventJSON struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowListEventsParams
	if len(req.Params) > 0 && !decodeSingleParam(w, req, &params) {
		return
	}
	var filterID string
	if strings.TrimSpace(params.ID) != "" {
		id, err := parseEscrowID(params.ID)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
		filterID = formatEscrowID(id)
	}
	out := make([]eventJSON, 0)
	if s.feed != nil {
		for _, evt := range s.feed.Events() {
			if filterID != "" && evt.Attributes["id"] != filterID {
				continue
			}
			out = append(out, eventJSON{Type: evt.Type, Attributes: evt.Attributes})
		}
	}
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[len(out)-params.Limit:]
	}
	writeResult(w, req.ID, out)
}

func decodeSingleParam(w http.ResponseWriter, req *RPCRequest, out interface{}) bool {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", "exactly one parameter object expected")
		return false
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return false
	}
	return true
}

func parseAddress(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 40 {
		return out, fmt.Errorf("address must be 20 bytes")
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
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

func parseEscrowID(id string) (uint64, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return 0, fmt.Errorf("id required")
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid escrow id %q", id)
	}
	if parsed == 0 {
		return 0, fmt.Errorf("id must be > 0")
	}
	return parsed, nil
}

func formatEscrowID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func formatAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func formatEscrowJSON(esc *escrow.Escrow) escrowJSON {
	var beneficiaryPtr *string
	if esc.HasBeneficiary() {
		beneficiary := formatAddress(esc.Beneficiary)
		beneficiaryPtr = &beneficiary
	}
	arbiters := make([]string, 0, len(esc.Arbiters))
	for _, arbiter := range esc.Arbiters {
		arbiters = append(arbiters, formatAddress(arbiter))
	}
	milestones := make([]milestoneJSON, 0, len(esc.Milestones))
	for i, ms := range esc.Milestones {
		milestones = append(milestones, formatMilestoneJSON(i, ms))
	}
	return escrowJSON{
		ID:                    formatEscrowID(esc.ID),
		Depositor:             formatAddress(esc.Depositor),
		Beneficiary:           beneficiaryPtr,
		Unit:                  esc.Unit,
		TotalAmount:           esc.TotalAmount.String(),
		PaidAmount:            esc.PaidAmount.String(),
		PlatformFee:           esc.PlatformFee.String(),
		Arbiters:              arbiters,
		RequiredConfirmations: esc.RequiredConfirmations,
		WorkStarted:           esc.WorkStarted,
		Deadline:              esc.Deadline,
		CreatedAt:             esc.CreatedAt,
		Status:                esc.Status.String(),
		Milestones:            milestones,
	}
}

func formatMilestoneJSON(index int, ms *escrow.Milestone) milestoneJSON {
	out := milestoneJSON{
		Index:            index,
		Description:      ms.Description,
		Amount:           ms.Amount.String(),
		Status:           ms.Status.String(),
		SubmittedAt:      ms.SubmittedAt,
		ApprovedAt:       ms.ApprovedAt,
		RejectedAt:       ms.RejectedAt,
		RejectReason:     ms.RejectReason,
		DisputedAt:       ms.DisputedAt,
		DisputeReason:    ms.DisputeReason,
		ResolvedAt:       ms.ResolvedAt,
		ResolutionReason: ms.ResolutionReason,
	}
	if ms.DisputedBy != ([20]byte{}) {
		out.DisputedBy = formatAddress(ms.DisputedBy)
	}
	if ms.ResolvedOutcome != escrow.OutcomeNone {
		out.Outcome = ms.ResolvedOutcome.String()
	}
	if ms.BeneficiaryPayout != nil {
		out.BeneficiaryPayout = ms.BeneficiaryPayout.String()
	}
	return out
}

func formatSummaryJSON(summary *escrow.Summary) escrowSummaryJSON {
	var beneficiaryPtr *string
	if summary.Beneficiary != ([20]byte{}) {
		beneficiary := formatAddress(summary.Beneficiary)
		beneficiaryPtr = &beneficiary
	}
	statuses := make([]string, 0, len(summary.MilestoneStatuses))
	for _, status := range summary.MilestoneStatuses {
		statuses = append(statuses, status.String())
	}
	return escrowSummaryJSON{
		ID:                formatEscrowID(summary.ID),
		Depositor:         formatAddress(summary.Depositor),
		Beneficiary:       beneficiaryPtr,
		Unit:              summary.Unit,
		TotalAmount:       summary.TotalAmount.String(),
		PaidAmount:        summary.PaidAmount.String(),
		PlatformFee:       summary.PlatformFee.String(),
		WorkStarted:       summary.WorkStarted,
		Deadline:          summary.Deadline,
		CreatedAt:         summary.CreatedAt,
		Status:            summary.Status.String(),
		MilestoneStatuses: statuses,
	}
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeEscrowInternal
	message := "internal_error"
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeEscrowNotFound
		message = "not_found"
	case errors.Is(err, escrow.ErrNotAuthorized):
		status = http.StatusForbidden
		code = codeEscrowForbidden
		message = "forbidden"
	case errors.Is(err, escrow.ErrWindowExpired):
		status = http.StatusConflict
		code = codeEscrowWindowClosed
		message = "window_expired"
	case errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrReentrant):
		status = http.StatusConflict
		code = codeEscrowConflict
		message = "conflict"
	case errors.Is(err, escrow.ErrInvalidAllocation):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_allocation"
	case errors.Is(err, escrow.ErrTransferFailed):
		status = http.StatusInternalServerError
		code = codeEscrowInternal
		message = "transfer_failed"
	case strings.HasPrefix(err.Error(), "escrow: "):
		status = http.StatusBadRequest
		code = codeEscrowInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
