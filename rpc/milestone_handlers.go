package rpc

import (
	"net/http"
)

type milestoneActionParams struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	Caller string `json:"caller"`
	Note   string `json:"note,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type disputeResolveParams struct {
	ID                string `json:"id"`
	Index             int    `json:"index"`
	Caller            string `json:"caller"`
	BeneficiaryAmount string `json:"beneficiaryAmount"`
	Reason            string `json:"reason,omitempty"`
}

func (s *Server) handleMilestoneSubmit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneTransition(w, r, req, func(id uint64, index int, params milestoneActionParams, caller [20]byte) error {
		return s.engine.Submit(id, index, params.Note, caller)
	})
}

func (s *Server) handleMilestoneApprove(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneTransition(w, r, req, func(id uint64, index int, _ milestoneActionParams, caller [20]byte) error {
		return s.engine.Approve(id, index, caller)
	})
}

func (s *Server) handleMilestoneReject(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneTransition(w, r, req, func(id uint64, index int, params milestoneActionParams, caller [20]byte) error {
		return s.engine.Reject(id, index, params.Reason, caller)
	})
}

func (s *Server) handleMilestoneResubmit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneTransition(w, r, req, func(id uint64, index int, params milestoneActionParams, caller [20]byte) error {
		return s.engine.Resubmit(id, index, params.Note, caller)
	})
}

func (s *Server) handleMilestoneDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMilestoneTransition(w, r, req, func(id uint64, index int, params milestoneActionParams, caller [20]byte) error {
		return s.engine.Dispute(id, index, params.Reason, caller)
	})
}

func (s *Server) handleMilestoneTransition(w http.ResponseWriter, _ *http.Request, req *RPCRequest, fn func(uint64, int, milestoneActionParams, [20]byte) error) {
	var params milestoneActionParams
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
	if err := fn(id, params.Index, params, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}

func (s *Server) handleDisputeResolve(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params disputeResolveParams
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
	payout, err := parseNonNegativeBigInt(params.BeneficiaryAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.Resolve(id, params.Index, payout, params.Reason, caller); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, "ok")
}
