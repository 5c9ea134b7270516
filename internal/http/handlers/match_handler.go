// README: Matching handlers for single and batch requests.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"homematch/internal/modules/contractor"
	"homematch/internal/modules/matching"
)

const maxBatchRequests = 200

type MatchHandler struct {
	matching *matching.Service
	quota    TriageQuota
}

// NewMatchHandler takes an optional triage quota.
func NewMatchHandler(svc *matching.Service, quota TriageQuota) *MatchHandler {
	return &MatchHandler{matching: svc, quota: quota}
}

// matchReq matches against the registry, or against Contractors when given.
type matchReq struct {
	Request     matching.ServiceRequest `json:"request"`
	Limit       int                     `json:"limit"`
	Contractors []contractor.Profile    `json:"contractors,omitempty"`
}

type batchReq struct {
	Requests    []matching.ServiceRequest `json:"requests"`
	Limit       int                       `json:"limit"`
	Contractors []contractor.Profile      `json:"contractors,omitempty"`
}

func (h *MatchHandler) Match(c *gin.Context) {
	var req matchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Request.ID != "" && !isValidID(string(req.Request.ID)) {
		writeError(c, http.StatusBadRequest, "invalid request id")
		return
	}
	charge, ok := chargeTriage(c, h.matching, h.quota, req.Request)
	if !ok {
		return
	}

	var (
		out matching.Outcome
		err error
	)
	if req.Contractors != nil {
		out, err = h.matching.MatchWith(c.Request.Context(), req.Request, req.Contractors, req.Limit)
	} else {
		out, err = h.matching.Match(c.Request.Context(), req.Request, req.Limit)
	}
	if err != nil {
		charge.refundAll(c)
		writeMatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

func (h *MatchHandler) Batch(c *gin.Context) {
	var req batchReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.Requests) == 0 {
		writeError(c, http.StatusBadRequest, "missing requests")
		return
	}
	if len(req.Requests) > maxBatchRequests {
		writeError(c, http.StatusRequestEntityTooLarge, "too many requests in batch")
		return
	}
	charge, ok := chargeTriage(c, h.matching, h.quota, req.Requests...)
	if !ok {
		return
	}

	var (
		results []matching.BatchResult
		err     error
	)
	if req.Contractors != nil {
		results, err = h.matching.MatchBatchWith(c.Request.Context(), req.Requests, req.Contractors, req.Limit)
	} else {
		results, err = h.matching.MatchBatch(c.Request.Context(), req.Requests, req.Limit)
	}
	if err != nil {
		charge.refundAll(c)
		writeMatchError(c, err)
		return
	}
	charge.refund(c, func(i int) bool { return results[i].Err != nil })
	writeJSON(c, http.StatusOK, gin.H{"results": results})
}
