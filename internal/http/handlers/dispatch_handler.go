// README: Dispatch handlers for start/get/cancel and contractor offer responses.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"homematch/internal/http/middleware"
	"homematch/internal/modules/dispatch"
	"homematch/internal/modules/matching"
	"homematch/internal/types"
)

const cancelWait = 10 * time.Second

type DispatchHandler struct {
	matching *matching.Service
	dispatch *dispatch.Service
	quota    TriageQuota
}

func NewDispatchHandler(m *matching.Service, d *dispatch.Service, quota TriageQuota) *DispatchHandler {
	return &DispatchHandler{matching: m, dispatch: d, quota: quota}
}

type startDispatchResp struct {
	DispatchID types.ID                `json:"dispatch_id"`
	Status     dispatch.Status         `json:"status"`
	Request    matching.ServiceRequest `json:"request"`
	Candidates []matching.MatchScore   `json:"candidates"`
}

type respondReq struct {
	Accept *bool `json:"accept"`
}

// Create matches the request and starts offering the job down the ranked list.
func (h *DispatchHandler) Create(c *gin.Context) {
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

	id, err := h.dispatch.Start(c.Request.Context(), out.Request, out.Matches)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, startDispatchResp{
		DispatchID: id,
		Status:     dispatch.StatusRunning,
		Request:    out.Request,
		Candidates: out.Matches,
	})
}

func (h *DispatchHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid dispatch id")
		return
	}
	res, err := h.dispatch.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

type dispatchEventResp struct {
	ID           int64     `json:"id"`
	OfferID      *types.ID `json:"offer_id,omitempty"`
	ContractorID *types.ID `json:"contractor_id,omitempty"`
	FromState    string    `json:"from_state,omitempty"`
	ToState      string    `json:"to_state"`
	CreatedAt    time.Time `json:"created_at"`
}

// Events returns the audit trail of one dispatch.
func (h *DispatchHandler) Events(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid dispatch id")
		return
	}
	events, err := h.dispatch.Events(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	out := make([]dispatchEventResp, len(events))
	for i, e := range events {
		out[i] = dispatchEventResp{
			ID:           e.ID,
			OfferID:      e.OfferID,
			ContractorID: e.ContractorID,
			FromState:    e.FromState,
			ToState:      e.ToState,
			CreatedAt:    e.CreatedAt,
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"dispatch_id": id, "events": out})
}

func (h *DispatchHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid dispatch id")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), cancelWait)
	defer cancel()
	res, err := h.dispatch.Cancel(ctx, types.ID(id))
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

// Respond records the calling contractor's answer to an open offer.
func (h *DispatchHandler) Respond(c *gin.Context) {
	offerID := c.Param("id")
	if !isValidID(offerID) {
		writeError(c, http.StatusBadRequest, "invalid offer id")
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Accept == nil {
		writeError(c, http.StatusBadRequest, "accept is required")
		return
	}
	contractorID := middleware.CallerUID(c)
	if contractorID == "" {
		writeError(c, http.StatusUnauthorized, "unauthenticated")
		return
	}
	if err := h.dispatch.Respond(c.Request.Context(), types.ID(offerID), types.ID(contractorID), *req.Accept); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"offer_id": offerID, "accepted": *req.Accept})
}
