// README: Contractor location reports.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"homematch/internal/http/middleware"
	"homematch/internal/modules/contractor"
	"homematch/internal/modules/location"
	"homematch/internal/types"
)

type LocationHandler struct {
	location *location.Service
}

func NewLocationHandler(svc *location.Service) *LocationHandler {
	return &LocationHandler{location: svc}
}

type locationReq struct {
	Seq    int64    `json:"seq"`
	Lat    *float64 `json:"lat"`
	Lng    *float64 `json:"lng"`
	Active *bool    `json:"active"`
}

// Update records the calling contractor's position; only the contractor
// themselves may report it.
func (h *LocationHandler) Update(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil {
		writeError(c, http.StatusBadRequest, "lat and lng are required")
		return
	}
	uid := middleware.CallerUID(c)
	if uid == "" {
		writeError(c, http.StatusUnauthorized, "unauthenticated")
		return
	}
	active := req.Active == nil || *req.Active

	res, err := h.location.Update(c.Request.Context(), location.Update{
		ContractorID: types.ID(uid),
		Seq:          req.Seq,
		Position:     types.Point{Lat: *req.Lat, Lng: *req.Lng},
		Active:       active,
	})
	switch {
	case err == nil:
		writeJSON(c, http.StatusOK, res)
	case errors.Is(err, location.ErrInvalidUpdate):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, contractor.ErrNotFound):
		writeError(c, http.StatusNotFound, "contractor not registered")
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
