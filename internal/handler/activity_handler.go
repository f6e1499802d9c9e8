package handler

import (
	"context"
	"net/http"
	"strconv"

	"storefront-edge/internal/event"
	"storefront-edge/internal/model"
	"storefront-edge/internal/session"
)

type activityLister interface {
	Recent(ctx context.Context, userID string, limit int) ([]event.Event, error)
}

// ActivityHandler lists the signed-in user's recent session events. Without an
// audit database the list is always empty.
type ActivityHandler struct {
	lister activityLister
}

func NewActivityHandler(lister activityLister) *ActivityHandler {
	return &ActivityHandler{lister: lister}
}

func (h *ActivityHandler) List(w http.ResponseWriter, r *http.Request) {
	s, _ := session.FromContext(r.Context())
	if !s.Authenticated() {
		writeError(w, model.ErrUnauthorized)
		return
	}

	if h.lister == nil {
		writeSuccess(w, http.StatusOK, []event.Event{})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.lister.Recent(r.Context(), s.User.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, events)
}
