package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"storefront-edge/internal/cookie"
	"storefront-edge/internal/middleware"
	"storefront-edge/internal/recovery"
	"storefront-edge/internal/route"
	"storefront-edge/internal/session"
)

type dataFetcher interface {
	Fetch(ctx context.Context, path string, rawQuery string, cookies []*http.Cookie) (json.RawMessage, error)
}

type PageHandler struct {
	fetcher    dataFetcher
	bridge     *recovery.Bridge
	dataPrefix string
}

func NewPageHandler(fetcher dataFetcher, bridge *recovery.Bridge, dataPrefix string) *PageHandler {
	return &PageHandler{fetcher: fetcher, bridge: bridge, dataPrefix: dataPrefix}
}

type pageView struct {
	Page    route.Classification `json:"page"`
	Mode    route.Mode           `json:"mode"`
	Session session.Contract     `json:"session"`
	Data    json.RawMessage      `json:"data"`
}

// Render loads the backing data for a storefront page. Credential errors from
// the data service go through the recovery bridge.
func (h *PageHandler) Render(w http.ResponseWriter, r *http.Request) {
	c, _ := route.FromContext(r.Context())
	s, _ := session.FromContext(r.Context())

	data, err := h.fetcher.Fetch(r.Context(), h.dataPrefix+r.URL.Path, r.URL.RawQuery, cookie.Forwardable(r, s.AuthCookies))
	if err != nil {
		h.bridge.Recover(w, r, err)
		return
	}

	h.bridge.Settle(w, r)
	writeSuccess(w, http.StatusOK, pageView{
		Page:    c,
		Mode:    middleware.ModeFromContext(r.Context()),
		Session: s.Contract(),
		Data:    data,
	})
}
