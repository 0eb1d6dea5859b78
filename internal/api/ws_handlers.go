package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/events"
	"github.com/technosupport/ts-vod/internal/middleware"
	"github.com/technosupport/ts-vod/internal/realtime"
)

// VideoFinder authorizes per-video room subscriptions.
type VideoFinder interface {
	GetByID(ctx context.Context, id string) (*data.Video, error)
}

// WSHandler upgrades authenticated requests onto the realtime hub. Every
// connection is joined to its organization and user rooms; video rooms are
// joined on demand through the subscribe guard.
type WSHandler struct {
	Hub    *realtime.Hub
	Videos VideoFinder
	Logger zerolog.Logger

	upgrader websocket.Upgrader
}

func NewWSHandler(hub *realtime.Hub, videos VideoFinder, origin string, logger zerolog.Logger) *WSHandler {
	return &WSHandler{
		Hub:    hub,
		Videos: videos,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers send the frontend origin; non-browser clients send
			// none. Anything else is a cross-site page.
			CheckOrigin: func(r *http.Request) bool {
				o := r.Header.Get("Origin")
				return o == "" || o == origin
			},
		},
	}
}

// Serve performs the websocket handshake. It runs behind the auth
// middleware, so the token (header, cookie or query parameter) is already
// verified and the connection inherits its expiry.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		h.Logger.Debug().Err(err).Msg("websocket upgrade rejected")
		return
	}

	logger := h.Logger.With().
		Str("user_id", ac.UserID).
		Str("organization_id", ac.TenantID).
		Logger()

	client := realtime.NewClient(h.Hub, conn, realtime.Identity{
		UserID:    ac.UserID,
		TenantID:  ac.TenantID,
		ExpiresAt: ac.ExpiresAt,
	}, h.subscribeGuard(ac), logger)

	client.Start()
	h.Hub.Join(client, events.OrgRoom(ac.TenantID))
	h.Hub.Join(client, events.UserRoom(ac.UserID))
	client.Send(events.TypeConnected, map[string]string{
		"user_id":         ac.UserID,
		"organization_id": ac.TenantID,
	})
}

// subscribeGuard gates video-room joins with the same visibility rules as
// the read endpoints.
func (h *WSHandler) subscribeGuard(ac *middleware.AuthContext) realtime.SubscribeGuard {
	return func(ctx context.Context, videoID string) bool {
		video, err := h.Videos.GetByID(ctx, videoID)
		if err != nil {
			return false
		}
		return canView(ac, video)
	}
}
