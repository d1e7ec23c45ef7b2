package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/progestock/progestock/internal/auth"
	"github.com/progestock/progestock/internal/guard"
)

// TokenValidator validates a raw access token and returns the identity.
type TokenValidator interface {
	ValidateAccessToken(token string) (*auth.Identity, error)
}

const writeTimeout = 10 * time.Second

// Handler streams a tenant's notifications over a WebSocket.
type Handler struct {
	hub            *Hub
	tokens         TokenValidator
	guard          *guard.Guard
	allowedOrigins []string
}

// NewHandler creates a notification stream handler. allowedOrigins restricts
// the WebSocket upgrade to the configured CORS origins.
func NewHandler(hub *Hub, tokens TokenValidator, g *guard.Guard, allowedOrigins []string) *Handler {
	return &Handler{hub: hub, tokens: tokens, guard: g, allowedOrigins: originHosts(allowedOrigins)}
}

// originHosts turns CORS origins such as "https://app.example.com" into the
// host patterns the WebSocket origin check expects.
func originHosts(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// HandleStream upgrades to a WebSocket and pushes the caller's tenant
// notifications as JSON. Auth is performed via the access_token query
// parameter since browsers cannot set headers on WebSocket upgrade.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	rawToken := r.URL.Query().Get("access_token")
	if rawToken == "" {
		guard.WriteDenied(w, &guard.Decision{Outcome: guard.Unauthenticated})
		return
	}

	identity, err := h.tokens.ValidateAccessToken(rawToken)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = "token expired"
		}
		guard.WriteDenied(w, &guard.Decision{Outcome: guard.Unauthenticated, Reason: reason})
		return
	}

	p := identity.Principal()
	d := h.guard.Authorize(p, guard.OpRead, guard.ResourceStock)
	if !d.Allowed() {
		guard.WriteDenied(w, d)
		return
	}

	sub, err := h.hub.Subscribe(p.TenantID)
	if err != nil {
		guard.WriteDenied(w, &guard.Decision{Outcome: guard.NoTenant})
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.allowedOrigins})
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Long-lived connection: lift the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	slog.Debug("notification stream opened", "tenant_id", p.TenantID, "user_id", p.UserID)
	h.relay(ctx, conn, sub)
}

func (h *Handler) relay(ctx context.Context, conn *websocket.Conn, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case n, ok := <-sub.C:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, n)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
