// Call-signaling websocket endpoint.
//
// GET /ws upgrades the connection and bridges it onto the signal bus for
// the authenticated user. The socket is the client's live presence: while
// it is open the user can be rung, and signals the client writes are
// published with its identity pinned server-side.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veilmatch/go-consent-backend/internal/http/middleware"
	"github.com/veilmatch/go-consent-backend/internal/signal"
)

// SignalHandler serves the websocket signaling endpoint.
type SignalHandler struct {
	bus signal.Bus
}

// NewSignalHandler constructs a SignalHandler bound to the given bus.
func NewSignalHandler(bus signal.Bus) *SignalHandler {
	return &SignalHandler{bus: bus}
}

// Serve upgrades the request to a websocket tied to the caller's identity.
func (h *SignalHandler) Serve(c *gin.Context) {
	uid := userID(c)
	if uid == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return
	}
	signal.ServeWS(h.bus, *middleware.LoggerFrom(c), c.Writer, c.Request, uid)
}
