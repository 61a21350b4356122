package peer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/arunika/client/internal/auth"
)

const shutdownTimeout = 5 * time.Second

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// InitRoutes registers /health and /ws on e
func InitRoutes(e *echo.Echo, hub *Hub) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"service": "arunika-dev-peer",
			"clients": hub.Clients(),
		})
	})

	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(hub, c)
	})
}

// NewServer builds an echo instance serving hub
func NewServer(hub *Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	InitRoutes(e, hub)
	return e
}

// ListenAndServe runs the hub and serves it on addr until ctx is done
func ListenAndServe(ctx context.Context, addr string, hub *Hub) error {
	e := NewServer(hub)
	go hub.Run()
	defer hub.Stop()

	errCh := make(chan error, 1)
	go func() {
		hub.logger.Info("Development peer listening", zap.String("addr", addr))
		errCh <- e.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	}
}

// websocketWithAuth validates the bearer token when the hub has a secret,
// then upgrades the request
func websocketWithAuth(hub *Hub, c echo.Context) error {
	clientID := c.QueryParam("client_id")

	if hub.signer != nil {
		token, err := auth.BearerToken(c.Request())
		if err != nil {
			hub.logger.Warn("WebSocket connection rejected: missing token")
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "missing_token",
				Message: "JWT token is required in Authorization header",
			})
		}

		claims, err := hub.signer.ValidateToken(token)
		if err != nil {
			hub.logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
			return c.JSON(http.StatusUnauthorized, ErrorResponse{
				Error:   "invalid_token",
				Message: "Invalid or expired JWT token",
			})
		}

		if claims.Role != auth.RoleDevice {
			hub.logger.Warn("WebSocket connection rejected: invalid role", zap.String("role", claims.Role))
			return c.JSON(http.StatusForbidden, ErrorResponse{
				Error:   "invalid_role",
				Message: "Only device tokens are allowed for WebSocket connections",
			})
		}
		clientID = claims.ClientID
	}

	if clientID == "" {
		clientID = "anonymous"
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	hub.serve(conn, clientID)
	return nil
}
