package notifier

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// GinHandlers contains the websocket push endpoint
type GinHandlers struct {
	service  *Service
	upgrader websocket.Upgrader
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// StreamHandler upgrades the connection and pushes marketplace events until
// the client goes away.
func (h *GinHandlers) StreamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "notifier").Msg("websocket upgrade failed")
			return
		}

		events := h.service.Subscribe()
		defer func() {
			h.service.Unsubscribe(events)
			conn.Close()
		}()

		// Reader goroutine only detects the client closing the socket.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case event := <-events:
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			}
		}
	}
}
