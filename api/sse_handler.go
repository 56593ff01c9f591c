package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// heartbeatInterval keeps intermediaries from reaping idle streams.
const heartbeatInterval = 30 * time.Second

// streamNotifications establishes an SSE connection and attaches one live
// connection for the authenticated recipient. The dispatcher's realtime
// deliveries flow through it until the client disconnects.
func (server *Server) streamNotifications(c *gin.Context) {
	recipientID := authPayload(c).RecipientID()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(200)
	c.Writer.Flush()

	conn := server.registry.Attach(recipientID)
	defer server.registry.Detach(conn)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case payload, ok := <-conn.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(payload)
			if err != nil {
				log.Err(err).Str("recipient_id", recipientID).Msg("failed to encode SSE payload")
				continue
			}
			fmt.Fprintf(c.Writer, "event: notification\ndata: %s\n\n", data)
			c.Writer.Flush()

		case <-heartbeat.C:
			// SSE comment line; clients ignore it, proxies see traffic.
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}
