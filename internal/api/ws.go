package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kalambet/localrecall/internal/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is open on the HTTP routes too
	},
}

// wsFrame is one server message on /chat/ws.
type wsFrame struct {
	Type   string   `json:"type"` // images, text, error or done
	Images []string `json:"images,omitempty"`
	Text   string   `json:"text,omitempty"`
	Error  string   `json:"error,omitempty"`
	Status int      `json:"status,omitempty"`
}

// handleChatWS answers a ChatRequest per client message until the client
// closes the connection. Each answer ends with a done or error frame.
func handleChatWS(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.Log.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxRequestBodySize)

		log := d.Log.With("request_id", RequestID(r.Context()))
		ctx := r.Context()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("websocket read ended", "error", err)
				}
				return
			}

			var req ChatRequest
			if err := json.Unmarshal(data, &req); err != nil {
				if conn.WriteJSON(wsFrame{Type: "error", Error: "invalid request body: " + err.Error(), Status: http.StatusBadRequest}) != nil {
					return
				}
				continue
			}

			o, creq, err := d.prepare(ctx, req)
			if err == nil {
				_, err = o.Answer(ctx, creq, func(c chat.Chunk) error {
					if c.Kind == chat.ImagesChunk {
						return conn.WriteJSON(wsFrame{Type: "images", Images: c.Images})
					}
					return conn.WriteJSON(wsFrame{Type: "text", Text: c.Text})
				})
			}
			if err != nil {
				var closeErr *websocket.CloseError
				if ctx.Err() != nil || errors.As(err, &closeErr) {
					return
				}
				code, _ := errorStatus(err)
				log.Warn("websocket chat failed", "status", code, "error", err)
				if conn.WriteJSON(wsFrame{Type: "error", Error: err.Error(), Status: code}) != nil {
					return
				}
				continue
			}
			if conn.WriteJSON(wsFrame{Type: "done"}) != nil {
				return
			}
		}
	}
}
