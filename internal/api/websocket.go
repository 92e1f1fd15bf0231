package api

import (
	"net/http"

	"vettrack/internal/auth"
	"vettrack/internal/pubsub"
	"vettrack/internal/ws"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// the API listens for the local UI only
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (d Dependencies) wsHandler(w http.ResponseWriter, r *http.Request) {
	if d.Hub == nil {
		d.Log.Error("WebSocket hub not initialized")
		http.Error(w, "WebSocket hub not initialized", http.StatusInternalServerError)
		return
	}

	userID := auth.GetUserID(r.Context())
	if userID == "" {
		userID = "local"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.Log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	d.Log.Info("WebSocket connection opened",
		zap.String("remote", r.RemoteAddr),
		zap.String("user", userID),
	)

	wsConn := ws.NewConn(conn, d.Hub, userID)
	d.Hub.Register(wsConn)

	// Every UI connection follows the tracked emergency and starts from the current view
	channel := pubsub.ViewChannel(d.EmergencyID)
	d.Hub.Subscribe(wsConn, channel)
	v := d.Engine.View()
	wsConn.Send(map[string]interface{}{
		"type":     "emergency.view",
		"channel":  channel,
		"revision": v.Revision,
		"data":     v,
	})

	go wsConn.WritePump()
	go wsConn.ReadPump()
}
