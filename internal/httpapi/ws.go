package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/taskrelay/internal/trigger"
)

const wsWriteTimeout = 5 * time.Second

// wsListener adapts one websocket connection to the broadcaster's Listener
// interface. Writes are serialized because events arrive from multiple
// goroutines.
type wsListener struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *wsListener) Send(event trigger.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}

	listener := &wsListener{conn: conn}
	s.broadcaster.RegisterListener(listener)
	defer s.broadcaster.UnregisterListener(listener)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		kind, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if kind != websocket.MessageText {
			continue
		}
		s.broadcaster.HandleMessage(listener, string(data))
	}
}
