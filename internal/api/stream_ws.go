package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/agentruns/internal/eventbus"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStreamWS streams live events as JSON text frames. With task_id the
// stream covers one run and closes after its terminal event; without it
// every run's events are sent until the client goes away.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")

	// subscribe before the handshake completes so a client that submits
	// right after dialing sees the hello event
	events, unsubscribe := s.Service.Subscribe(r.Context(), taskID)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// reads are not expected; CloseRead cancels ctx once the peer hangs up
	ctx := conn.CloseRead(r.Context())

	if err := streamEvents(ctx, events, conn); err != nil {
		if ctx.Err() == nil {
			s.logger().Warn("event stream failed", "task_id", taskID, "error", err)
		}
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamEvents(ctx context.Context, events <-chan eventbus.Event, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
