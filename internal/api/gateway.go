package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/kelgrand/agentstream/internal/hub"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleWS is the pub/sub gateway. Each websocket connection attaches to the
// hub; join/leave control frames from the client move it between agent rooms,
// and every event for its rooms (plus global announcements) is forwarded as
// one JSON frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("event hub"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	hc := s.Hub.Attach(ctx)
	go s.readControlFrames(ctx, cancel, conn, hc)

	if err := forwardEvents(ctx, hc, conn); err != nil && ctx.Err() == nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// readControlFrames consumes join/leave commands until the connection drops,
// then cancels the session so the hub connection is detached and its rooms
// are released.
func (s *Server) readControlFrames(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, hc *hub.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame hub.ControlFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.AgentID == "" {
			continue
		}
		switch frame.Action {
		case hub.ActionJoin:
			s.Hub.Join(hc, frame.AgentID)
		case hub.ActionLeave:
			s.Hub.Leave(hc, frame.AgentID)
		}
	}
}

func forwardEvents(ctx context.Context, hc *hub.Conn, writer wsWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-hc.Events():
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
