package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/stream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// wsWriter adapts a WebSocket connection to the EventWriter contract.
// Events carry the same hash chain as the SSE transport; keepalives are
// sent as ping control frames instead of comment lines.
type wsWriter struct {
	conn     *websocket.Conn
	prevHash string
	mu       sync.Mutex
}

func newWSWriter(conn *websocket.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	if err := w.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write ws event: %w", err)
	}
	return nil
}

func (w *wsWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventStatus).WithMessage(message))
}

func (w *wsWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventToken).WithContent(content))
}

func (w *wsWriter) WriteReasoning(content string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventReasoning).WithContent(content))
}

func (w *wsWriter) WriteToolCall(tc *datatypes.ToolCall) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventToolCall).WithToolCall(tc))
}

func (w *wsWriter) WriteError(kind, errMsg string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventError).WithError(kind, errMsg))
}

func (w *wsWriter) WriteDone(sessionID int64, finishReason string, usage *datatypes.TokenUsage) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.EventDone).
		WithSessionId(sessionID).
		WithFinishReason(finishReason).
		WithUsage(usage))
}

func (w *wsWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

var _ EventWriter = (*wsWriter)(nil)

// HandleChatWebSocket upgrades the connection and serves chat turns over it.
//
// The client sends one ChatStreamRequest JSON message per turn and
// receives the same event sequence the SSE endpoint would produce. The
// connection stays open between turns; the hash chain spans the whole
// connection, not just one turn.
func HandleChatWebSocket(coordinator *stream.Coordinator, opts extensions.ServiceOptions) gin.HandlerFunc {
	if coordinator == nil {
		panic("HandleChatWebSocket: coordinator must not be nil")
	}

	return func(c *gin.Context) {
		endpoint := observability.EndpointWS

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket client connected")

		authInfo := middleware.GetAuthInfo(c)
		userID := "anonymous"
		if authInfo != nil {
			userID = authInfo.UserID
		}

		writer := newWSWriter(ws)

		// Keep the connection alive between turns; idle chat clients can
		// sit for minutes before the next message.
		heartbeatDone := make(chan struct{})
		defer close(heartbeatDone)
		go runHeartbeat(c.Request.Context(), writer, endpoint, heartbeatDone)

		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				slog.Info("Websocket client disconnected", "error", err.Error())
				return
			}

			var req datatypes.ChatStreamRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				if werr := writer.WriteError("validation", "invalid request"); werr != nil {
					return
				}
				continue
			}
			req.EnsureDefaults()
			if err := req.Validate(); err != nil {
				slog.Warn("Websocket request validation failed", "error", err, "requestId", req.RequestID)
				if werr := writer.WriteError("validation", "invalid request: validation failed"); werr != nil {
					return
				}
				continue
			}

			if err := serveTurn(c.Request.Context(), coordinator, opts, &req, userID, writer, endpoint); err != nil {
				// Write failure means the client is gone.
				return
			}
		}
	}
}

// serveTurn runs one turn and forwards its events. Returns an error only
// when the client connection is unusable.
func serveTurn(
	ctx context.Context,
	coordinator *stream.Coordinator,
	opts extensions.ServiceOptions,
	req *datatypes.ChatStreamRequest,
	userID string,
	writer EventWriter,
	endpoint observability.Endpoint,
) error {
	startTime := time.Now()
	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	var writeFailed bool
	onEvent := func(ev stream.Event) {
		var werr error
		switch ev.Kind {
		case stream.EventTextDelta:
			werr = writer.WriteToken(ev.Text)
		case stream.EventReasoningDelta:
			werr = writer.WriteReasoning(ev.Text)
		case stream.EventToolCall:
			werr = writer.WriteToolCall(ev.ToolCall)
		}
		if werr != nil {
			writeFailed = true
			cancelTurn()
		}
	}

	result := coordinator.Run(turnCtx, stream.TurnRequest{
		RequestID:  req.RequestID,
		OwnerID:    userID,
		NewSession: req.NewSession,
		ModelID:    req.ModelID,
		Messages:   req.Messages,
		MaxTokens:  req.MaxTokens,
		Stop:       req.Stop,
		OnSession: func(session datatypes.ConversationSession) {
			if err := writer.WriteEvent(datatypes.NewStreamEvent(datatypes.EventStatus).
				WithMessage("Session ready").
				WithSessionId(session.ID)); err != nil {
				writeFailed = true
			}
		},
	}, onEvent)

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTurn(endpoint, string(result.State), time.Since(startTime).Seconds())
		if result.FellBack {
			m.RecordFallback(result.ModelID)
		}
	}

	outcome := "success"
	switch result.State {
	case stream.StateCompleted:
		if err := writer.WriteDone(result.Session.ID, result.FinishReason, result.Usage); err != nil {
			return err
		}
	case stream.StateCanceled:
		outcome = "canceled"
	default:
		outcome = "failed"
		kind := stream.KindOf(result.Err)
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, string(kind))
		}
		slog.Error("Websocket turn failed",
			"error", result.Err,
			"requestId", req.RequestID,
			"state", result.State,
		)
		if err := writer.WriteError(string(kind), clientErrorMessage(kind)); err != nil {
			return err
		}
	}

	metadata := map[string]any{
		"request_id": req.RequestID,
		"session_id": fmt.Sprintf("%d", result.Session.ID),
		"model":      result.ModelID,
	}
	if result.Err != nil {
		metadata["error"] = result.Err.Error()
	}
	_ = opts.AuditLogger.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.stream",
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       "send",
		ResourceType: "chat",
		ResourceID:   "ws",
		Outcome:      outcome,
		Metadata:     metadata,
	})

	if writeFailed {
		return fmt.Errorf("websocket write failed during turn %s", req.RequestID)
	}
	return nil
}
