package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"video-anonymizer/internal/dto"
	"video-anonymizer/internal/models"
	"video-anonymizer/internal/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler upgrades stream connections and binds each one to a session
type Handler struct {
	manager    *pipeline.Manager
	maxPayload int64
	logger     *zap.Logger
	upgrader   websocket.Upgrader
}

func NewHandler(manager *pipeline.Manager, maxPayload int64, logger *zap.Logger) *Handler {
	return &Handler{
		manager:    manager,
		maxPayload: maxPayload,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades GET /ws/stream and serves the connection until the
// client leaves or the session ends
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{
		socket:     socket,
		maxPayload: h.maxPayload,
		logger:     h.logger,
		done:       make(chan struct{}),
	}

	session, err := h.manager.Create(c)
	if err != nil {
		c.sendError("unavailable", "server is shutting down")
		c.close()
		return
	}
	c.session = session
	c.logger = h.logger.With(zap.String("session_id", session.ID))

	c.serve()
}

// conn adapts one websocket connection to a session. Binary frames go
// into the pipeline, text frames carry control messages, and the
// session's notifier callbacks come back out as text frames. All writes
// share writeMu; the socket allows a single concurrent writer.
type conn struct {
	socket     *websocket.Conn
	session    *pipeline.Session
	maxPayload int64
	logger     *zap.Logger

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

var _ pipeline.Notifier = (*conn)(nil)

// sessionID tolerates notifier callbacks that arrive before the session
// is bound to the connection
func (c *conn) sessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *conn) serve() {
	defer c.close()

	c.sendJSON(dto.ServerMessage{Type: dto.TypeSessionReady, SessionID: c.session.ID})

	go c.previewPump()
	go c.pingLoop()

	c.readLoop()

	// Reader is gone: a disconnect mid-stream finalizes whatever was
	// recorded so far.
	c.session.Stop()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.socket.Close()
	})
}

func (c *conn) readLoop() {
	c.socket.SetReadLimit(c.maxPayload + 1024)
	c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.session.HandleFrame(data)
		case websocket.TextMessage:
			if !c.handleControl(data) {
				return
			}
		}
	}
}

// handleControl dispatches one client control message. It returns false
// once the connection should stop reading.
func (c *conn) handleControl(data []byte) bool {
	var msg dto.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("bad-message", "control frames must be JSON")
		return true
	}

	switch msg.Type {
	case dto.TypeStartStream:
		err := c.session.Start(pipeline.StartParams{Width: msg.Width, Height: msg.Height, FPS: msg.FPS})
		if errors.Is(err, pipeline.ErrInvalidTransition) {
			c.sendError("invalid-state", err.Error())
		}
		// Other start failures already reached the client through the
		// session's error notification.
		return true

	case dto.TypeStopStream:
		// Blocks until the recording is finalized; the stream-ended
		// message goes out before the connection closes.
		c.session.Stop()
		return false

	default:
		c.sendError("bad-message", "unknown control type: "+msg.Type)
		return true
	}
}

// previewPump forwards redacted frames to the viewer. The broadcaster
// keeps only the newest frame, so a slow socket never backpressures
// recording.
func (c *conn) previewPump() {
	for {
		frame, ok := c.session.Preview().Next()
		if !ok {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		if err := c.writeMessage(websocket.BinaryMessage, frame.JPEG); err != nil {
			return
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// NotifyState surfaces the transition into recording; the remaining
// transitions are implied by stream-ended and error messages
func (c *conn) NotifyState(state models.SessionState) {
	if state == models.StateRecording {
		c.sendJSON(dto.ServerMessage{Type: dto.TypeStreamStarted, SessionID: c.sessionID()})
	}
}

func (c *conn) NotifyError(code, message string) {
	c.sendError(code, message)
}

// NotifyEnded reports the final outcome and closes the connection. One
// session per connection: once the session is gone there is nothing
// left to speak about.
func (c *conn) NotifyEnded(result *models.RecordingResult, outcome string) {
	msg := dto.ServerMessage{Type: dto.TypeStreamEnded, SessionID: c.sessionID(), Outcome: outcome}
	if result != nil {
		msg.Recording = &dto.RecordingSummary{
			RecordingID: result.RecordingID,
			FilePath:    result.FilePath,
			FrameCount:  result.FrameCount,
			GapCount:    len(result.Gaps),
			Reordered:   result.Reordered,
			Complete:    result.Complete,
		}
	}
	c.sendJSON(msg)
	c.writeControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
	c.close()
}

func (c *conn) sendJSON(msg dto.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal control message", zap.Error(err))
		return
	}
	if err := c.writeMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("control write failed",
			zap.String("type", msg.Type), zap.Error(err))
	}
}

func (c *conn) sendError(code, message string) {
	c.sendJSON(dto.ServerMessage{Type: dto.TypeError, Code: code, Message: message})
}

func (c *conn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	return c.socket.WriteMessage(messageType, data)
}

func (c *conn) writeControl(messageType int, data []byte) error {
	return c.socket.WriteControl(messageType, data, time.Now().Add(writeWait))
}
