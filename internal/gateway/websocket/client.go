package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sprintd/sprintd/internal/approval"
	"github.com/sprintd/sprintd/internal/common/logger"
	"github.com/sprintd/sprintd/internal/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client message types.
const (
	MsgApprovalResponse = "approval:response"
	MsgTaskRetry        = "task:retry"
	MsgSprintApprove    = "sprint:approve"
	MsgSprintCancel     = "sprint:cancel"
	MsgSprintSubscribe  = "sprint:subscribe"
)

// clientMessage is the envelope for messages from observers.
type clientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type approvalResponseMsg struct {
	ID       string         `json:"id"`
	Approved bool           `json:"approved"`
	Comment  string         `json:"comment"`
	Data     map[string]any `json:"data"`
}

type taskRetryMsg struct {
	SprintID string `json:"sprintId"`
	TaskID   int    `json:"taskId"`
}

type sprintRefMsg struct {
	SprintID string `json:"sprintId"`
}

// Client represents a single observer connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	// mu guards the sprint filter and the send-channel close. sprint
	// narrows the feed to one sprint when non-empty.
	mu     sync.RWMutex
	sprint string
	closed bool

	logger *logger.Logger
}

// NewClient creates a new observer client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// wants reports whether the client's feed admits events for sprintID.
func (c *Client) wants(sprintID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sprint == "" || sprintID == "" || c.sprint == sprintID
}

func (c *Client) setSprint(sprintID string) {
	c.mu.Lock()
	c.sprint = sprintID
	c.mu.Unlock()
}

func (c *Client) sprintFilter() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sprint
}

// closeSend closes the send channel exactly once. The read pump's reply
// path may still be running when the hub shuts the client down, so every
// send has to go through trySend.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// trySend queues data without blocking. A closed or full client drops it.
func (c *Client) trySend(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ReadPump pumps messages from the connection into command handlers. It
// returns when the connection dies, so the caller can block on it to keep
// the request context alive.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("unparseable client message", zap.Error(err))
			c.sendEvent(events.NewError("", "observer", 0, "invalid message format"))
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

// handleMessage routes one client command.
func (c *Client) handleMessage(ctx context.Context, msg clientMessage) {
	c.logger.Debug("client message", zap.String("type", msg.Type))

	switch msg.Type {
	case MsgApprovalResponse:
		var req approvalResponseMsg
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.ID == "" {
			c.sendEvent(events.NewError("", "approval", 0, "approval:response needs an id"))
			return
		}
		if !c.hub.commands.ResolveApproval(req.ID, approval.Response{
			Approved: req.Approved,
			Comment:  req.Comment,
			Data:     req.Data,
		}) {
			// A second observer answering the same request lands here.
			c.logger.Debug("unmatched approval response", zap.String("approval_id", req.ID))
		}

	case MsgTaskRetry:
		var req taskRetryMsg
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SprintID == "" || req.TaskID == 0 {
			c.sendEvent(events.NewError(req.SprintID, "retry", 0, "task:retry needs sprintId and taskId"))
			return
		}
		if err := c.hub.commands.RetryTask(ctx, req.SprintID, req.TaskID); err != nil {
			c.sendEvent(events.NewError(req.SprintID, "retry", req.TaskID, err.Error()))
		}

	case MsgSprintApprove:
		var req sprintRefMsg
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SprintID == "" {
			c.sendEvent(events.NewError("", "approve", 0, "sprint:approve needs a sprintId"))
			return
		}
		if _, err := c.hub.commands.Approve(ctx, req.SprintID); err != nil {
			c.sendEvent(events.NewError(req.SprintID, "approve", 0, err.Error()))
		}

	case MsgSprintCancel:
		var req sprintRefMsg
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.SprintID == "" {
			c.sendEvent(events.NewError("", "cancel", 0, "sprint:cancel needs a sprintId"))
			return
		}
		if _, err := c.hub.commands.Cancel(ctx, req.SprintID); err != nil {
			c.sendEvent(events.NewError(req.SprintID, "cancel", 0, err.Error()))
		}

	case MsgSprintSubscribe:
		// An empty sprintId widens back to the full feed.
		var req sprintRefMsg
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendEvent(events.NewError("", "subscribe", 0, "sprint:subscribe payload invalid"))
			return
		}
		c.setSprint(req.SprintID)

	default:
		c.sendEvent(events.NewError("", "observer", 0, "unknown message type "+msg.Type))
	}
}

// sendEvent queues one event for this client only.
func (c *Client) sendEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	if !c.trySend(data) {
		c.logger.Warn("client event dropped")
	}
}

// WritePump pumps queued messages to the connection and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
