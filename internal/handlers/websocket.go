package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/middleware"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 256
	commandTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one websocket connection following a user's calls
type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	done   chan struct{}
	logger zerolog.Logger
}

// Feed streams ringing and state events for the authenticated user and
// takes accept and hangup commands
func (h *CallHandler) Feed(c *gin.Context) {
	userID := middleware.UserID(c)

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	client.logger = log.With().Str("conn_id", client.ID).Str("user_id", userID).Logger()

	ctx, cancel := context.WithCancel(context.Background())

	stopStates := h.calls.Subscribe(func(change call.StateChange) {
		if change.LocalUserID() != userID {
			return
		}
		ev := models.CallEvent{
			Type:      models.EventTypeState,
			SessionID: change.SessionID,
			From:      change.InitiatorID,
			To:        change.ResponderID,
			State:     change.State.String(),
		}
		if change.Err != nil {
			ev.Error = change.Err.Error()
		}
		client.sendMessage(ev)
	})

	stopRinging, err := h.calls.ListenForIncomingCalls(ctx, userID, func(in call.IncomingCall) {
		client.sendMessage(models.CallEvent{
			Type:      models.EventTypeRinging,
			SessionID: in.SessionID,
			From:      in.CallerID,
			To:        in.CalleeID,
		})
	})
	if err != nil {
		client.logger.Warn().Err(err).Msg("Cannot listen for incoming calls")
		stopStates()
		cancel()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "call store unavailable"))
		conn.Close()
		return
	}

	client.logger.Info().Msg("Call feed connected")

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump(h, func() {
		stopRinging()
		stopStates()
		cancel()
	})
}

func (c *Client) readPump(h *CallHandler, release func()) {
	defer func() {
		release()
		close(c.done)
		c.logger.Info().Msg("Call feed disconnected")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}

		var cmd models.CallCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to parse command")
			c.sendError("", "invalid command")
			continue
		}

		switch cmd.Type {
		case models.CommandTypeAccept, models.CommandTypeHangUp:
			// Accept blocks for the whole answer exchange; keep reading meanwhile
			go c.runCommand(h, cmd)
		default:
			c.sendError(cmd.SessionID, "unknown command type: "+string(cmd.Type))
		}
	}
}

func (c *Client) runCommand(h *CallHandler, cmd models.CallCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case models.CommandTypeAccept:
		err = h.accept(ctx, c.UserID, cmd.SessionID)
	case models.CommandTypeHangUp:
		err = h.hangUp(ctx, c.UserID, cmd.SessionID)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("session_id", cmd.SessionID).Str("command", string(cmd.Type)).Msg("Command failed")
		c.sendError(cmd.SessionID, err.Error())
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendError(sessionID, msg string) {
	c.sendMessage(models.CallEvent{
		Type:      models.EventTypeError,
		SessionID: sessionID,
		Error:     msg,
	})
}

// sendMessage never blocks; it runs on session loops
func (c *Client) sendMessage(ev models.CallEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	select {
	case <-c.done:
	case c.Send <- data:
	default:
		c.logger.Warn().Msg("Failed to send event, buffer full")
	}
}
