package devconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klipach/devconnect/contract"
	"github.com/klipach/devconnect/identity"
	"github.com/klipach/devconnect/log"
	"github.com/klipach/devconnect/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8192
	sendBufferSize = 64
)

var errSlowClient = errors.New("client is not reading its events")

// client pumps one WebSocket connection: the read pump executes actions against the session, the
// write pump serializes session state and action replies onto the socket.
type client struct {
	conn    *websocket.Conn
	session *session.Session
	authn   Authenticator
	send    chan contract.Event

	closeOnce sync.Once
	cancel    context.CancelCauseFunc
}

func newClient(conn *websocket.Conn, sess *session.Session, authn Authenticator) *client {
	return &client{
		conn:    conn,
		session: sess,
		authn:   authn,
		send:    make(chan contract.Event, sendBufferSize),
	}
}

// run blocks until the connection ends.
func (c *client) run(ctx context.Context) {
	ctx, c.cancel = context.WithCancelCause(ctx)
	logger := log.LoggerFromContext(ctx)
	defer func() {
		c.cancel(nil)
		c.session.Close()
		c.conn.Close()
	}()

	if err := c.session.Start(ctx); err != nil {
		// keep the connection; the client may retry with refresh_token
		c.enqueue(errorEvent("", err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()
	c.readPump(ctx)
	c.cancel(nil)
	wg.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Warn("connection dropped", slog.String(log.ErrorMsgLogField, cause.Error()))
	}
}

func (c *client) readPump(ctx context.Context) {
	logger := log.LoggerFromContext(ctx)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Error("error while setting read deadline", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("unexpected close", slog.String(log.ErrorMsgLogField, err.Error()))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		var req contract.ActionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			logger.Warn("invalid action", slog.String(log.ErrorMsgLogField, err.Error()))
			c.enqueue(errorEvent("", fmt.Errorf("%w: malformed action", contract.ErrInvalidInput)))
			continue
		}

		actionLogger := logger.With(slog.String(log.ActionLogField, req.Type))
		reply, err := c.dispatch(log.WithLogger(ctx, actionLogger), req)
		if err != nil {
			actionLogger.Info("action failed", slog.String(log.ErrorMsgLogField, err.Error()))
			c.enqueue(errorEvent(req.RequestID, err))
			continue
		}
		c.enqueue(reply)
	}
}

// dispatch executes one action. Errors are reported back to the client and never end the
// connection.
func (c *client) dispatch(ctx context.Context, req contract.ActionRequest) (contract.Event, error) {
	ack := contract.Event{Type: contract.EventAck, RequestID: req.RequestID}

	switch req.Type {
	case contract.ActionPing:
		return contract.Event{Type: contract.EventPong, RequestID: req.RequestID}, nil

	case contract.ActionSelect:
		if req.ChannelID == "" {
			return ack, fmt.Errorf("%w: channel_id is required", contract.ErrInvalidInput)
		}
		ack.ChannelID = req.ChannelID
		return ack, c.session.SelectChannel(ctx, req.ChannelID)

	case contract.ActionSend:
		ack.ChannelID = c.session.ActiveChannel()
		return ack, c.session.SendMessage(ctx, req.Text)

	case contract.ActionCreateCommunity:
		id, err := c.session.CreateCommunity(ctx, req.Name)
		ack.ChannelID = id
		return ack, err

	case contract.ActionInvite:
		if req.CommunityID == "" {
			req.CommunityID = c.session.ActiveChannel()
		}
		ack.ChannelID = req.CommunityID
		return ack, c.session.InviteMember(ctx, req.CommunityID, req.Username)

	case contract.ActionStartDM:
		id, err := c.session.StartDirectMessage(ctx, req.Username)
		ack.ChannelID = id
		return ack, err

	case contract.ActionUpdateProfile:
		_, err := c.session.UpdateProfile(ctx, identity.Profile{
			Name:     req.Name,
			Username: req.Username,
			PhotoURL: req.PhotoURL,
		})
		return ack, err

	case contract.ActionRefreshToken:
		id, err := c.authn.Verify(ctx, req.Token)
		if err != nil {
			return ack, fmt.Errorf("%w: %v", contract.ErrForbidden, err)
		}
		_, err = c.session.Reauthenticate(ctx, id)
		return ack, err
	}
	return ack, fmt.Errorf("%w: unknown action %q", contract.ErrInvalidInput, req.Type)
}

func (c *client) writePump(ctx context.Context) {
	logger := log.LoggerFromContext(ctx)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		// unblocks the read pump
		c.conn.Close()
	}()

	write := func(ev contract.Event) bool {
		if err := c.writeJSON(ev); err != nil {
			c.cancel(err)
			return false
		}
		return true
	}

	if !write(c.stateEvent(ctx)) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		case ev := <-c.send:
			if !write(ev) {
				return
			}
		case <-c.session.Changes():
			if !write(c.stateEvent(ctx)) {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Warn("ping failed", slog.String(log.ErrorMsgLogField, err.Error()))
				c.cancel(err)
				return
			}
		}
	}
}

func (c *client) writeJSON(ev contract.Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(ev)
}

// enqueue hands an event to the write pump. A client that lets the buffer fill up is disconnected.
func (c *client) enqueue(ev contract.Event) {
	select {
	case c.send <- ev:
	default:
		c.closeOnce.Do(func() {
			c.cancel(errSlowClient)
			c.conn.Close()
		})
	}
}

func (c *client) stateEvent(ctx context.Context) contract.Event {
	state := buildState(ctx, c.session)
	return contract.Event{Type: contract.EventState, State: &state}
}

func errorEvent(requestID string, err error) contract.Event {
	code := contract.ErrorCode(err)
	msg := err.Error()
	switch code {
	case "internal":
		msg = "internal error"
	case "unavailable":
		msg = "service temporarily unavailable"
	}
	return contract.Event{
		Type:      contract.EventError,
		RequestID: requestID,
		Error:     &contract.ErrorEvent{Code: code, Message: msg},
	}
}
