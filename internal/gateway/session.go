package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/chatsubmit/internal/approval"
	"github.com/haasonsaas/chatsubmit/internal/events"
	"github.com/haasonsaas/chatsubmit/internal/submit"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

const (
	wsProtocolVersion = 1
	wsMaxPayloadBytes = 1 << 20
	wsSendBuffer      = 256
	wsPingInterval    = 30 * time.Second
	wsPongWait        = 60 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Frame is the websocket envelope in both directions. Clients send "req"
// frames; the server answers with "res" and pushes "event" frames.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload any             `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Seq     *int64          `json:"seq,omitempty"`
}

// FrameError describes a failed request.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type toolConfirmParams struct {
	ToolCallID string         `json:"toolCallId"`
	Approved   bool           `json:"approved"`
	Reason     string         `json:"reason,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
}

type chatAbortParams struct {
	SubmissionID string `json:"submissionId"`
	Reason       string `json:"reason,omitempty"`
}

type chatSendParams struct {
	SubmissionID string           `json:"submissionId,omitempty"`
	ChatID       int64            `json:"chatId,omitempty"`
	ChatUUID     string           `json:"chatUuid,omitempty"`
	Text         string           `json:"text"`
	ModelRef     *models.ModelRef `json:"modelRef,omitempty"`
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	seq    int64
	closed atomic.Bool
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	channels, err := parseChannels(r.URL.Query().Get("channels"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		id:     uuid.NewString(),
	}
	session.run(channels)
}

func parseChannels(raw string) ([]events.Channel, error) {
	if strings.TrimSpace(raw) == "" {
		return []events.Channel{events.ChannelChat, events.ChannelSchedule}, nil
	}
	var out []events.Channel
	for _, name := range strings.Split(raw, ",") {
		switch ch := events.Channel(strings.TrimSpace(name)); ch {
		case events.ChannelChat, events.ChannelSchedule:
			out = append(out, ch)
		default:
			return nil, fmt.Errorf("unknown channel %q", name)
		}
	}
	return out, nil
}

func (ws *wsSession) run(channels []events.Channel) {
	defer ws.close()
	logger := ws.server.logger.With("session_id", ws.id)
	logger.Debug("websocket connected", "channels", channels)

	for _, ch := range channels {
		stream, unsubscribe := ws.server.cfg.Broadcaster.Subscribe(ch, events.DefaultSubscriberBuffer)
		defer unsubscribe()
		go ws.forward(ch, stream)
	}

	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	_ = ws.sendEvent("", "hello", map[string]any{ //nolint:errcheck
		"protocol": wsProtocolVersion,
		"session":  ws.id,
		"channels": names,
		"methods":  supportedMethods(),
	})

	go ws.writeLoop()
	ws.readLoop()
	logger.Debug("websocket disconnected")
}

func (ws *wsSession) close() {
	ws.closed.Store(true)
	ws.cancel()
	_ = ws.conn.Close()
}

// forward relays broadcast envelopes until the session ends.
func (ws *wsSession) forward(ch events.Channel, stream <-chan models.EventEnvelope) {
	for {
		select {
		case <-ws.ctx.Done():
			return
		case env, ok := <-stream:
			if !ok {
				return
			}
			if err := ws.sendEvent(ch, string(env.Type), env); err != nil {
				ws.server.logger.Debug("dropping event for slow client", "session_id", ws.id, "type", env.Type, "error", err)
			}
		}
	}
}

func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := decodeFrame(data)
		if err != nil {
			ws.sendError("", "invalid_frame", err.Error())
			continue
		}
		if err := ws.handleRequest(frame); err != nil {
			ws.sendError(frame.ID, errorCode(err), err.Error())
		}
	}
}

func (ws *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.ctx.Done():
			return
		case msg := <-ws.send:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := ws.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				ws.cancel()
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.cancel()
				return
			}
		}
	}
}

func decodeFrame(raw []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = "req"
	}
	if frame.Type != "req" {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if strings.TrimSpace(frame.Method) == "" {
		return nil, errors.New("method is required")
	}
	return &frame, nil
}

func (ws *wsSession) handleRequest(frame *Frame) error {
	switch frame.Method {
	case "ping":
		return ws.sendResponse(frame.ID, map[string]any{"timestamp": time.Now().UnixMilli()})
	case "tool.confirm":
		return ws.handleToolConfirm(frame)
	case "chat.abort":
		return ws.handleChatAbort(frame)
	case "chat.send":
		return ws.handleChatSend(frame)
	default:
		return fmt.Errorf("unknown method %q", frame.Method)
	}
}

func (ws *wsSession) handleToolConfirm(frame *Frame) error {
	if ws.server.cfg.Gate == nil {
		return errors.New("confirmations are not enabled")
	}
	var params toolConfirmParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.ToolCallID) == "" {
		return errors.New("toolCallId is required")
	}
	resolved := ws.server.cfg.Gate.Resolve(params.ToolCallID, approval.Decision{
		Approved: params.Approved,
		Reason:   params.Reason,
		Args:     params.Args,
	})
	return ws.sendResponse(frame.ID, map[string]any{"resolved": resolved})
}

func (ws *wsSession) handleChatAbort(frame *Frame) error {
	if ws.server.cfg.Submitter == nil {
		return errors.New("submissions are not enabled")
	}
	var params chatAbortParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	reason := params.Reason
	if reason == "" {
		reason = "user stop"
	}
	aborted := ws.server.cfg.Submitter.Cancel(params.SubmissionID, reason)
	return ws.sendResponse(frame.ID, map[string]any{"aborted": aborted})
}

// handleChatSend acknowledges at once; progress arrives as chat events.
func (ws *wsSession) handleChatSend(frame *Frame) error {
	if ws.server.cfg.Submitter == nil {
		return errors.New("submissions are not enabled")
	}
	var params chatSendParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if strings.TrimSpace(params.Text) == "" {
		return errors.New("text is required")
	}
	if params.ChatID == 0 && strings.TrimSpace(params.ChatUUID) == "" {
		return errors.New("chatId or chatUuid is required")
	}
	if params.SubmissionID == "" {
		params.SubmissionID = uuid.NewString()
	}

	in := submit.Input{
		SubmissionID: params.SubmissionID,
		ChatID:       params.ChatID,
		ChatUUID:     params.ChatUUID,
		ModelRef:     params.ModelRef,
		UserText:     params.Text,
		EarlyPersist: true,
		Stream:       true,
	}
	if err := ws.server.startSubmission(in); err != nil {
		return err
	}
	return ws.sendResponse(frame.ID, map[string]any{"status": "accepted", "submissionId": params.SubmissionID})
}

// startSubmission reserves the id before the ack so a repeated id is
// rejected on the request instead of failing silently in the background.
func (s *Server) startSubmission(in submit.Input) error {
	if s.baseCtx.Err() != nil {
		return errors.New("server is shutting down")
	}
	id := in.SubmissionID
	s.inflightMu.Lock()
	_, taken := s.inflight[id]
	if taken || s.cfg.Submitter.Active(id) {
		s.inflightMu.Unlock()
		return &submit.DuplicateSubmissionError{SubmissionID: id}
	}
	s.inflight[id] = struct{}{}
	s.inflightMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, id)
			s.inflightMu.Unlock()
		}()
		if _, err := s.cfg.Submitter.Submit(s.baseCtx, in); err != nil {
			s.logger.Info("submission ended with error", "submission_id", id, "error", err)
		}
	}()
	return nil
}

// errorCode uses the error's own code when it has one.
func errorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "request_failed"
}

func (ws *wsSession) sendResponse(id string, payload any) error {
	ok := true
	return ws.enqueue(Frame{Type: "res", ID: id, OK: &ok, Payload: payload})
}

func (ws *wsSession) sendEvent(ch events.Channel, event string, payload any) error {
	seq := atomic.AddInt64(&ws.seq, 1)
	return ws.enqueue(Frame{
		Type:    "event",
		Channel: string(ch),
		Event:   event,
		Payload: payload,
		Seq:     &seq,
	})
}

func (ws *wsSession) sendError(id, code, message string) {
	ok := false
	_ = ws.enqueue(Frame{Type: "res", ID: id, OK: &ok, Error: &FrameError{Code: code, Message: message}}) //nolint:errcheck
}

func (ws *wsSession) enqueue(frame Frame) error {
	if ws.closed.Load() {
		return errors.New("session closed")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("payload too large")
	}
	select {
	case ws.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func supportedMethods() []string {
	return []string{"ping", "tool.confirm", "chat.abort", "chat.send"}
}
