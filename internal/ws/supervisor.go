package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"relay-service/internal/chats"
	"relay-service/internal/models"
	"relay-service/internal/observability"
	"relay-service/internal/presence"
	"relay-service/internal/reconcile"
	"relay-service/internal/router"
	"relay-service/internal/telemetry"
)

// State is the lifecycle stage of a session.
type State int

const (
	StateConnecting State = iota
	StateValidating
	StateActive
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateValidating:
		return "validating"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handshake is what a client declares when it connects.
type Handshake struct {
	UserID     string
	Watermarks reconcile.Watermarks
}

// ParseHandshake reads the connection query. Missing or unparseable
// watermarks mean "send everything".
func ParseHandshake(q url.Values) Handshake {
	return Handshake{
		UserID: q.Get("user_id"),
		Watermarks: reconcile.Watermarks{
			Users:    reconcile.ParseWatermark(q.Get("epoch_date_users")),
			Chats:    reconcile.ParseWatermark(q.Get("epoch_date_chat")),
			Messages: reconcile.ParseWatermark(q.Get("epoch_date_messages")),
		},
	}
}

// Session binds one client to the user it declared.
type Session struct {
	client    *Client
	handshake Handshake
	state     State
}

func NewSession(client *Client, handshake Handshake) *Session {
	return &Session{client: client, handshake: handshake, state: StateConnecting}
}

// ID returns the socket id of the session.
func (s *Session) ID() string {
	return s.client.id
}

// UserID returns the user the session declared at handshake.
func (s *Session) UserID() string {
	return s.handshake.UserID
}

// Components are the domain services a Supervisor drives.
type Components struct {
	Presence *presence.Registry
	Chats    *chats.Registry
	Router   *router.Router
	Engine   *reconcile.Engine
}

// Supervisor runs every session event against the shared state. A single
// mutex orders all events into one timeline.
type Supervisor struct {
	mu             sync.Mutex
	hub            *Hub
	presence       *presence.Registry
	chats          *chats.Registry
	router         *router.Router
	engine         *reconcile.Engine
	audit          *telemetry.AuditEmitter
	logger         *zap.SugaredLogger
	offlineOnClose bool
	handlers       map[string]eventHandler
}

type SupervisorOption func(*Supervisor)

// WithOfflineOnClose controls whether a transport close marks the user offline.
func WithOfflineOnClose(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.offlineOnClose = enabled }
}

// WithAudit attaches an audit emitter.
func WithAudit(audit *telemetry.AuditEmitter) SupervisorOption {
	return func(s *Supervisor) { s.audit = audit }
}

func NewSupervisor(hub *Hub, c Components, logger *zap.SugaredLogger, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		hub:            hub,
		presence:       c.Presence,
		chats:          c.Chats,
		router:         c.Router,
		engine:         c.Engine,
		logger:         logger,
		offlineOnClose: true,
	}
	s.handlers = map[string]eventHandler{
		models.EventEditUser:       s.editUser,
		models.EventUserToken:      s.updateToken,
		models.EventDisconnectUser: s.disconnectUser,
		models.EventValidateChat:   s.validateChat,
		models.EventSendMessage:    s.sendMessage,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// eventHandler runs with the supervisor lock held.
type eventHandler func(ctx context.Context, sess *Session, data []byte) outcome

type outcome struct {
	ack    any
	err    error
	events []domainEvent
	close  bool
}

type domainEvent struct {
	routingKey string
	name       string
	payload    any
}

// Connect validates the declared identity, registers the session and pushes
// the catch-up delta. ErrInvalidIdentity means the caller must close the
// transport.
func (s *Supervisor) Connect(ctx context.Context, sess *Session) error {
	var events []domainEvent
	err := func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		sess.state = StateValidating
		userID := sess.handshake.UserID
		if !models.IsValidUserID(userID) {
			sess.state = StateDisconnected
			return models.ErrInvalidIdentity
		}

		s.hub.Add(sess.client)
		sess.state = StateActive

		user, known, err := s.presence.RegisterOrRefresh(userID, sess.ID())
		if err != nil {
			return err
		}
		if known {
			events = append(events, domainEvent{observability.RoutePresenceOnline, "presence_online", presencePayload(user)})
		}

		delta := s.engine.Compute(userID, sess.handshake.Watermarks)
		pushed := s.engine.Push(sess.ID(), delta)
		s.logger.Infow("session connected",
			"user_id", userID,
			"socket_id", sess.ID(),
			"known_user", known,
			"catch_up_users", len(delta.Users),
			"catch_up_chats", len(delta.Chats),
			"catch_up_messages", len(delta.Messages),
			"pushed", pushed,
		)
		return nil
	}()
	if err != nil {
		s.auditEvent(ctx, sess, telemetry.LevelWarn, fmt.Sprintf("connection rejected: %v", err))
		return err
	}
	s.publish(ctx, sess, events)
	return nil
}

// HandleFrame decodes and runs one inbound frame.
func (s *Supervisor) HandleFrame(ctx context.Context, sess *Session, raw []byte) {
	frame, err := decodeFrame(raw)
	if err != nil {
		observability.IncWSEvent("invalid", "rejected")
		s.logger.Debugw("rejected frame", "socket_id", sess.ID(), "error", err)
		s.respond(sess, frame, outcome{err: err})
		return
	}

	handler, ok := s.handlers[frame.Event]
	if !ok {
		observability.IncWSEvent("unknown", "rejected")
		s.respond(sess, frame, outcome{err: fmt.Errorf("%w: unknown event %q", models.ErrMalformedPayload, frame.Event)})
		return
	}

	ctx, span := otel.Tracer("relay-service/ws").Start(ctx, "ws.event "+frame.Event)
	defer span.End()
	span.SetAttributes(
		attribute.String("ws.event", frame.Event),
		attribute.String("ws.socket_id", sess.ID()),
		attribute.String("user.id", sess.UserID()),
	)

	out, handled := s.run(ctx, sess, handler, frame.Data)
	if !handled {
		observability.IncWSEvent(frame.Event, "ignored")
		return
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		observability.IncWSEvent(frame.Event, "failed")
	} else {
		observability.IncWSEvent(frame.Event, "ok")
	}

	s.respond(sess, frame, out)
	if out.close {
		sess.client.Close()
	}
	s.publish(ctx, sess, out.events)
}

func (s *Supervisor) run(ctx context.Context, sess *Session, handler eventHandler, data []byte) (out outcome, handled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.state != StateActive {
		return outcome{}, false
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorw("panic while handling event", "socket_id", sess.ID(), "panic", rec)
			out, handled = outcome{err: fmt.Errorf("internal error: %v", rec)}, true
		}
	}()

	out = handler(ctx, sess, data)
	if out.close {
		sess.state = StateDisconnected
		s.hub.Remove(sess.client)
	}
	return out, true
}

// Disconnect ends the session after the transport closed. When offline on
// close is enabled the user goes offline only if this socket still represents
// them.
func (s *Supervisor) Disconnect(ctx context.Context, sess *Session, reason string) {
	var events []domainEvent
	func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		wasActive := sess.state == StateActive
		sess.state = StateDisconnected
		s.hub.Remove(sess.client)
		if !wasActive || !s.offlineOnClose {
			return
		}

		userID := sess.handshake.UserID
		socketID, ok := s.presence.SocketFor(userID)
		if !ok || socketID != sess.ID() {
			return
		}
		user, err := s.presence.MarkOffline(sess.ID(), userID)
		if err != nil {
			s.logger.Warnw("error marking user offline", "user_id", userID, "error", err)
			return
		}
		events = append(events, domainEvent{observability.RoutePresenceOff, "presence_offline", presencePayload(user)})
	}()

	sess.client.Close()
	s.logger.Infow("session disconnected", "user_id", sess.UserID(), "socket_id", sess.ID(), "reason", reason)
	s.publish(ctx, sess, events)
}

func (s *Supervisor) editUser(ctx context.Context, sess *Session, data []byte) outcome {
	req, err := decodeData[models.EditUserRequest](data)
	if err != nil {
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}

	user, created, err := s.presence.EditProfile(sess.ID(), req)
	switch {
	case errors.Is(err, models.ErrInvalidIdentity):
		return outcome{err: err, ack: models.Ack{Success: false, Message: "Invalid user ID"}}
	case errors.Is(err, presence.ErrDuplicateUsername):
		s.auditEvent(ctx, sess, telemetry.LevelInfo, fmt.Sprintf("username %q already taken", req.Username))
		return outcome{err: err, ack: models.Ack{Success: false, Message: "Username already exists"}}
	case err != nil:
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}

	name := "user_updated"
	if created {
		name = "user_created"
	}
	return outcome{
		ack:    models.Ack{Success: true},
		events: []domainEvent{{observability.RouteUserUpdated, name, presencePayload(user)}},
	}
}

func (s *Supervisor) updateToken(_ context.Context, sess *Session, data []byte) outcome {
	req, err := decodeData[models.TokenUpdateRequest](data)
	if err != nil {
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}
	if _, err := s.presence.UpdateToken(sess.ID(), req); err != nil {
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}
	return outcome{ack: models.Ack{Success: true}}
}

func (s *Supervisor) disconnectUser(_ context.Context, sess *Session, data []byte) outcome {
	req, err := decodeData[models.DisconnectRequest](data)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}

	user, err := s.presence.MarkOffline(sess.ID(), req.UserID)
	if err != nil {
		s.logger.Warnw("disconnect for unknown user", "user_id", req.UserID, "socket_id", sess.ID())
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}
	// Only a user signing itself off ends the session; the caller's own
	// presence is left to the transport close otherwise.
	return outcome{
		ack:    models.Ack{Success: true},
		events: []domainEvent{{observability.RoutePresenceOff, "presence_offline", presencePayload(user)}},
		close:  req.UserID == sess.UserID(),
	}
}

func (s *Supervisor) validateChat(_ context.Context, sess *Session, data []byte) outcome {
	req, err := decodeData[models.CreateChatRequest](data)
	if err != nil {
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}

	chat, err := s.chats.CreateIfAbsent(req)
	switch {
	case errors.Is(err, chats.ErrAlreadyExists):
		s.hub.Emit(sess.ID(), models.EventChatValidation, models.ChatValidation{Exists: true})
		return outcome{ack: models.ChatValidation{Exists: true}}
	case err != nil:
		return outcome{err: err, ack: models.Ack{Success: false, Error: err.Error()}}
	}

	notified := s.chats.NotifyMembers(chat, sess.ID())
	return outcome{
		ack: models.ChatValidation{Exists: false},
		events: []domainEvent{{observability.RouteChatCreated, "chat_created", map[string]interface{}{
			"chat_id":  chat.ID,
			"type":     chat.Type,
			"members":  chat.Members,
			"notified": notified,
		}}},
	}
}

func (s *Supervisor) sendMessage(ctx context.Context, sess *Session, data []byte) outcome {
	failed := models.Ack{Success: false, Error: "Failed to deliver message."}

	req, err := decodeData[models.SendMessageRequest](data)
	if err != nil {
		return outcome{err: fmt.Errorf("%w: %w", router.ErrDeliveryFailed, err), ack: failed}
	}

	msg, delivered, err := s.router.Send(req)
	if err != nil {
		s.logger.Warnw("message delivery failed", "message_id", req.ID, "chat_id", req.ChatID, "error", err)
		s.auditEvent(ctx, sess, telemetry.LevelWarn, fmt.Sprintf("message %s rejected: %v", req.ID, err))
		return outcome{err: err, ack: failed}
	}
	return outcome{
		ack: models.Ack{Success: true, Message: "Message delivered successfully."},
		events: []domainEvent{{observability.RouteMessageSent, "message_sent", map[string]interface{}{
			"message_id":     msg.ID,
			"chat_id":        msg.ChatID,
			"sender_id":      msg.SenderID,
			"recipient_type": msg.RecipientType,
			"delivered":      delivered,
		}}},
	}
}

// respond sends the acknowledgement when the frame asked for one. Boundary
// errors on frames without an ack id are reported as an error event.
func (s *Supervisor) respond(sess *Session, frame inboundFrame, out outcome) {
	if frame.Ack != nil {
		payload := out.ack
		if payload == nil {
			payload = models.Ack{Success: out.err == nil, Error: errorText(out.err)}
		}
		reply, err := encodeAck(*frame.Ack, payload)
		if err != nil {
			s.logger.Errorw("error encoding ack", "event", frame.Event, "error", err)
			return
		}
		sess.client.enqueue(reply)
		return
	}
	if out.err == nil || !isBoundaryError(out.err) {
		return
	}
	reply, err := encodeEvent(models.EventError, models.ErrorEvent{Event: frame.Event, Error: out.err.Error()})
	if err != nil {
		s.logger.Errorw("error encoding error event", "error", err)
		return
	}
	sess.client.enqueue(reply)
}

func (s *Supervisor) publish(ctx context.Context, sess *Session, events []domainEvent) {
	if len(events) == 0 {
		return
	}
	info := sess.client.info
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	for _, ev := range events {
		err := observability.PublishEvent(ctx, ev.routingKey, observability.EventEnvelope{
			EventType: "relay_events",
			EventName: ev.name,
			Payload:   ev.payload,
		}, headers)
		if err != nil {
			s.logger.Warnw("error publishing event", "routing_key", ev.routingKey, "error", err)
		}
	}
}

func (s *Supervisor) auditEvent(ctx context.Context, sess *Session, level, text string) {
	if s.audit == nil {
		return
	}
	var userID *string
	if id := sess.UserID(); id != "" {
		userID = &id
	}
	s.audit.Emit(ctx, level, text, sess.client.info.RequestID, userID)
}

func presencePayload(u models.User) map[string]interface{} {
	return map[string]interface{}{
		"user_id":     u.ID,
		"is_online":   u.IsOnline,
		"last_online": u.LastOnline,
		"socket_id":   u.SocketID,
	}
}

func isBoundaryError(err error) bool {
	return errors.Is(err, models.ErrMalformedPayload) ||
		errors.Is(err, models.ErrInvalidIdentity) ||
		errors.Is(err, router.ErrDeliveryFailed)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
