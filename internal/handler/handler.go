// Package handler processes authorization requests received via RabbitMQ
// and replies on the requester's reply-to queue.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/nielsarts/ai-authz-engine/internal/authz"
)

// Message types accepted on the request queue. An empty type is treated as
// MessageAuthorize.
const (
	MessageAuthorize         = "authorize"
	MessageAuthorizeVectorDB = "authorize_vector_db"
)

// ReplySuffix is appended to the request type to form the reply type.
const ReplySuffix = "_result"

// Publisher publishes a reply message.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// ErrorReply is sent instead of a decision when the request could not be
// decided and retrying will not help.
type ErrorReply struct {
	RequestID  string `json:"request_id"`          // Matches the request's ID
	Error      string `json:"error"`               // Human-readable error message
	StatusCode int    `json:"status_code"`         // HTTP-style status of the failure
	Timestamp  string `json:"timestamp,omitempty"` // When the reply was generated
}

// Handler processes incoming authorization messages and validates them
// against the authorization engine.
type Handler struct {
	engine    *authz.Engine
	publisher Publisher
	logger    *zap.Logger
}

// NewHandler creates a new request handler.
func NewHandler(engine *authz.Engine, publisher Publisher, logger *zap.Logger) *Handler {
	return &Handler{
		engine:    engine,
		publisher: publisher,
		logger:    logger,
	}
}

// Serve handles deliveries until msgs closes or ctx is done.
func (h *Handler) Serve(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				h.logger.Warn("delivery channel closed")
				return
			}
			if err := h.Handle(ctx, msg); err != nil {
				h.logger.Error("failed to handle message", zap.Error(err))
			}
		}
	}
}

// Handle processes a single message. Malformed messages are rejected without
// requeue; upstream failures are requeued. Other decision errors are replied
// to with an ErrorReply.
func (h *Handler) Handle(ctx context.Context, msg amqp.Delivery) error {
	h.logger.Debug("received message",
		zap.String("type", msg.Type),
		zap.String("correlation_id", msg.CorrelationId),
	)

	var (
		requestID string
		reply     any
		err       error
	)

	switch msg.Type {
	case MessageAuthorize, "":
		var req authz.AuthzRequest
		if err := h.decode(msg, &req); err != nil {
			return h.reject(msg, err)
		}
		h.assignRequestID(msg, &req.RequestID)
		requestID = req.RequestID
		reply, err = h.engine.Authorize(ctx, &req)

	case MessageAuthorizeVectorDB:
		var req authz.VectorDBAuthzRequest
		if err := h.decode(msg, &req); err != nil {
			return h.reject(msg, err)
		}
		h.assignRequestID(msg, &req.RequestID)
		requestID = req.RequestID
		reply, err = h.engine.AuthorizeVectorDB(ctx, &req)

	default:
		return h.reject(msg, fmt.Errorf("unknown message type %q", msg.Type))
	}

	if err != nil {
		if errors.Is(err, authz.ErrUpstreamUnavailable) {
			msg.Nack(false, true) // Requeue on upstream failure
			return err
		}
		reply = ErrorReply{
			RequestID:  requestID,
			Error:      err.Error(),
			StatusCode: authz.StatusFor(err),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}
	}

	if err := h.sendResponse(ctx, msg, reply); err != nil {
		msg.Nack(false, true)
		return err
	}

	msg.Ack(false)
	h.logger.Info("successfully processed request",
		zap.String("type", msg.Type),
		zap.String("request_id", requestID),
	)
	return nil
}

func (h *Handler) decode(msg amqp.Delivery, req any) error {
	if err := json.Unmarshal(msg.Body, req); err != nil {
		return fmt.Errorf("invalid message format: %w", err)
	}
	if err := authz.Validate(req); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// assignRequestID falls back to the correlation id, then to a fresh UUID.
func (h *Handler) assignRequestID(msg amqp.Delivery, id *string) {
	if *id != "" {
		return
	}
	if msg.CorrelationId != "" {
		*id = msg.CorrelationId
		return
	}
	*id = uuid.NewString()
}

func (h *Handler) reject(msg amqp.Delivery, err error) error {
	h.logger.Error("rejecting message", zap.String("correlation_id", msg.CorrelationId), zap.Error(err))
	msg.Nack(false, false) // Don't requeue invalid messages
	return err
}

// sendResponse publishes the reply to the message's reply-to queue. Messages
// without a reply-to are fire-and-forget; the decision is only logged.
func (h *Handler) sendResponse(ctx context.Context, msg amqp.Delivery, reply any) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	if msg.ReplyTo == "" {
		h.logger.Debug("no reply-to set, dropping reply", zap.String("correlation_id", msg.CorrelationId))
		return nil
	}

	replyType := msg.Type
	if replyType == "" {
		replyType = MessageAuthorize
	}

	return h.publisher.Publish(ctx, msg.ReplyTo, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: msg.CorrelationId,
		Type:          replyType + ReplySuffix,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
}
