package handler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nielsarts/ai-authz-engine/internal/authz"
	"github.com/nielsarts/ai-authz-engine/internal/provider"
)

const fixtures = `
applications:
  - {id: 1, key: chat, name: Chat Assistant, status: 1, vector_dbs: [docs]}
application_configs:
  - {id: 10, application_key: chat, allowed_groups: [public]}
vector_dbs:
  - {id: 7, name: docs, type: opensearch, status: 1, group_enforcement: true}
user_groups:
  john: [sales]
`

// fakeAcknowledger records the acknowledgement of a delivery.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return a.Nack(0, false, requeue)
}

type published struct {
	routingKey string
	msg        amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{routingKey: routingKey, msg: msg})
	return nil
}

// downProvider fails every group lookup.
type downProvider struct {
	*provider.StaticProvider
}

func (downProvider) GetUserGroups(context.Context, string) ([]string, error) {
	return nil, errors.New("directory unavailable")
}

func newTestHandler(t *testing.T, p provider.DataProvider) (*Handler, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	return NewHandler(authz.NewEngine(p, zap.NewNop()), pub, zap.NewNop()), pub
}

func staticProvider(t *testing.T) *provider.StaticProvider {
	t.Helper()
	f, err := provider.ParseFixtures([]byte(fixtures))
	require.NoError(t, err)
	return provider.NewStaticProvider(f)
}

func delivery(ack amqp.Acknowledger, msgType, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:  ack,
		Type:          msgType,
		ReplyTo:       "replies",
		CorrelationId: "corr-1",
		Body:          []byte(body),
	}
}

func TestHandle_AuthorizeReplies(t *testing.T) {
	h, pub := newTestHandler(t, staticProvider(t))
	ack := &fakeAcknowledger{}

	err := h.Handle(context.Background(), delivery(ack, MessageAuthorize,
		`{"user_id":"john","application_key":"chat","request_type":"prompt"}`))
	require.NoError(t, err)
	assert.True(t, ack.acked)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "replies", pub.sent[0].routingKey)
	assert.Equal(t, "corr-1", pub.sent[0].msg.CorrelationId)
	assert.Equal(t, "authorize_result", pub.sent[0].msg.Type)

	var resp authz.AuthzResponse
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &resp))
	assert.True(t, resp.Authorized)
	assert.Equal(t, "corr-1", resp.RequestID)
	assert.Equal(t, []int64{10}, resp.PolicyIDs)
}

func TestHandle_AuthorizeVectorDBReplies(t *testing.T) {
	h, pub := newTestHandler(t, staticProvider(t))
	ack := &fakeAcknowledger{}

	err := h.Handle(context.Background(), delivery(ack, MessageAuthorizeVectorDB,
		`{"request_id":"r-9","user_id":"john","application_key":"chat"}`))
	require.NoError(t, err)
	assert.True(t, ack.acked)

	require.Len(t, pub.sent, 1)
	var resp authz.VectorDBAuthzResponse
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &resp))
	assert.Equal(t, "r-9", resp.RequestID)
	assert.Equal(t, `{"term":{"groups":"sales"}}`, resp.FilterExpression)
}

func TestHandle_RejectsMalformedWithoutRequeue(t *testing.T) {
	h, pub := newTestHandler(t, staticProvider(t))

	tests := []struct {
		name    string
		msgType string
		body    string
	}{
		{name: "invalid json", msgType: MessageAuthorize, body: `{`},
		{name: "missing fields", msgType: MessageAuthorize, body: `{"user_id":"john"}`},
		{name: "unknown type", msgType: "audit", body: `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			err := h.Handle(context.Background(), delivery(ack, tt.msgType, tt.body))
			require.Error(t, err)
			assert.True(t, ack.nacked)
			assert.False(t, ack.requeue)
		})
	}
	assert.Empty(t, pub.sent)
}

func TestHandle_RequeuesUpstreamFailure(t *testing.T) {
	h, pub := newTestHandler(t, downProvider{staticProvider(t)})
	ack := &fakeAcknowledger{}

	err := h.Handle(context.Background(), delivery(ack, MessageAuthorize,
		`{"user_id":"john","application_key":"chat","request_type":"prompt"}`))
	require.ErrorIs(t, err, authz.ErrUpstreamUnavailable)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Empty(t, pub.sent)
}

func TestHandle_RepliesWithErrorForUnknownApplication(t *testing.T) {
	h, pub := newTestHandler(t, staticProvider(t))
	ack := &fakeAcknowledger{}

	err := h.Handle(context.Background(), delivery(ack, "",
		`{"user_id":"john","application_key":"ghost","request_type":"prompt"}`))
	require.NoError(t, err)
	assert.True(t, ack.acked)

	require.Len(t, pub.sent, 1)
	var reply ErrorReply
	require.NoError(t, json.Unmarshal(pub.sent[0].msg.Body, &reply))
	assert.Equal(t, 404, reply.StatusCode)
	assert.Equal(t, "corr-1", reply.RequestID)
}

func TestHandle_PublishFailureRequeues(t *testing.T) {
	h, pub := newTestHandler(t, staticProvider(t))
	pub.err = errors.New("channel closed")
	ack := &fakeAcknowledger{}

	err := h.Handle(context.Background(), delivery(ack, MessageAuthorize,
		`{"user_id":"john","application_key":"chat","request_type":"prompt"}`))
	require.Error(t, err)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestServe_StopsWhenChannelCloses(t *testing.T) {
	h, pub := newTestHandler(t, staticProvider(t))
	msgs := make(chan amqp.Delivery, 1)
	ack := &fakeAcknowledger{}
	msgs <- delivery(ack, MessageAuthorize, `{"user_id":"john","application_key":"chat","request_type":"prompt"}`)
	close(msgs)

	h.Serve(context.Background(), msgs)

	assert.True(t, ack.acked)
	assert.Len(t, pub.sent, 1)
}
