package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type envelope struct {
	Kind      string `json:"kind"`
	MessageID string `json:"message_id"`
}

func (e envelope) Attributes() map[string]string { return map[string]string{"kind": e.Kind} }
func (e envelope) OrderingKey() string           { return e.MessageID }

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	_, err := client.CreateTopic(context.Background(), "chat-cards")
	require.NoError(t, err)

	pub := New(client, "chat-cards")
	defer pub.Stop()

	id, err := pub.Publish(context.Background(), "", envelope{Kind: "progress", MessageID: "msg-1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"kind":"progress","message_id":"msg-1"}`, string(msgs[0].Data))
	require.Equal(t, "progress", msgs[0].Attributes["kind"])
	require.Equal(t, "msg-1", msgs[0].OrderingKey)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "t").Publish(context.Background(), "t", "x")
	require.Error(t, err)

	client, _ := newTestClient(t)
	pub := New(client, "")
	defer pub.Stop()

	_, err = pub.Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(context.Background(), "missing-topic", map[string]string{"k": "v"})
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "chat-cards", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
