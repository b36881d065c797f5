package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/chatsync/internal/auth"
)

type payload struct {
	Value string `json:"value"`
}

func testClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	return New(redisClient, nil, nil, 10*time.Millisecond, 50*time.Millisecond, zerolog.Nop()), server
}

func TestWriteAssignsMonotonicRevisions(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()

	doc, err := client.Write(ctx, "users/alice", payload{Value: "one"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.Revision)
	require.Equal(t, client.NodeID(), doc.WrittenBy)

	doc, err = client.Write(ctx, "users/alice", payload{Value: "two"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), doc.Revision)

	stored, err := client.Read(ctx, "users/alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Revision)

	var got payload
	require.NoError(t, stored.Decode(&got))
	require.Equal(t, "two", got.Value)
}

func TestWriteConflictOnStaleExpectedRevision(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()

	first, err := client.Write(ctx, "conversations/c1", payload{Value: "v1"}, nil)
	require.NoError(t, err)

	_, err = client.Write(ctx, "conversations/c1", payload{Value: "v2"}, nil)
	require.NoError(t, err)

	stale := first.Revision
	_, err = client.Write(ctx, "conversations/c1", payload{Value: "lost"}, &stale)
	require.ErrorIs(t, err, ErrConflict)

	// Re-read and reapply succeeds.
	current, err := client.Read(ctx, "conversations/c1")
	require.NoError(t, err)
	rev := current.Revision
	doc, err := client.Write(ctx, "conversations/c1", payload{Value: "applied"}, &rev)
	require.NoError(t, err)
	require.Equal(t, rev+1, doc.Revision)
}

func TestReadNotFound(t *testing.T) {
	client, _ := testClient(t)

	_, err := client.Read(context.Background(), "users/nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteEphemeralExpires(t *testing.T) {
	client, server := testClient(t)
	ctx := context.Background()

	require.NoError(t, client.WriteEphemeral(ctx, "conversations/c1/typing/alice", payload{Value: "typing"}, time.Second))

	doc, err := client.Read(ctx, "conversations/c1/typing/alice")
	require.NoError(t, err)
	require.Zero(t, doc.Revision, "ephemeral documents carry no revision")

	server.FastForward(2 * time.Second)

	_, err = client.Read(ctx, "conversations/c1/typing/alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsCollection(t *testing.T) {
	client, _ := testClient(t)
	ctx := context.Background()

	_, err := client.Write(ctx, "conversations/c1/messages/m1", payload{Value: "a"}, nil)
	require.NoError(t, err)
	_, err = client.Write(ctx, "conversations/c1/messages/m2", payload{Value: "b"}, nil)
	require.NoError(t, err)
	_, err = client.Write(ctx, "conversations/c2/messages/m3", payload{Value: "other"}, nil)
	require.NoError(t, err)

	docs, err := client.List(ctx, "conversations/c1/messages")
	require.NoError(t, err)
	require.Len(t, docs, 2)
}

func TestSubscribeDocReplaysThenStreams(t *testing.T) {
	client, _ := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := client.Write(ctx, "users/alice", payload{Value: "stored"}, nil)
	require.NoError(t, err)

	events := client.SubscribeDoc(ctx, "users/alice")

	select {
	case event := <-events:
		require.True(t, event.FromCache, "first event must be the stored-state replay")
		var got payload
		require.NoError(t, event.Doc.Decode(&got))
		require.Equal(t, "stored", got.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no replay event")
	}

	// Give the pubsub loop a moment to attach before the live write.
	time.Sleep(50 * time.Millisecond)

	_, err = client.Write(ctx, "users/alice", payload{Value: "live"}, nil)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			var got payload
			require.NoError(t, event.Doc.Decode(&got))
			if got.Value == "live" {
				require.False(t, event.FromCache)
				return
			}
		case <-deadline:
			t.Fatal("no live event")
		}
	}
}

func TestSubscribeCollectionReceivesChildWrites(t *testing.T) {
	client, _ := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := client.SubscribeCollection(ctx, "conversations/c1/messages")
	time.Sleep(50 * time.Millisecond)

	_, err := client.Write(ctx, "conversations/c1/messages/m1", payload{Value: "hello"}, nil)
	require.NoError(t, err)

	select {
	case event := <-events:
		require.Equal(t, "conversations/c1/messages/m1", event.Doc.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no collection event")
	}
}

type expiredTokens struct{}

func (expiredTokens) Token() (string, error) { return "", auth.ErrTokenExpired }

func TestWriteRejectsExpiredSession(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	client := New(redisClient, nil, expiredTokens{}, time.Millisecond, time.Millisecond, zerolog.Nop())

	_, err = client.Write(context.Background(), "users/alice", payload{}, nil)
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.True(t, Permanent(err))
	require.False(t, Retryable(err))
}

func TestClassify(t *testing.T) {
	require.ErrorIs(t, classify("read", "p", context.DeadlineExceeded), ErrDeadlineExceeded)
	require.ErrorIs(t, classify("read", "p", errors.New("connection refused")), ErrUnavailable)
	require.True(t, Retryable(classify("read", "p", errors.New("connection refused"))))
	require.ErrorIs(t, classify("read", "p", context.Canceled), context.Canceled)
	require.NoError(t, classify("read", "p", nil))
}

func TestParentPath(t *testing.T) {
	require.Equal(t, "conversations/c1/messages", parent("conversations/c1/messages/m1"))
	require.Equal(t, "users", parent("users/alice"))
	require.Equal(t, "", parent("users"))
}
