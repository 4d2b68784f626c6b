package notify

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/irc-relay/config"
	"github.com/onnwee/irc-relay/record"
	"github.com/onnwee/irc-relay/testutil"
)

func highlightRecord(text string) record.Record {
	return record.Record{
		ID:            record.NewID(),
		Channel:       "alpha/x",
		Server:        "alpha",
		Username:      "carol",
		Time:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Payload:       record.Message{Text: text},
		HighlightedBy: []string{"bob"},
	}
}

func subscription(t *testing.T, endpoint string) Subscription {
	p256dh, auth := testutil.PushClientKeys(t)
	return Subscription{Endpoint: endpoint, Keys: Keys{P256DH: p256dh, Auth: auth}}
}

func newPusher(t *testing.T) (*Pusher, *testutil.MockPushEndpoint) {
	t.Helper()
	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	p, err := New(config.Push{
		VAPIDPublicKey:    public,
		VAPIDPrivateKey:   private,
		Subscriber:        "ops@example.com",
		SubscriptionsFile: filepath.Join(t.TempDir(), "push.json"),
	})
	require.NoError(t, err)
	require.NotNil(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p, testutil.NewMockPushEndpoint(t)
}

func TestNewDisabledWithoutKeys(t *testing.T) {
	p, err := New(config.Push{SubscriptionsFile: "push.json"})
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPusherDeliversHighlight(t *testing.T) {
	p, endpoint := newPusher(t)
	require.NoError(t, p.Subscriptions().Upsert(subscription(t, endpoint.Endpoint("laptop"))))

	p.Notify(highlightRecord("hey bob"), "#x")

	require.Eventually(t, func() bool { return len(endpoint.Requests()) == 1 }, 3*time.Second, 10*time.Millisecond)
	req := endpoint.Requests()[0]
	assert.Equal(t, "/push/laptop", req.Path)
	assert.Equal(t, "aes128gcm", req.Header.Get("Content-Encoding"))
	assert.Equal(t, "3600", req.Header.Get("TTL"))
	assert.True(t, strings.HasPrefix(req.Header.Get("Authorization"), "vapid "), "authorization: %q", req.Header.Get("Authorization"))
	assert.NotContains(t, string(req.Body), "hey bob", "payload must be encrypted")
}

func TestPusherDropsExpiredSubscriptions(t *testing.T) {
	p, endpoint := newPusher(t)
	endpoint.SetStatus("old-phone", http.StatusGone)
	require.NoError(t, p.Subscriptions().Upsert(subscription(t, endpoint.Endpoint("old-phone"))))
	require.NoError(t, p.Subscriptions().Upsert(subscription(t, endpoint.Endpoint("laptop"))))

	p.Notify(highlightRecord("hey bob"), "#x")

	require.Eventually(t, func() bool {
		subs, err := p.Subscriptions().List()
		return err == nil && len(subs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	subs, err := p.Subscriptions().List()
	require.NoError(t, err)
	assert.Equal(t, endpoint.Endpoint("laptop"), subs[0].Endpoint)
}

type blockingSender struct{ release chan struct{} }

func (s blockingSender) Send(ctx context.Context, _ []byte, _ Subscription) (int, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return http.StatusCreated, nil
}

func TestNotifyNeverBlocks(t *testing.T) {
	p := NewWithSender("pub", NewFileStore(filepath.Join(t.TempDir(), "push.json")), blockingSender{release: make(chan struct{})})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultQueueSize*2; i++ {
			p.Notify(highlightRecord("hey bob"), "#x")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	assert.Len(t, p.jobs, defaultQueueSize)
}

func TestMessageFor(t *testing.T) {
	r := highlightRecord("hey bob")
	r.Symbol = "@"
	m := messageFor(r, "alpha #x")
	assert.Equal(t, "alpha #x", m.Title)
	assert.Equal(t, "<@carol> hey bob", m.Body)
	assert.Equal(t, r.ID, m.RecordID)
	assert.Equal(t, "alpha/x", m.Tag)
	assert.Equal(t, "2024-05-01T12:00:00Z", m.Timestamp)
}
