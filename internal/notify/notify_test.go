package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milapp/internal/config"
	"milapp/internal/domain"
)

func sampleEvent(typ string) Event {
	return Event{
		ID:        "evt-1",
		Type:      typ,
		ProjectID: "p1",
		ActorID:   "ana",
		From:      domain.StageMVP,
		To:        domain.StageTesteOperacional,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWebhookDelivers(t *testing.T) {
	var got Event
	var headers http.Header
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(config.WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	require.NoError(t, hook.Notify(context.Background(), sampleEvent(EventStageAdvanced)))

	assert.Equal(t, EventStageAdvanced, headers.Get("X-Milapp-Event"))
	assert.Equal(t, "evt-1", headers.Get("X-Milapp-Delivery"))
	assert.Equal(t, "p1", headers.Get("X-Milapp-Project"))
	assert.Empty(t, headers.Get("X-Milapp-Secret"))
	assert.Equal(t, domain.StageTesteOperacional, got.To)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), headers.Get(SignatureHeader))
	assert.Equal(t, headers.Get(SignatureHeader), Sign("s3cret", body))
	assert.NotEqual(t, Sign("other", body), headers.Get(SignatureHeader))
}

func TestWebhookWithoutSecretIsUnsigned(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := NewWebhook(config.WebhookConfig{URL: srv.URL})
	require.NoError(t, hook.Notify(context.Background(), sampleEvent(EventStageAdvanced)))
	assert.Empty(t, headers.Get(SignatureHeader))
}

func TestWebhookFilterAndStatus(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook := NewWebhook(config.WebhookConfig{URL: srv.URL, Events: []string{"gate.*"}})
	require.NoError(t, hook.Notify(context.Background(), sampleEvent(EventStageAdvanced)))
	assert.Equal(t, 0, calls)

	err := hook.Notify(context.Background(), sampleEvent(EventGateEscalated))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
	assert.Equal(t, 1, calls)
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{" stage.advanced ", ""})
	assert.True(t, f.match(EventStageAdvanced))
	assert.False(t, f.match(EventStageReverted))
	assert.True(t, newEventFilter([]string{" "}).match("anything"))
}

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisPublishes(t *testing.T) {
	pub := &fakePublisher{}
	r := &Redis{Client: pub, Channel: "milapp.events"}
	require.NoError(t, r.Notify(context.Background(), sampleEvent(EventGateDecision)))
	assert.Equal(t, "milapp.events", pub.channel)

	var evt Event
	require.NoError(t, json.Unmarshal(pub.message, &evt))
	assert.Equal(t, EventGateDecision, evt.Type)

	pub.err = errors.New("down")
	assert.ErrorContains(t, r.Notify(context.Background(), sampleEvent(EventGateDecision)), "down")
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &Recorder{}
	bad := &Recorder{Err: errors.New("unreachable")}
	m := Multi{ok, bad, Nop{}}

	err := m.Notify(context.Background(), sampleEvent(EventProjectCreated))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
	assert.Equal(t, []string{EventProjectCreated}, ok.Types())
	assert.Len(t, bad.Events, 1)
}
