package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/italolelis/fetchqueue/internal/broadcast"
	"github.com/italolelis/fetchqueue/internal/registry"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) Notify(_ context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, content)

	return nil
}

func TestDiscordNotifier(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "hello"))
	assert.Equal(t, "hello", got["content"])
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := (&DiscordNotifier{WebhookURL: srv.URL}).Notify(context.Background(), "x")
	require.ErrorContains(t, err, "status 429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "x")
	require.ErrorContains(t, err, "webhook URL is not set")
}

func TestNewWithoutWebhookIsNoop(t *testing.T) {
	require.NoError(t, New("").Notify(context.Background(), "ignored"))
}

func TestJobMessage(t *testing.T) {
	done := &storage.Job{ID: "abc", Type: "download-model", State: storage.StateCompleted}
	assert.Equal(t, "✅ download-model job finished (abc)", JobMessage(done))

	failed := &storage.Job{ID: "abc", Type: "embed-file", State: storage.StateFailed, AttemptsMade: 3, FailedReason: "boom"}
	assert.Equal(t, "❌ embed-file job failed after 3 attempt(s) (abc): boom", JobMessage(failed))
}

func TestOnJobFinished(t *testing.T) {
	rec := &recorder{}
	OnJobFinished(rec)(context.Background(), &storage.Job{ID: "j", Type: "download-file", State: storage.StateCompleted})

	assert.Equal(t, []string{"✅ download-file job finished (j)"}, rec.messages)
}

func TestWatchTransfers(t *testing.T) {
	hub := broadcast.NewHub[registry.Event](8)
	events, unsubscribe := hub.SubscribeAll()

	rec := &recorder{}
	done := make(chan struct{})

	go func() {
		defer close(done)
		WatchTransfers(context.Background(), rec, events)
	}()

	hub.Publish("zim-downloads", registry.Event{URL: "http://x/a.zim", Status: registry.StatusDownloading})
	hub.Publish("zim-downloads", registry.Event{URL: "http://x/a.zim", Status: registry.StatusCompleted})
	hub.Publish("maps-downloads", registry.Event{URL: "http://x/b.pmtiles", Status: registry.StatusCancelled})
	hub.Publish("maps-downloads", registry.Event{URL: "http://x/c.pmtiles", Status: registry.StatusFailed, Error: "HEAD 404"})

	unsubscribe()
	<-done

	assert.Equal(t, []string{
		"✅ Download finished on zim-downloads: http://x/a.zim",
		"❌ Download failed on maps-downloads: http://x/c.pmtiles (HEAD 404)",
	}, rec.messages)
}
