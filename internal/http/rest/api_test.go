package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/fetchqueue/internal/broadcast"
	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/registry"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/storage/bolt"
	"github.com/italolelis/fetchqueue/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	server  *httptest.Server
	handler *Handler
	hub     *broadcast.Hub[registry.Event]
	zim     *registry.Registry
	store   *bolt.Store
	release chan struct{}
}

// newTestAPI wires a zim registry whose transfers block until release is
// closed, and the model pull queue on a bolt store.
func newTestAPI(t *testing.T, opts ...func(*Options)) *testAPI {
	t.Helper()

	dir := t.TempDir()

	store, err := bolt.Open(filepath.Join(dir, "jobs.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	release := make(chan struct{})
	hub := broadcast.NewHub[registry.Event](16)

	zim := registry.New(registry.Options{
		Family:    "zim",
		Publisher: hub,
		Fetch: func(ctx context.Context, req transfer.Request) (string, error) {
			select {
			case <-release:
				return req.DestinationPath, nil
			case <-ctx.Done():
				return "", transfer.ErrCancelled
			}
		},
	})

	o := Options{
		Registries: map[string]*registry.Registry{"zim": zim},
		Queues: map[string]jobs.Queue{
			jobs.QueueModelDownloads: jobs.NewDispatcher(jobs.ModelPullFamily(), store, nil, nil),
			jobs.QueueDownloads:      jobs.NewDispatcher(jobs.DownloadFileFamily(), store, nil, nil),
		},
		Events:     hub,
		Catalog:    store,
		StorageDir: dir,
		Timeout:    time.Second,
	}

	for _, opt := range opts {
		opt(&o)
	}

	h := NewHandler(o)
	h.heartbeat = 20 * time.Millisecond

	srv := httptest.NewServer(h.Routes())

	api := &testAPI{server: srv, handler: h, hub: hub, zim: zim, store: store, release: release}

	t.Cleanup(func() {
		srv.Close()
		zim.CancelAll()
	})

	return api
}

func (a *testAPI) do(t *testing.T, method, path, payload string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, a.server.URL+path, strings.NewReader(payload))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestBasicAuth(t *testing.T) {
	api := newTestAPI(t, func(o *Options) {
		o.Username = "admin"
		o.Password = "secret"
	})

	resp, _ := api.do(t, http.MethodGet, "/downloads/zim", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/downloads/zim", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "wrong")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.SetBasicAuth("admin", "secret")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// health checks stay open
	resp, _ = api.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDownloads_Lifecycle(t *testing.T) {
	api := newTestAPI(t)
	body := `{"url":"https://download.kiwix.org/wiki.zim","filepath":"wiki.zim"}`

	resp, raw := api.do(t, http.MethodPost, "/downloads/zim", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))

	var started DownloadResponse
	require.NoError(t, json.Unmarshal(raw, &started))
	assert.Equal(t, "zim-downloads", started.Channel)
	assert.Equal(t, filepath.Join(api.handler.opts.StorageDir, "zim", "wiki.zim"), started.Path)

	resp, raw = api.do(t, http.MethodPost, "/downloads/zim", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(raw), "download already in progress for URL")

	resp, raw = api.do(t, http.MethodGet, "/downloads/zim", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"active":["https://download.kiwix.org/wiki.zim"],"downloaded":[]}`, string(raw))

	cancelPath := "/downloads/zim?url=" + url.QueryEscape("https://download.kiwix.org/wiki.zim")

	resp, _ = api.do(t, http.MethodDelete, cancelPath, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = api.do(t, http.MethodDelete, cancelPath, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	api.zim.Wait()
	assert.Empty(t, api.zim.List())
}

func TestDownloads_ListIncludesCatalog(t *testing.T) {
	api := newTestAPI(t)

	require.NoError(t, api.store.MarkDownloaded(context.Background(), storage.Resource{
		URL: "https://x/a.zim", Family: "zim", Path: "/data/zim/a.zim", Size: 10,
	}))

	resp, raw := api.do(t, http.MethodGet, "/downloads/zim", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list DownloadList
	require.NoError(t, json.Unmarshal(raw, &list))
	assert.Empty(t, list.Active)
	require.Len(t, list.Downloaded, 1)
	assert.Equal(t, "https://x/a.zim", list.Downloaded[0].URL)
}

func TestDownloads_BadRequests(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown family", http.MethodPost, "/downloads/movies", `{"url":"https://x/a","filepath":"a"}`, http.StatusNotFound},
		{"invalid json", http.MethodPost, "/downloads/zim", `{`, http.StatusBadRequest},
		{"invalid url", http.MethodPost, "/downloads/zim", `{"url":"ftp://x/a","filepath":"a"}`, http.StatusBadRequest},
		{"path traversal", http.MethodPost, "/downloads/zim", `{"url":"https://x/a","filepath":"../../etc/passwd"}`, http.StatusBadRequest},
		{"cancel without url", http.MethodDelete, "/downloads/zim", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(raw))

			var e errorResponse
			require.NoError(t, json.Unmarshal(raw, &e))
			assert.NotEmpty(t, e.Error)
		})
	}
}

func TestDownloadEvents(t *testing.T) {
	api := newTestAPI(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.server.URL+"/downloads/zim/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)

	go func() {
		defer close(events)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()

	// the subscription exists once the headers arrived
	r, raw := api.do(t, http.MethodPost, "/downloads/zim", `{"url":"https://x/a.zim","filepath":"a.zim"}`)
	require.Equal(t, http.StatusAccepted, r.StatusCode, string(raw))

	close(api.release)

	var got []string

	for ev := range events {
		got = append(got, ev)
		if ev == "completed" {
			break
		}
	}

	assert.Equal(t, []string{"downloading", "completed"}, got)
}

func TestJobs_DispatchAndStatus(t *testing.T) {
	api := newTestAPI(t)

	resp, raw := api.do(t, http.MethodPost, "/jobs/model-downloads", `{"modelName":"llama3.2:1b"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var first jobs.DispatchResult
	require.NoError(t, json.Unmarshal(raw, &first))
	assert.True(t, first.Created)
	assert.Equal(t, jobs.HashKey("llama3.2:1b"), first.Job.ID)

	resp, raw = api.do(t, http.MethodPost, "/jobs/model-downloads", `{"modelName":"llama3.2:1b"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var second jobs.DispatchResult
	require.NoError(t, json.Unmarshal(raw, &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Job.ID, second.Job.ID)

	resp, raw = api.do(t, http.MethodGet, "/jobs/model-downloads/status?modelName=llama3.2:1b", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status jobs.Status
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.True(t, status.Exists)
	assert.Equal(t, storage.StateWaiting, status.State)

	resp, raw = api.do(t, http.MethodGet, "/jobs/model-downloads/"+first.Job.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var byKey jobs.Status
	require.NoError(t, json.Unmarshal(raw, &byKey))
	assert.Equal(t, status, byKey)

	resp, raw = api.do(t, http.MethodGet, "/jobs/model-downloads/"+jobs.HashKey("unknown"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"exists":false,"progress":0}`, string(raw))
}

func TestJobs_StatusIgnoresTypedPayloadParams(t *testing.T) {
	api := newTestAPI(t)

	resp, raw := api.do(t, http.MethodPost, "/jobs/downloads", `{"url":"https://x/a.zim","filepath":"a.zim","forceNew":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	query := url.Values{
		"url":              {"https://x/a.zim"},
		"filepath":         {"a.zim"},
		"forceNew":         {"true"},
		"allowedMimeTypes": {"application/x-zim"},
	}

	resp, raw = api.do(t, http.MethodGet, "/jobs/downloads/status?"+query.Encode(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	var status jobs.Status
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.True(t, status.Exists)
}

func TestJobs_BadRequests(t *testing.T) {
	api := newTestAPI(t)

	resp, _ := api.do(t, http.MethodPost, "/jobs/reports", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw := api.do(t, http.MethodPost, "/jobs/model-downloads", `{"modelName":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(raw), "modelName is required")

	resp, _ = api.do(t, http.MethodGet, "/jobs/model-downloads/status", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
