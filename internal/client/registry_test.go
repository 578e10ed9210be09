package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/materials"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/syncqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedAction struct {
	path   string
	userID string
	body   string
}

func TestSessionsAreCreatedOncePerUser(t *testing.T) {
	registry := newTestRegistry(t, connectivity.NewMonitor(connectivity.MonitorConfig{}), nil)

	first, err := registry.Session("student-1")
	require.NoError(t, err)
	second, err := registry.Session(" student-1 ")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = registry.Session("")
	assert.ErrorIs(t, err, ErrInvalidUserID)
	assert.Len(t, registry.Sessions(), 1)
}

func TestForwardedIntentsReplayWhenConnectivityReturns(t *testing.T) {
	var mu sync.Mutex
	var received []recordedAction
	backend := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		body, _ := io.ReadAll(request.Body)
		mu.Lock()
		received = append(received, recordedAction{path: request.URL.Path, userID: request.Header.Get(userIDHeader), body: string(body)})
		mu.Unlock()
		writer.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	forwarder, err := NewForwarder(backend.URL, []string{"chat:send"}, backend.Client())
	require.NoError(t, err)
	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{})
	registry := newTestRegistry(t, monitor, []HandlerBinder{forwarder.Binder()})

	session, err := registry.Session("student-1")
	require.NoError(t, err)
	for _, text := range []string{"A", "B", "C"} {
		outcome, err := session.Engine.Dispatch(context.Background(), "chat:send", map[string]string{"text": text})
		require.NoError(t, err)
		require.Equal(t, syncqueue.DispatchQueued, outcome.Status)
	}

	monitor.Report(connectivity.Signal{IsConnected: true})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for index, text := range []string{"A", "B", "C"} {
		assert.Equal(t, "/actions/chat:send", received[index].path)
		assert.Equal(t, "student-1", received[index].userID)
		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(received[index].body), &payload))
		assert.Equal(t, text, payload["text"])
	}
}

func TestOfflineMaterialDownloadQueuesOnUserSession(t *testing.T) {
	ctx := context.Background()
	blobDir := t.TempDir()
	blobs, err := blobstore.NewFileStore(blobDir, nil)
	require.NoError(t, err)
	require.NoError(t, blobs.Upload(ctx, "m-1", []byte("lesson notes"), "text/plain"))

	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{})
	kv := kvstore.NewMemoryStore()
	cache, err := materials.NewCache(materials.CacheConfig{
		KV:           kv,
		Blobs:        blobs,
		Dir:          filepath.Join(t.TempDir(), "materials"),
		Connectivity: monitor,
	})
	require.NoError(t, err)
	registry, err := NewRegistry(RegistryConfig{KV: kv, Connectivity: monitor, Materials: cache, DrainOnStart: true})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	material := materials.Material{ID: "m-1", ReservationID: "r-1", FileName: "notes.txt", StorageKey: "m-1", CreatedAtMs: 5}
	outcome, err := cache.Download(ctx, "student-1", material)
	require.NoError(t, err)
	assert.Equal(t, materials.DownloadQueued, outcome.Status)

	session, err := registry.Session("student-1")
	require.NoError(t, err)
	pending, err := session.Engine.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	monitor.Report(connectivity.Signal{IsConnected: true})
	require.Eventually(t, func() bool {
		_, found, err := cache.GetEntry(ctx, "student-1", "m-1")
		return err == nil && found
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDrainAllSkipsWhileOffline(t *testing.T) {
	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{})
	registry := newTestRegistry(t, monitor, nil)
	session, err := registry.Session("student-1")
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, session.Engine.Register("sweep:test", func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}))
	_, err = session.Engine.Enqueue(context.Background(), "sweep:test", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, registry.DrainAll(context.Background()))
	assert.Zero(t, calls.Load())
}

func TestSchedulerSweepsOnSchedule(t *testing.T) {
	drainer := &countingDrainer{}
	scheduler := NewScheduler("@every 1s", drainer, nil)
	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	require.Eventually(t, func() bool { return drainer.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	scheduler := NewScheduler("every now and then", &countingDrainer{}, nil)
	assert.Error(t, scheduler.Start())

	disabled := NewScheduler("", &countingDrainer{}, nil)
	assert.NoError(t, disabled.Start())
	disabled.Stop()
}

func TestNewForwarderValidatesURL(t *testing.T) {
	forwarder, err := NewForwarder("", []string{"chat:send"}, nil)
	require.NoError(t, err)
	assert.Nil(t, forwarder)
	require.NoError(t, forwarder.Binder()("student-1", nil))

	_, err = NewForwarder("not a url", nil, nil)
	assert.Error(t, err)
}

type countingDrainer struct {
	calls atomic.Int32
}

func (d *countingDrainer) DrainAll(context.Context) int {
	d.calls.Add(1)
	return 0
}

func newTestRegistry(t *testing.T, monitor Connectivity, binders []HandlerBinder) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{
		KV:           kvstore.NewMemoryStore(),
		Connectivity: monitor,
		Binders:      binders,
		DrainOnStart: true,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	return registry
}
