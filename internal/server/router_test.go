package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tutorsync/internal/auth"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/client"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/database"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/docstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/tutorsync/internal/materials"
	"github.com/gin-gonic/gin"
)

const (
	testSigningSecret = "router-test-secret"
	testIssuer        = "tutorsync"
	testCookieName    = "tutorsync_session"
)

func TestOfferBookingFlow(t *testing.T) {
	fixture := newRouterFixture(t)

	var created offerResponsePayload
	fixture.mustJSON(t, fixture.do(t, "teacher-1", http.MethodPost, "/offers", gin.H{"title": "Algebra", "maxStudents": 1}), http.StatusCreated, &created)
	if created.Offer.TeacherID != "teacher-1" || !created.Available {
		t.Fatalf("unexpected created offer %+v", created)
	}

	var reservation ledger.Reservation
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodPost, "/offers/"+created.Offer.ID+"/reservations", gin.H{"slot": "mon-10"}), http.StatusCreated, &reservation)
	if reservation.Status != ledger.StatusPending || reservation.StudentID != "student-1" {
		t.Fatalf("unexpected reservation %+v", reservation)
	}

	var rejected map[string]string
	fixture.mustJSON(t, fixture.do(t, "student-2", http.MethodPost, "/offers/"+created.Offer.ID+"/reservations", nil), http.StatusConflict, &rejected)
	if rejected["error"] != "ledger.reserve_seat.capacity_exceeded" {
		t.Fatalf("unexpected capacity error %v", rejected)
	}

	forbidden := fixture.do(t, "student-2", http.MethodPost, "/reservations/"+reservation.ID+"/status", gin.H{"status": "cancelled"})
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected outsider status change to be forbidden, got %d", forbidden.Code)
	}

	for _, status := range []string{"confirmed", "rejected"} {
		selfApproval := fixture.do(t, "student-1", http.MethodPost, "/reservations/"+reservation.ID+"/status", gin.H{"status": status})
		if selfApproval.Code != http.StatusForbidden {
			t.Fatalf("expected student %s to be forbidden, got %d", status, selfApproval.Code)
		}
	}
	var pendingOffer offerResponsePayload
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodGet, "/offers/"+created.Offer.ID, nil), http.StatusOK, &pendingOffer)
	if pendingOffer.Offer.EnrolledCount != 0 || pendingOffer.Offer.PendingCount != 1 {
		t.Fatalf("expected forbidden changes to leave counters untouched, got %+v", pendingOffer.Offer)
	}

	var change statusResponsePayload
	fixture.mustJSON(t, fixture.do(t, "teacher-1", http.MethodPost, "/reservations/"+reservation.ID+"/status", gin.H{"status": "confirmed"}), http.StatusOK, &change)
	if !change.Changed || change.Offer.EnrolledCount != 1 || change.Offer.PendingCount != 0 {
		t.Fatalf("unexpected confirmation result %+v", change)
	}

	var fetched offerResponsePayload
	fixture.mustJSON(t, fixture.do(t, "student-2", http.MethodGet, "/offers/"+created.Offer.ID, nil), http.StatusOK, &fetched)
	if fetched.Available {
		t.Fatalf("expected full offer to be unavailable")
	}

	invalid := fixture.do(t, "student-1", http.MethodPost, "/reservations/"+reservation.ID+"/status", gin.H{"status": "pending"})
	if invalid.Code != http.StatusConflict {
		t.Fatalf("expected reopening to pending to conflict, got %d", invalid.Code)
	}

	var cancelled statusResponsePayload
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodPost, "/reservations/"+reservation.ID+"/status", gin.H{"status": "cancelled"}), http.StatusOK, &cancelled)
	if !cancelled.Changed || cancelled.Offer.EnrolledCount != 0 {
		t.Fatalf("expected student cancellation to free the seat, got %+v", cancelled)
	}

	missing := fixture.do(t, "student-1", http.MethodGet, "/offers/does-not-exist", nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected missing offer to return 404, got %d", missing.Code)
	}
}

func TestQueuedIntentsReplayAfterConnectivityReport(t *testing.T) {
	fixture := newRouterFixture(t)
	session, err := fixture.sessions.Session("student-1")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	var delivered atomic.Int32
	if err := session.Engine.Register("chat:send", func(context.Context, json.RawMessage) error {
		delivered.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var queued dispatchResponsePayload
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodPost, "/queue", gin.H{"actionKey": "chat:send", "payload": gin.H{"text": "hi"}}), http.StatusAccepted, &queued)
	if queued.Entry.ActionKey != "chat:send" || queued.Entry.ID == "" {
		t.Fatalf("unexpected queued entry %+v", queued)
	}

	offlineDrain := fixture.do(t, "student-1", http.MethodPost, "/queue/drain", nil)
	if offlineDrain.Code != http.StatusConflict {
		t.Fatalf("expected drain while offline to conflict, got %d", offlineDrain.Code)
	}

	reported := fixture.do(t, "student-1", http.MethodPost, "/connectivity", gin.H{"isConnected": true})
	if reported.Code != http.StatusAccepted {
		t.Fatalf("expected connectivity report to be accepted, got %d", reported.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var listed struct {
			Entries []json.RawMessage `json:"entries"`
		}
		fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodGet, "/queue", nil), http.StatusOK, &listed)
		if len(listed.Entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected queue to drain after reconnect, %d entries left", len(listed.Entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if delivered.Load() != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered.Load())
	}

	var executed dispatchResponsePayload
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodPost, "/queue", gin.H{"actionKey": "chat:send"}), http.StatusOK, &executed)
	if executed.Status != "executed" {
		t.Fatalf("expected online dispatch to execute, got %s", executed.Status)
	}
}

func TestMaterialEndpointsWhileOffline(t *testing.T) {
	fixture := newRouterFixture(t)
	material := materials.Material{ID: "m-1", ReservationID: "r-1", FileName: "notes.txt", StorageKey: "m-1", CreatedAtMs: 10}

	unavailable := fixture.do(t, "student-1", http.MethodPost, "/materials/open", gin.H{"material": material})
	if unavailable.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected uncached offline open to fail with 503, got %d", unavailable.Code)
	}

	var outcome materials.DownloadOutcome
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodPost, "/materials/download", gin.H{"material": material}), http.StatusAccepted, &outcome)
	if outcome.Status != materials.DownloadQueued || outcome.QueueID == "" {
		t.Fatalf("unexpected download outcome %+v", outcome)
	}

	var unseen map[string]bool
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodPost, "/materials/unseen", gin.H{"material": material}), http.StatusOK, &unseen)
	if !unseen["unseen"] {
		t.Fatalf("expected new material to be unseen")
	}
	viewed := fixture.do(t, "student-1", http.MethodPost, "/materials/viewed", gin.H{"material": material})
	if viewed.Code != http.StatusNoContent {
		t.Fatalf("expected viewed to return 204, got %d", viewed.Code)
	}
	fixture.mustJSON(t, fixture.do(t, "student-1", http.MethodPost, "/materials/unseen", gin.H{"material": material}), http.StatusOK, &unseen)
	if unseen["unseen"] {
		t.Fatalf("expected viewed material to be seen")
	}

	invalid := fixture.do(t, "student-1", http.MethodPost, "/materials/download", gin.H{"material": gin.H{"id": "m-2"}})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected material without storage key to be rejected, got %d", invalid.Code)
	}
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	fixture := newRouterFixture(t)
	request := httptest.NewRequest(http.MethodGet, "/queue", http.NoBody)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}

	health := httptest.NewRecorder()
	fixture.handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if health.Code != http.StatusOK {
		t.Fatalf("expected public health check, got %d", health.Code)
	}
}

func TestSessionCookieAuthenticates(t *testing.T) {
	fixture := newRouterFixture(t)
	token, _, err := fixture.issuer.IssueSessionToken("student-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/connectivity", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected cookie session to authenticate, got %d", recorder.Code)
	}
}

func TestEventStreamDeliversConnectivityAndQueueEvents(t *testing.T) {
	fixture := newRouterFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	token, _, err := fixture.issuer.IssueSessionToken("student-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := server.Client().Do(request)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer response.Body.Close()

	reader := bufio.NewReader(response.Body)
	waitForEvent(t, reader, RealtimeEventConnectivity)

	for fixture.realtime.SubscriberCount("student-1") == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	fixture.realtime.Publish(RealtimeMessage{UserID: "student-1", EventType: RealtimeEventQueueChanged, Payload: gin.H{"pending": 1}})
	waitForEvent(t, reader, RealtimeEventQueueChanged)
}

func waitForEvent(t *testing.T, reader *bufio.Reader, eventType string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before %s event: %v", eventType, err)
		}
		if strings.TrimSpace(line) == "event:"+eventType {
			return
		}
	}
}

type routerFixture struct {
	handler  http.Handler
	issuer   *auth.TokenIssuer
	sessions *client.Registry
	realtime *RealtimeDispatcher
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "router.db"), nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	documents, err := docstore.NewGormStore(docstore.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("document store: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{Store: documents})
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}

	kv := kvstore.NewSQLiteStore(db)
	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{})
	blobs, err := blobstore.NewFileStore(filepath.Join(t.TempDir(), "blobs"), nil)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	cache, err := materials.NewCache(materials.CacheConfig{
		KV:           kv,
		Blobs:        blobs,
		Dir:          filepath.Join(t.TempDir(), "materials"),
		Connectivity: monitor,
	})
	if err != nil {
		t.Fatalf("material cache: %v", err)
	}
	registry, err := client.NewRegistry(client.RegistryConfig{
		KV:           kv,
		Connectivity: monitor,
		Materials:    cache,
		DrainOnStart: true,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(registry.Close)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		Validator:      validator,
		Ledger:         ledgerService,
		Sessions:       registry,
		Materials:      cache,
		Connectivity:   monitor,
		Realtime:       realtime,
		AllowedOrigins: []string{"http://localhost:5173"},
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return &routerFixture{handler: handler, issuer: issuer, sessions: registry, realtime: realtime}
}

func (f *routerFixture) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	token, _, err := f.issuer.IssueSessionToken(userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) mustJSON(t *testing.T, recorder *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	if recorder.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d: %s", expectedStatus, recorder.Code, recorder.Body.String())
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
