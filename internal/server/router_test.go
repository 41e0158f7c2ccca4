package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/vendalink/fieldsync/internal/engine"
	"github.com/vendalink/fieldsync/internal/notify"
	"github.com/vendalink/fieldsync/internal/queue"
)

const testAgentToken = "agent-secret"

type staticIDs struct {
	mu   sync.Mutex
	next int
}

func (p *staticIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return "m-" + string(rune('0'+p.next)), nil
}

type fakeEngine struct {
	mu           sync.Mutex
	drafts       []queue.Draft
	violations   [][]string
	createResult queue.PendingMutation
	createErr    error
	retried      []string
	retryResult  queue.PendingMutation
	retryErr     error
	drains       int
	status       engine.Status
}

func (f *fakeEngine) CreateMutation(_ context.Context, draft queue.Draft, violations []string) (queue.PendingMutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts = append(f.drafts, draft)
	f.violations = append(f.violations, violations)
	if f.createErr != nil {
		return queue.PendingMutation{}, f.createErr
	}
	return f.createResult, nil
}

func (f *fakeEngine) Drain(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	return nil
}

func (f *fakeEngine) RetryOne(_ context.Context, localID string) (queue.PendingMutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, localID)
	if f.retryErr != nil {
		return queue.PendingMutation{}, f.retryErr
	}
	return f.retryResult, nil
}

func (f *fakeEngine) CurrentStatus(context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeEngine) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

type fakeResolver struct {
	localID  string
	approved bool
	reason   string
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, localID string, approved bool, reason string) error {
	f.localID = localID
	f.approved = approved
	f.reason = reason
	return f.err
}

func newRouterStore(t *testing.T) *queue.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected sqlite open error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected db handle error: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&queue.PendingMutation{}, &queue.IdentifierCorrelation{}); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}
	store, err := queue.NewStore(queue.StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &staticIDs{},
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func newTestHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Store == nil {
		deps.Store = newRouterStore(t)
	}
	if deps.AgentToken == "" {
		deps.AgentToken = testAgentToken
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return handler
}

func performRequest(handler http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestAuthorizationGuardsAPIRoutes(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}})

	testCases := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "missing token", token: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong token", token: "other-secret", wantStatus: http.StatusUnauthorized},
		{name: "valid token", token: testAgentToken, wantStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := performRequest(handler, http.MethodGet, "/api/status", testCase.token, "")
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, recorder.Code)
			}
		})
	}
}

func TestHealthEndpointNeedsNoToken(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}})
	recorder := performRequest(handler, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", recorder.Code)
	}
}

func TestCreateOrderForwardsDraft(t *testing.T) {
	fake := &fakeEngine{createResult: queue.PendingMutation{
		LocalID: "m-1",
		Kind:    queue.KindOrder,
		State:   queue.StatePending,
	}}
	handler := newTestHandler(t, Dependencies{Engine: fake})

	body := `{"payload":{"items":[{"sku":"A","qty":2}]},"violations":["credit limit exceeded"],"justification":"seasonal"}`
	recorder := performRequest(handler, http.MethodPost, "/api/orders", testAgentToken, body)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}

	if len(fake.drafts) != 1 {
		t.Fatalf("expected one draft, got %d", len(fake.drafts))
	}
	draft := fake.drafts[0]
	if draft.Kind != queue.KindOrder {
		t.Fatalf("unexpected kind %s", draft.Kind)
	}
	if !strings.Contains(draft.PayloadJSON, `"sku":"A"`) {
		t.Fatalf("payload not forwarded: %s", draft.PayloadJSON)
	}
	if draft.Justification != "seasonal" {
		t.Fatalf("justification not forwarded: %s", draft.Justification)
	}
	if len(fake.violations[0]) != 1 || fake.violations[0][0] != "credit limit exceeded" {
		t.Fatalf("violations not forwarded: %#v", fake.violations[0])
	}

	var payload mutationPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.LocalID != "m-1" || payload.State != "PENDING" {
		t.Fatalf("unexpected response payload: %#v", payload)
	}
}

func TestCreateOrderRejectsMalformedBody(t *testing.T) {
	handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}})
	recorder := performRequest(handler, http.MethodPost, "/api/orders", testAgentToken, `{"violations":[]}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestVisitEndpointsForwardReferences(t *testing.T) {
	fake := &fakeEngine{createResult: queue.PendingMutation{LocalID: "m-1"}}
	handler := newTestHandler(t, Dependencies{Engine: fake})

	recorder := performRequest(handler, http.MethodPost, "/api/visits/checkin", testAgentToken,
		`{"payload":{"codParc":500,"codVend":10}}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	if fake.drafts[0].Kind != queue.KindVisitCheckIn {
		t.Fatalf("unexpected kind %s", fake.drafts[0].Kind)
	}

	recorder = performRequest(handler, http.MethodPost, "/api/visits/checkout", testAgentToken,
		`{"payload":{"notes":"done"},"checkin_local_id":"m-1","visit_remote_id":"7421"}`)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}
	checkout := fake.drafts[1]
	if checkout.Kind != queue.KindVisitCheckOut {
		t.Fatalf("unexpected kind %s", checkout.Kind)
	}
	if checkout.DependsOnLocalID != "m-1" || checkout.VisitRemoteID != "7421" {
		t.Fatalf("visit references not forwarded: %#v", checkout)
	}
}

func TestCheckOutWithoutReferenceIsBadRequest(t *testing.T) {
	fake := &fakeEngine{createErr: queue.ErrMissingDependency}
	handler := newTestHandler(t, Dependencies{Engine: fake})

	recorder := performRequest(handler, http.MethodPost, "/api/visits/checkout", testAgentToken,
		`{"payload":{"notes":"done"}}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	expected := `{"error":"missing_visit_reference"}`
	if recorder.Body.String() != expected {
		t.Fatalf("unexpected response body: %s", recorder.Body.String())
	}
}

func TestRetryResponses(t *testing.T) {
	t.Run("unknown mutation", func(t *testing.T) {
		fake := &fakeEngine{retryErr: queue.ErrNotFound}
		handler := newTestHandler(t, Dependencies{Engine: fake})
		recorder := performRequest(handler, http.MethodPost, "/api/queue/m-9/retry", testAgentToken, "")
		if recorder.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", recorder.Code)
		}
	})

	t.Run("service error surfaces code", func(t *testing.T) {
		_, serviceErr := engine.NewOrchestrator(engine.OrchestratorConfig{})
		fake := &fakeEngine{retryErr: serviceErr}
		handler := newTestHandler(t, Dependencies{Engine: fake})
		recorder := performRequest(handler, http.MethodPost, "/api/queue/m-1/retry", testAgentToken, "")
		if recorder.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", recorder.Code)
		}
		var payload map[string]any
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if payload["error"] != "engine.new.missing_store" {
			t.Fatalf("expected service error code, got %v", payload["error"])
		}
	})

	t.Run("success", func(t *testing.T) {
		fake := &fakeEngine{retryResult: queue.PendingMutation{LocalID: "m-1", State: queue.StateSucceeded}}
		handler := newTestHandler(t, Dependencies{Engine: fake})
		recorder := performRequest(handler, http.MethodPost, "/api/queue/m-1/retry", testAgentToken, "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", recorder.Code)
		}
		if len(fake.retried) != 1 || fake.retried[0] != "m-1" {
			t.Fatalf("retry target not forwarded: %#v", fake.retried)
		}
	})
}

func TestQueueListingReturnsAllMutations(t *testing.T) {
	store := newRouterStore(t)
	ctx := context.Background()
	if _, err := store.Enqueue(ctx, queue.Draft{Kind: queue.KindVisitCheckIn, PayloadJSON: `{"codParc":500}`}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if _, err := store.Enqueue(ctx, queue.Draft{Kind: queue.KindOrder, PayloadJSON: `{"items":[]}`}); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}, Store: store})
	recorder := performRequest(handler, http.MethodGet, "/api/queue", testAgentToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}

	var payload struct {
		Mutations []mutationPayload `json:"mutations"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Mutations) != 2 {
		t.Fatalf("expected 2 mutations, got %d", len(payload.Mutations))
	}
}

func TestSyncTriggersAsyncDrain(t *testing.T) {
	fake := &fakeEngine{}
	handler := newTestHandler(t, Dependencies{Engine: fake})

	recorder := performRequest(handler, http.MethodPost, "/api/sync", testAgentToken, "")
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", recorder.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fake.drainCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("drain never triggered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusReportsEngineSummary(t *testing.T) {
	fake := &fakeEngine{status: engine.Status{Online: true, Pending: 3, Failed: 1}}
	handler := newTestHandler(t, Dependencies{Engine: fake})

	recorder := performRequest(handler, http.MethodGet, "/api/status", testAgentToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var status engine.Status
	if err := json.Unmarshal(recorder.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !status.Online || status.Pending != 3 || status.Failed != 1 {
		t.Fatalf("unexpected status payload: %#v", status)
	}
}

func TestNotificationsDrainBufferedEvents(t *testing.T) {
	notifier := notify.NewBuffered(8, nil)
	notifier.Notify(notify.Event{Severity: notify.SeverityInfo, Title: "Order submitted"})
	notifier.Notify(notify.Event{Severity: notify.SeverityError, Title: "Order rejected"})

	handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}, Notifier: notifier})

	recorder := performRequest(handler, http.MethodGet, "/api/notifications", testAgentToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload struct {
		Events  []notify.Event `json:"events"`
		Dropped int64          `json:"dropped"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(payload.Events))
	}

	recorder = performRequest(handler, http.MethodGet, "/api/notifications", testAgentToken, "")
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Events) != 0 {
		t.Fatalf("second drain must be empty, got %d events", len(payload.Events))
	}
}

func TestResolveApproval(t *testing.T) {
	t.Run("forwards decision", func(t *testing.T) {
		resolver := &fakeResolver{}
		handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}, Approvals: resolver})
		recorder := performRequest(handler, http.MethodPost, "/api/approvals/m-1/resolve", testAgentToken,
			`{"approved":false,"reason":"margin too low"}`)
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", recorder.Code)
		}
		if resolver.localID != "m-1" || resolver.approved || resolver.reason != "margin too low" {
			t.Fatalf("decision not forwarded: %#v", resolver)
		}
	})

	t.Run("unknown mutation", func(t *testing.T) {
		resolver := &fakeResolver{err: queue.ErrNotFound}
		handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}, Approvals: resolver})
		recorder := performRequest(handler, http.MethodPost, "/api/approvals/m-9/resolve", testAgentToken,
			`{"approved":true}`)
		if recorder.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", recorder.Code)
		}
	})

	t.Run("no resolver wired", func(t *testing.T) {
		handler := newTestHandler(t, Dependencies{Engine: &fakeEngine{}})
		recorder := performRequest(handler, http.MethodPost, "/api/approvals/m-1/resolve", testAgentToken,
			`{"approved":true}`)
		if recorder.Code != http.StatusNotImplemented {
			t.Fatalf("expected 501, got %d", recorder.Code)
		}
	})
}
