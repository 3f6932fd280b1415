package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/backlinehq/backline/internal/bus"
	"github.com/backlinehq/backline/internal/channels"
	"github.com/backlinehq/backline/internal/config"
	"github.com/backlinehq/backline/internal/intake"
	"github.com/backlinehq/backline/internal/orchestrator"
	"github.com/backlinehq/backline/internal/pipeline"
	"github.com/backlinehq/backline/internal/store"
	"github.com/backlinehq/backline/internal/worker"
	"github.com/backlinehq/backline/pkg/protocol"
)

// --- fakes ---

type fakeQueue struct {
	mu    sync.Mutex
	items map[uuid.UUID]*pipeline.Item
}

func newFakeQueue(items ...*pipeline.Item) *fakeQueue {
	q := &fakeQueue{items: make(map[uuid.UUID]*pipeline.Item)}
	for _, it := range items {
		q.items[it.ID] = it
	}
	return q
}

func (q *fakeQueue) Enqueue(ctx context.Context, item *pipeline.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.ID] = item
	return nil
}

func (q *fakeQueue) ClaimBatch(ctx context.Context, limit int) ([]*pipeline.Item, error) {
	return nil, nil
}

func (q *fakeQueue) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

func (q *fakeQueue) SaveProgress(ctx context.Context, item *pipeline.Item) error { return nil }

func (q *fakeQueue) RecordOutcome(ctx context.Context, item *pipeline.Item, out store.Outcome) error {
	return nil
}

func (q *fakeQueue) Get(ctx context.Context, id uuid.UUID) (*pipeline.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items[id], nil
}

func (q *fakeQueue) ListByState(ctx context.Context, state pipeline.State, limit int) ([]*pipeline.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*pipeline.Item
	for _, it := range q.items {
		if it.State == state && len(out) < limit {
			out = append(out, it)
		}
	}
	return out, nil
}

func (q *fakeQueue) CountByState(ctx context.Context) (map[pipeline.State]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[pipeline.State]int)
	for _, it := range q.items {
		counts[it.State]++
	}
	return counts, nil
}

type fakeAudit struct {
	entries []*store.AuditEntry
}

func (a *fakeAudit) Append(ctx context.Context, e *store.AuditEntry) error {
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) ListByTarget(ctx context.Context, targetID string, limit int) ([]*store.AuditEntry, error) {
	var out []*store.AuditEntry
	for _, e := range a.entries {
		if e.TargetID == targetID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeResumer struct {
	item *pipeline.Item
	err  error

	gotID uuid.UUID
	gotD  pipeline.Decision
}

func (f *fakeResumer) Resume(ctx context.Context, id uuid.UUID, d pipeline.Decision) (*pipeline.Item, error) {
	f.gotID = id
	f.gotD = d
	if f.err != nil {
		return nil, f.err
	}
	return f.item, nil
}

type fakeWorker struct {
	mu    sync.Mutex
	kicks int
	sum   worker.TickSummary
	at    time.Time
}

func (f *fakeWorker) Kick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks++
}

func (f *fakeWorker) LastSummary() (worker.TickSummary, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sum, f.at
}

func (f *fakeWorker) kicked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicks
}

// echoWebhook is a minimal webhook adapter: reads the body, answers 200.
type echoWebhook struct {
	name string
	path string
}

func (e *echoWebhook) Name() string { return e.name }
func (e *echoWebhook) Path() string { return e.path }

func (e *echoWebhook) Send(ctx context.Context, recipient, text string) error { return nil }

func (e *echoWebhook) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

func parkedItem() *pipeline.Item {
	item := pipeline.NewItem(intake.Message{
		Channel:           "telegram",
		ProviderMessageID: "555:1",
		Sender:            intake.Sender{ID: "555"},
		Text:              "book tomorrow 10am",
		ReceivedAt:        time.Now().UTC(),
	})
	item.State = pipeline.StateProposed
	item.Proposal = &pipeline.Proposal{ModuleID: "schedule", Summary: "Book 10:00", AutoApprovable: true}
	return item
}

type harness struct {
	queue   *fakeQueue
	audit   *fakeAudit
	resumer *fakeResumer
	worker  *fakeWorker
	events  *bus.Bus
	mgr     *channels.Manager
	srv     *Server
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		queue:   newFakeQueue(),
		audit:   &fakeAudit{},
		resumer: &fakeResumer{},
		worker:  &fakeWorker{},
		events:  bus.New(),
		mgr:     channels.NewManager(),
	}
	cfg := Config{
		Server:   config.ServerConfig{Token: "secret"},
		Channels: h.mgr,
		Queue:    h.queue,
		Audit:    h.audit,
		Resumer:  h.resumer,
		Worker:   h.worker,
		Events:   h.events,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.srv = New(cfg)
	return h
}

func (h *harness) request(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.srv.BuildMux().ServeHTTP(rec, req)
	return rec
}

// --- tests ---

// TestHealth verifies the health endpoint reports adapter status and queue
// depth without auth.
func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.Register(&echoWebhook{name: "email", path: "/webhooks/email"})
	h.queue.Enqueue(context.Background(), parkedItem())

	rec := h.request(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status   string                   `json:"status"`
		Channels []channels.AdapterStatus `json:"channels"`
		Queue    map[string]int           `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || len(resp.Channels) != 1 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Queue[string(pipeline.StateProposed)] != 1 {
		t.Fatalf("queue counts = %v", resp.Queue)
	}
}

// TestAuth verifies review routes demand the bearer token and an empty
// configured token disables the check.
func TestAuth(t *testing.T) {
	h := newHarness(t, nil)

	if rec := h.request(t, http.MethodGet, "/v1/review/pending", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rec.Code)
	}
	if rec := h.request(t, http.MethodGet, "/v1/review/pending", "wrong", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}
	if rec := h.request(t, http.MethodGet, "/v1/review/pending", "secret", nil); rec.Code != http.StatusOK {
		t.Fatalf("good token status = %d, want 200", rec.Code)
	}

	open := newHarness(t, func(c *Config) { c.Server.Token = "" })
	if rec := open.request(t, http.MethodGet, "/v1/review/pending", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("open mode status = %d, want 200", rec.Code)
	}
}

// TestPending verifies the pending list returns parked items only.
func TestPending(t *testing.T) {
	h := newHarness(t, nil)
	parked := parkedItem()
	h.queue.Enqueue(context.Background(), parked)
	h.queue.Enqueue(context.Background(), pipeline.NewItem(intake.Message{
		Channel: "email", ProviderMessageID: "m2", Sender: intake.Sender{ID: "a@b.c"},
	}))

	rec := h.request(t, http.MethodGet, "/v1/review/pending", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Items []pipeline.Item `json:"items"`
		Count int             `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Items[0].ID != parked.ID {
		t.Fatalf("response = %+v", resp)
	}

	if rec := h.request(t, http.MethodGet, "/v1/review/pending?limit=zero", "secret", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
}

// TestItemDetail verifies one item returns with its audit trail, and
// unknown or malformed ids get 404/400.
func TestItemDetail(t *testing.T) {
	h := newHarness(t, nil)
	parked := parkedItem()
	h.queue.Enqueue(context.Background(), parked)
	h.audit.Append(context.Background(), &store.AuditEntry{
		Action: store.AuditStateTransition, TargetID: parked.ID.String(),
	})

	rec := h.request(t, http.MethodGet, "/v1/review/"+parked.ID.String(), "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Item  pipeline.Item      `json:"item"`
		Audit []store.AuditEntry `json:"audit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Item.ID != parked.ID || len(resp.Audit) != 1 {
		t.Fatalf("response = %+v", resp)
	}

	unknown := uuid.Must(uuid.NewV7())
	if rec := h.request(t, http.MethodGet, "/v1/review/"+unknown.String(), "secret", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", rec.Code)
	}
	if rec := h.request(t, http.MethodGet, "/v1/review/not-a-uuid", "secret", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d, want 400", rec.Code)
	}
}

// TestDecision verifies the verdict reaches the resumer and an approval
// kicks the worker.
func TestDecision(t *testing.T) {
	h := newHarness(t, nil)
	parked := parkedItem()
	h.resumer.item = parked

	body := []byte(`{"verdict":"APPROVED","decided_by":"reviewer-1","reason":"ok"}`)
	rec := h.request(t, http.MethodPost, "/v1/review/"+parked.ID.String()+"/decision", "secret", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if h.resumer.gotID != parked.ID {
		t.Fatalf("resumer got id %s, want %s", h.resumer.gotID, parked.ID)
	}
	if h.resumer.gotD.Verdict != pipeline.VerdictApproved || h.resumer.gotD.DecidedBy != "reviewer-1" {
		t.Fatalf("decision = %+v", h.resumer.gotD)
	}
	if h.worker.kicked() != 1 {
		t.Fatalf("worker kicks = %d, want 1", h.worker.kicked())
	}
}

// TestDecision_RejectionSkipsKick verifies a rejection does not wake the
// worker: the item is already final.
func TestDecision_RejectionSkipsKick(t *testing.T) {
	h := newHarness(t, nil)
	h.resumer.item = parkedItem()

	body := []byte(`{"verdict":"rejected","decided_by":"reviewer-1"}`)
	rec := h.request(t, http.MethodPost, "/v1/review/"+h.resumer.item.ID.String()+"/decision", "secret", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if h.worker.kicked() != 0 {
		t.Fatalf("worker kicks = %d, want 0", h.worker.kicked())
	}
}

// TestDecision_Errors verifies request validation and resumer error
// mapping.
func TestDecision_Errors(t *testing.T) {
	id := uuid.Must(uuid.NewV7()).String()
	tests := []struct {
		name   string
		path   string
		body   string
		resErr error
		want   int
	}{
		{"bad id", "/v1/review/nope/decision", `{"verdict":"approved","decided_by":"r"}`, nil, http.StatusBadRequest},
		{"bad json", "/v1/review/" + id + "/decision", `{`, nil, http.StatusBadRequest},
		{"bad verdict", "/v1/review/" + id + "/decision", `{"verdict":"maybe","decided_by":"r"}`, nil, http.StatusBadRequest},
		{"missing decided_by", "/v1/review/" + id + "/decision", `{"verdict":"approved"}`, nil, http.StatusBadRequest},
		{"modified needs action", "/v1/review/" + id + "/decision", `{"verdict":"modified","decided_by":"r"}`, nil, http.StatusBadRequest},
		{"not found", "/v1/review/" + id + "/decision", `{"verdict":"approved","decided_by":"r"}`, orchestrator.ErrItemNotFound, http.StatusNotFound},
		{"not pending", "/v1/review/" + id + "/decision", `{"verdict":"approved","decided_by":"r"}`, orchestrator.ErrNotPending, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.resumer.err = tt.resErr
			h.resumer.item = parkedItem()
			rec := h.request(t, http.MethodPost, tt.path, "secret", []byte(tt.body))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// TestWebhookMounting verifies registered webhook adapters are served on
// their paths with the rate limit and body cap applied.
func TestWebhookMounting(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Server.RateLimitRPM = 1 // burst of 5, then denial
		c.Server.MaxBodyBytes = 64
	})
	h.mgr.Register(&echoWebhook{name: "email", path: "/webhooks/email"})

	for i := 0; i < 5; i++ {
		rec := h.request(t, http.MethodPost, "/webhooks/email", "", []byte(`{}`))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	if rec := h.request(t, http.MethodPost, "/webhooks/email", "", []byte(`{}`)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("burst-exceeded status = %d, want 429", rec.Code)
	}
}

// TestWebhookBodyCap verifies an oversized body fails inside the handler's
// read instead of being buffered.
func TestWebhookBodyCap(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Server.MaxBodyBytes = 16 })
	h.mgr.Register(&echoWebhook{name: "email", path: "/webhooks/email"})

	big := bytes.Repeat([]byte("a"), 1024)
	rec := h.request(t, http.MethodPost, "/webhooks/email", "", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

// TestSummary verifies the worker summary endpoint reports the last tick.
func TestSummary(t *testing.T) {
	h := newHarness(t, nil)
	h.worker.sum = worker.TickSummary{Claimed: 3, Completed: 2, Parked: 1}
	h.worker.at = time.Now().UTC()

	rec := h.request(t, http.MethodGet, "/v1/worker/summary", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		LastTick worker.TickSummary `json:"last_tick"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LastTick.Claimed != 3 || resp.LastTick.Completed != 2 {
		t.Fatalf("summary = %+v", resp.LastTick)
	}
}

// TestStream verifies bus events reach a connected websocket client, with
// the token accepted in the query string.
func TestStream(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv.BuildMux())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/review/stream?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	// The handler subscribes after the upgrade completes, so rebroadcast
	// until the read below sees an event.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.events.Broadcast(bus.Event{Name: protocol.EventItemState, Payload: map[string]string{"to": "ACKED"}})
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev protocol.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Name != protocol.EventItemState {
		t.Fatalf("event name = %q, want %q", ev.Name, protocol.EventItemState)
	}
}

// TestStream_RequiresToken verifies the upgrade is refused without auth.
func TestStream_RequiresToken(t *testing.T) {
	h := newHarness(t, nil)
	ts := httptest.NewServer(h.srv.BuildMux())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/review/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", resp)
	}
}
