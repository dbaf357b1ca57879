package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mkaroly/wabridge/internal/model"
	"github.com/mkaroly/wabridge/internal/session"
	"github.com/mkaroly/wabridge/internal/sink"
	"github.com/mkaroly/wabridge/internal/store"
)

type fakeTransport struct {
	mu          sync.Mutex
	acks        []string // "chat|sender|id"
	ready       int
	sync        int
	avail       int
	presenceErr error
	events      chan session.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan session.Event, 16)}
}

func (f *fakeTransport) Login(ctx context.Context, identity string, secret []byte) error { return nil }

func (f *fakeTransport) SendMessage(ctx context.Context, target, body string) (string, error) {
	return "WA-1", nil
}

func (f *fakeTransport) AckMessage(ctx context.Context, chat, sender, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, chat+"|"+sender+"|"+id)
	return nil
}

func (f *fakeTransport) AnnouncePresence(ctx context.Context) error {
	f.avail++
	return f.presenceErr
}
func (f *fakeTransport) SyncConfig(ctx context.Context) error       { f.sync++; return nil }
func (f *fakeTransport) Ready(ctx context.Context) error            { f.ready++; return nil }
func (f *fakeTransport) Events() <-chan session.Event               { return f.events }
func (f *fakeTransport) Close() error                               { return nil }

func (f *fakeTransport) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func (f *fakeTransport) ackList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acks...)
}

type fakeStore struct {
	store.Store

	exists    map[string]bool
	existsErr error

	jobs     map[string]*model.Job // by whatsapp_message_id
	messages map[int64]*model.Message

	confirmed   []int64 // message ids confirmed
	confirmedAt time.Time
	delivered   []int64 // job ids marked delivered without message
}

func (f *fakeStore) MessageExists(ctx context.Context, accountID int64, waID string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.exists[waID], nil
}

func (f *fakeStore) SentJobByWhatsappMessageID(ctx context.Context, accountID int64, waID string) (*model.Job, error) {
	if j, ok := f.jobs[waID]; ok {
		return j, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) MessageByID(ctx context.Context, accountID, messageID int64) (*model.Message, error) {
	if m, ok := f.messages[messageID]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ConfirmMessageReceipt(ctx context.Context, accountID, jobID, messageID int64, at time.Time) error {
	f.confirmed = append(f.confirmed, messageID)
	f.confirmedAt = at
	return nil
}

func (f *fakeStore) MarkJobDelivered(ctx context.Context, accountID, jobID int64) error {
	f.delivered = append(f.delivered, jobID)
	return nil
}

type fakeRealtime struct {
	published []any
}

func (f *fakeRealtime) Publish(ctx context.Context, message any) error {
	f.published = append(f.published, message)
	return nil
}

type fakeAlerts struct {
	reports []string
}

func (f *fakeAlerts) Report(ctx context.Context, level, message string) {
	f.reports = append(f.reports, message)
}

type capturedCall struct {
	Path string
	Body map[string]any
}

type webhookRecorder struct {
	mu    sync.Mutex
	calls []capturedCall
}

func newBackend(t *testing.T) (*httptest.Server, *webhookRecorder) {
	t.Helper()

	rec := &webhookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		rec.mu.Lock()
		rec.calls = append(rec.calls, capturedCall{Path: r.URL.Path, Body: body})
		rec.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func (r *webhookRecorder) all() []capturedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturedCall(nil), r.calls...)
}

type fixture struct {
	router    *Router
	transport *fakeTransport
	store     *fakeStore
	realtime  *fakeRealtime
	alerts    *fakeAlerts
	backend   *webhookRecorder
	manager   *session.Manager
}

func newFixture(t *testing.T, st *fakeStore) *fixture {
	t.Helper()

	if st.exists == nil {
		st.exists = map[string]bool{}
	}

	srv, rec := newBackend(t)
	tr := newFakeTransport()

	account := &model.Account{ID: 7, PhoneNumber: "15551234567", Name: "Test Account"}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	manager := session.NewManager(tr, account, log)
	rt := &fakeRealtime{}
	al := &fakeAlerts{}

	r := New(manager, st, sink.NewWebhook(srv.URL, account.PhoneNumber), rt, al, account, log)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	return &fixture{router: r, transport: tr, store: st, realtime: rt, alerts: al, backend: rec, manager: manager}
}

func TestRouter_MessageReceived_New(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.router.handle(context.Background(), session.MessageReceived{
		ID:          "M1",
		Source:      "15557654321@s.whatsapp.net",
		Body:        "hi",
		DisplayName: "Alice",
	})

	if acks := fx.transport.ackList(); len(acks) != 1 ||
		acks[0] != "15557654321@s.whatsapp.net|15557654321@s.whatsapp.net|M1" {
		t.Fatalf("expected ack with chat as sender, got %+v", acks)
	}

	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/messages" {
		t.Fatalf("expected one POST to /messages, got %+v", calls)
	}
	if calls[0].Body["account"] != "15551234567" {
		t.Fatalf("expected account in payload, got %v", calls[0].Body)
	}
	msg, ok := calls[0].Body["message"].(map[string]any)
	if !ok {
		t.Fatalf("expected message object, got %v", calls[0].Body)
	}
	want := map[string]any{
		"text":                "hi",
		"phone_number":        "15557654321",
		"message_type":        "Text",
		"whatsapp_message_id": "M1",
		"name":                "Alice",
	}
	for k, v := range want {
		if msg[k] != v {
			t.Fatalf("message field %q: got %v, want %v", k, msg[k], v)
		}
	}

	if len(fx.realtime.published) != 1 {
		t.Fatalf("expected one realtime publish, got %+v", fx.realtime.published)
	}
	body, ok := fx.realtime.published[0].(sink.TextMessage)
	if !ok {
		t.Fatalf("expected TextMessage body, got %T", fx.realtime.published[0])
	}
	if body.Type != "text" || body.PhoneNumber != "15557654321" || body.Text != "hi" || body.Name != "Alice" {
		t.Fatalf("unexpected realtime body: %+v", body)
	}
}

func TestRouter_MessageReceived_DuplicateStillAcked(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{exists: map[string]bool{"M1": true}})
	fx.router.handle(context.Background(), session.MessageReceived{
		ID:     "M1",
		Source: "15557654321@s.whatsapp.net",
		Body:   "hi",
	})

	if fx.transport.ackCount() != 1 {
		t.Fatalf("expected ack even for duplicates, got %d", fx.transport.ackCount())
	}
	if calls := fx.backend.all(); len(calls) != 0 {
		t.Fatalf("expected no webhook call for duplicate, got %+v", calls)
	}
	if len(fx.realtime.published) != 0 {
		t.Fatalf("expected no realtime publish for duplicate")
	}
}

func TestRouter_GroupMessageReceived(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.router.handle(context.Background(), session.GroupMessageReceived{
		ID:          "G1",
		GroupID:     "123-456@g.us",
		Author:      "15557654321@s.whatsapp.net",
		Body:        "hello group",
		DisplayName: "Alice",
	})

	if acks := fx.transport.ackList(); len(acks) != 1 ||
		acks[0] != "123-456@g.us|15557654321@s.whatsapp.net|G1" {
		t.Fatalf("expected ack with group chat and author sender, got %+v", acks)
	}
	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/receive_broadcast" {
		t.Fatalf("expected POST to /receive_broadcast, got %+v", calls)
	}
	msg := calls[0].Body["message"].(map[string]any)
	if msg["group_jid"] != "123-456@g.us" || msg["jid"] != "15557654321@s.whatsapp.net" {
		t.Fatalf("unexpected group payload: %v", msg)
	}
	if len(fx.realtime.published) != 0 {
		t.Fatalf("group messages must not publish to realtime, got %+v", fx.realtime.published)
	}
}

func TestRouter_GroupMessageReceived_DuplicateAlerts(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{exists: map[string]bool{"G1": true}})
	fx.router.handle(context.Background(), session.GroupMessageReceived{
		ID:      "G1",
		GroupID: "123-456@g.us",
	})

	if fx.transport.ackCount() != 1 {
		t.Fatalf("expected ack for duplicate group message")
	}
	if calls := fx.backend.all(); len(calls) != 0 {
		t.Fatalf("expected no webhook call for duplicate, got %+v", calls)
	}
	if len(fx.alerts.reports) != 1 {
		t.Fatalf("expected duplicate alert, got %+v", fx.alerts.reports)
	}
}

func TestRouter_ImageReceived(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.router.handle(context.Background(), session.ImageReceived{
		ID:     "I1",
		Source: "15557654321@s.whatsapp.net",
		URL:    "https://cdn.example.com/img.jpg",
		Size:   1024,
	})

	if fx.transport.ackCount() != 1 {
		t.Fatalf("expected ack, got %d", fx.transport.ackCount())
	}
	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/upload" {
		t.Fatalf("expected POST to /upload, got %+v", calls)
	}
	msg := calls[0].Body["message"].(map[string]any)
	if msg["url"] != "https://cdn.example.com/img.jpg" || msg["message_type"] != "Image" || msg["name"] != "" {
		t.Fatalf("unexpected upload payload: %v", msg)
	}

	if len(fx.realtime.published) != 1 {
		t.Fatalf("expected realtime publish, got %+v", fx.realtime.published)
	}
	body := fx.realtime.published[0].(sink.ImageMessage)
	if body.Type != "image" || body.URL != "https://cdn.example.com/img.jpg" {
		t.Fatalf("unexpected realtime image body: %+v", body)
	}
}

func TestRouter_ImageReceived_Duplicate(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{exists: map[string]bool{"I1": true}})
	fx.router.handle(context.Background(), session.ImageReceived{
		ID:     "I1",
		Source: "15557654321@s.whatsapp.net",
		URL:    "https://cdn.example.com/img.jpg",
	})

	if fx.transport.ackCount() != 1 {
		t.Fatalf("expected ack for duplicate image")
	}
	if calls := fx.backend.all(); len(calls) != 0 {
		t.Fatalf("expected no webhook call for duplicate image, got %+v", calls)
	}
	if len(fx.realtime.published) != 0 {
		t.Fatalf("expected no realtime publish for duplicate image")
	}
}

func TestRouter_DeliveryReceipt_CorrelatedMessage(t *testing.T) {
	t.Parallel()

	msgID := int64(42)
	st := &fakeStore{
		jobs: map[string]*model.Job{
			"ABC123": {ID: 1, Method: model.MethodSendMessage, Sent: true, MessageID: &msgID},
		},
		messages: map[int64]*model.Message{
			42: {ID: 42, AccountID: 7, WhatsappMessageID: "ABC123"},
		},
	}

	fx := newFixture(t, st)
	fx.router.handle(context.Background(), session.DeliveryReceipt{
		Source: "15557654321@s.whatsapp.net",
		ID:     "ABC123",
	})

	if len(st.confirmed) != 1 || st.confirmed[0] != 42 {
		t.Fatalf("expected message 42 confirmed, got %+v", st.confirmed)
	}
	if st.confirmedAt.IsZero() {
		t.Fatalf("expected a receipt timestamp")
	}

	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/receipt" {
		t.Fatalf("expected POST to /receipt, got %+v", calls)
	}
	receipt := calls[0].Body["receipt"].(map[string]any)
	if receipt["message_id"] != float64(42) {
		t.Fatalf("unexpected receipt payload: %v", receipt)
	}

	if len(fx.realtime.published) != 1 {
		t.Fatalf("expected realtime receipt, got %+v", fx.realtime.published)
	}
	body := fx.realtime.published[0].(sink.ReceiptMessage)
	if body.Type != "receipt" || body.MessageID != 42 {
		t.Fatalf("unexpected realtime receipt body: %+v", body)
	}
}

func TestRouter_DeliveryReceipt_Broadcast(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		jobs: map[string]*model.Job{
			"B1": {ID: 3, Method: "broadcast", Sent: true},
		},
	}

	fx := newFixture(t, st)
	fx.router.handle(context.Background(), session.DeliveryReceipt{
		Source: "15557654321@s.whatsapp.net",
		ID:     "B1",
	})

	if len(st.delivered) != 1 || st.delivered[0] != 3 {
		t.Fatalf("expected job 3 marked delivered, got %+v", st.delivered)
	}
	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/broadcast_receipt" {
		t.Fatalf("expected POST to /broadcast_receipt, got %+v", calls)
	}
	receipt := calls[0].Body["receipt"].(map[string]any)
	if receipt["message_id"] != "B1" || receipt["phone_number"] != "15557654321" {
		t.Fatalf("unexpected broadcast receipt payload: %v", receipt)
	}
	if len(fx.realtime.published) != 0 {
		t.Fatalf("broadcast receipts must not publish to realtime")
	}
}

func TestRouter_DeliveryReceipt_MissingMessageStillDelivers(t *testing.T) {
	t.Parallel()

	msgID := int64(99)
	st := &fakeStore{
		jobs: map[string]*model.Job{
			"ABC123": {ID: 5, Method: model.MethodSendMessage, Sent: true, MessageID: &msgID},
		},
	}

	fx := newFixture(t, st)
	fx.router.handle(context.Background(), session.DeliveryReceipt{
		Source: "15557654321@s.whatsapp.net",
		ID:     "ABC123",
	})

	if len(st.delivered) != 1 || st.delivered[0] != 5 {
		t.Fatalf("expected job 5 marked delivered despite missing message, got %+v", st.delivered)
	}
	if calls := fx.backend.all(); len(calls) != 0 {
		t.Fatalf("expected no webhook call without a message row, got %+v", calls)
	}
	if len(fx.realtime.published) != 0 {
		t.Fatalf("expected no realtime publish without a message row")
	}
}

func TestRouter_DeliveryReceipt_SendMessageWithoutCorrelation(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		jobs: map[string]*model.Job{
			"ABC123": {ID: 6, Method: model.MethodSendMessage, Sent: true},
		},
	}

	fx := newFixture(t, st)
	fx.router.handle(context.Background(), session.DeliveryReceipt{
		Source: "15557654321@s.whatsapp.net",
		ID:     "ABC123",
	})

	if len(st.delivered) != 1 || st.delivered[0] != 6 {
		t.Fatalf("expected job 6 marked delivered, got %+v", st.delivered)
	}
	if calls := fx.backend.all(); len(calls) != 0 {
		t.Fatalf("expected no broadcast receipt for a direct send, got %+v", calls)
	}
}

func TestRouter_DeliveryReceipt_UnknownJobDropped(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.router.handle(context.Background(), session.DeliveryReceipt{
		Source: "x@s.whatsapp.net",
		ID:     "NOPE",
	})

	if calls := fx.backend.all(); len(calls) != 0 {
		t.Fatalf("expected no webhook call for unknown receipt, got %+v", calls)
	}
}

func TestRouter_AuthSuccess_HandshakeAndStatus(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.router.handle(context.Background(), session.AuthSuccess{Identity: "15551234567"})

	if fx.transport.ready != 1 || fx.transport.sync != 1 || fx.transport.avail != 1 {
		t.Fatalf("expected ready/sync/presence once each, got %d/%d/%d",
			fx.transport.ready, fx.transport.sync, fx.transport.avail)
	}
	if !fx.manager.Authenticated() {
		t.Fatalf("expected session authenticated after auth success")
	}

	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/status" {
		t.Fatalf("expected POST to /status, got %+v", calls)
	}
	if calls[0].Body["status"] != float64(1) {
		t.Fatalf("expected status 1, got %v", calls[0].Body)
	}
}

func TestRouter_AuthSuccess_HandshakeFailureStillAuthenticates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.transport.presenceErr = errors.New("no push name set")

	fx.router.handle(context.Background(), session.AuthSuccess{Identity: "15551234567"})

	if !fx.manager.Authenticated() {
		t.Fatalf("expected session authenticated even when presence announce fails")
	}

	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/status" || calls[0].Body["status"] != float64(1) {
		t.Fatalf("expected status 1 POST, got %+v", calls)
	}
}

func TestRouter_AuthFailure(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.router.handle(context.Background(), session.AuthFailure{Identity: "15551234567", Reason: "denied"})

	calls := fx.backend.all()
	if len(calls) != 1 || calls[0].Path != "/wa_auth_error" {
		t.Fatalf("expected POST to /wa_auth_error, got %+v", calls)
	}
	if fx.manager.Authenticated() {
		t.Fatalf("expected session not authenticated after auth failure")
	}
}

func TestRouter_Disconnected_AlertsOnly(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	fx.router.handle(context.Background(), session.Disconnected{Reason: "stream error"})

	if calls := fx.backend.all(); len(calls) != 0 {
		t.Fatalf("expected no webhook call on disconnect, got %+v", calls)
	}
	if len(fx.alerts.reports) != 1 {
		t.Fatalf("expected one alert, got %+v", fx.alerts.reports)
	}
	if fx.manager.Authenticated() {
		t.Fatalf("expected session marked disconnected")
	}
}

func TestRouter_Run_DrainsInOrderAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})

	fx.transport.events <- session.MessageReceived{ID: "M1", Source: "1@s", Body: "first"}
	fx.transport.events <- session.MessageReceived{ID: "M2", Source: "1@s", Body: "second"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fx.router.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(fx.backend.all()) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("timeout waiting for events to be handled, got %+v", fx.backend.all())
		}
		time.Sleep(5 * time.Millisecond)
	}

	calls := fx.backend.all()
	first := calls[0].Body["message"].(map[string]any)
	second := calls[1].Body["message"].(map[string]any)
	if first["text"] != "first" || second["text"] != "second" {
		t.Fatalf("expected arrival-order handling, got %+v", calls)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestRouter_Run_StopsWhenChannelCloses(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, &fakeStore{})
	close(fx.transport.events)

	if err := fx.router.Run(context.Background()); err != nil {
		t.Fatalf("expected nil on closed channel, got %v", err)
	}
}
