package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/composer"
	"github.com/mvribeiro/wayfarer/internal/convstore"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/presence"
	"github.com/mvribeiro/wayfarer/internal/rest"
	"github.com/mvribeiro/wayfarer/internal/status"
	"github.com/mvribeiro/wayfarer/internal/thread"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// fakeBackend serves both the REST API and the live channel from one
// httptest server, the same shape the real backend has.
type fakeBackend struct {
	srv    *httptest.Server
	frames chan transport.Envelope

	mu        sync.Mutex
	conns     []*websocket.Conn
	convos    []model.Conversation
	messages  map[string][]model.Message
	readCalls []string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		frames:   make(chan transport.Envelope, 64),
		messages: make(map[string][]model.Message),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", fb.handleWS)
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		writeData(w, fb.convos)
	})
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		tail := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
		switch {
		case strings.HasSuffix(tail, "/read"):
			fb.readCalls = append(fb.readCalls, strings.TrimSuffix(tail, "/read"))
			writeData(w, nil)
		case strings.HasSuffix(tail, "/messages"):
			writeData(w, fb.messages[strings.TrimSuffix(tail, "/messages")])
		default:
			http.NotFound(w, r)
		}
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conns = append(fb.conns, c)
	fb.mu.Unlock()
	for {
		_, data, err := c.Read(context.Background())
		if err != nil {
			return
		}
		var env transport.Envelope
		if json.Unmarshal(data, &env) == nil {
			fb.frames <- env
		}
	}
}

func (fb *fakeBackend) push(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(transport.Envelope{Event: event, Payload: raw})
	fb.mu.Lock()
	c := fb.conns[len(fb.conns)-1]
	fb.mu.Unlock()
	if err := c.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatal(err)
	}
}

func (fb *fakeBackend) awaitFrame(t *testing.T, event string) transport.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-fb.frames:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s frame", event)
		}
	}
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// newTestEngine assembles the full component graph against the fake
// backend, the way the fx module does.
func newTestEngine(t *testing.T, fb *fakeBackend) (*Engine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	machine := status.NewMachine(b)
	api := rest.NewClient(fb.srv.URL, rest.WithToken("tok"))
	tm := transport.NewManager(transport.Config{
		URL: fb.srv.URL, Token: "tok",
		BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond,
	}, b, machine, nil)
	t.Cleanup(tm.Disconnect)

	pr := presence.NewTracker(b, 3*time.Second, nil)
	pr.Start()
	t.Cleanup(pr.Stop)

	convos := convstore.New(api, tm, b, "self", nil)
	convos.Start()
	t.Cleanup(convos.Stop)

	th := thread.New(api, b, "self", 50, nil)
	th.Start()
	t.Cleanup(th.Stop)

	cp := composer.New(composer.Config{
		AckTimeout: 3 * time.Second, MaxAttachmentSize: 1 << 20,
	}, tm, api, th, b, "self", nil)
	ty := composer.NewNotifier(tm, 3*time.Second, nil)

	e := New(tm, api, convos, th, pr, cp, ty, nil)

	if err := tm.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := convos.LoadInitial(context.Background()); err != nil {
		t.Fatal(err)
	}
	return e, b
}

func seedBackend(fb *fakeBackend) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.convos = []model.Conversation{
		{
			ID:           "c1",
			Participant:  model.Participant{ID: "u2", DisplayName: "Ana"},
			LastActivity: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
			UnreadCount:  2,
		},
		{
			ID:           "c2",
			Participant:  model.Participant{ID: "u3", DisplayName: "Bruno"},
			LastActivity: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC),
		},
	}
	fb.messages["c1"] = []model.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "oi", Status: model.StatusSent,
			CreatedAt: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
	}
}

func TestOpenConversationFlow(t *testing.T) {
	fb := newFakeBackend(t)
	seedBackend(fb)
	e, _ := newTestEngine(t, fb)

	if err := e.OpenConversation(context.Background(), "missing"); err == nil {
		t.Error("OpenConversation(unknown) = nil, want error")
	}

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	fb.awaitFrame(t, transport.EventConversationJoin)

	msgs := e.Messages()
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("timeline = %+v, want history loaded", msgs)
	}
	convos := e.Conversations()
	if convos[0].ID != "c1" || convos[0].UnreadCount != 0 {
		t.Errorf("c1 after open = %+v, want unread cleared", convos[0])
	}
	fb.mu.Lock()
	reads := len(fb.readCalls)
	fb.mu.Unlock()
	if reads != 1 {
		t.Errorf("read calls = %d, want 1", reads)
	}

	// Switching conversations leaves the old room before joining the new.
	if err := e.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	leave := fb.awaitFrame(t, transport.EventConversationLeave)
	var lp transport.RoomPayload
	if json.Unmarshal(leave.Payload, &lp) != nil || lp.ConversationID != "c1" {
		t.Errorf("leave payload = %s, want c1", leave.Payload)
	}
	join := fb.awaitFrame(t, transport.EventConversationJoin)
	var jp transport.RoomPayload
	if json.Unmarshal(join.Payload, &jp) != nil || jp.ConversationID != "c2" {
		t.Errorf("join payload = %s, want c2", join.Payload)
	}
	if len(e.Messages()) != 0 {
		t.Errorf("timeline after switch = %+v, want reset", e.Messages())
	}
}

func TestSendRoundTrip(t *testing.T) {
	fb := newFakeBackend(t)
	seedBackend(fb)
	e, b := newTestEngine(t, fb)

	if _, err := e.Send(context.Background()); err == nil {
		t.Error("Send() with no open conversation = nil, want error")
	}

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	fb.awaitFrame(t, transport.EventConversationJoin)

	ch, unsub := b.Subscribe("thread.reconciled", 8)
	defer unsub()

	e.SetText("c1", "bora?")
	clientID, err := e.Send(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	frame := fb.awaitFrame(t, transport.EventMessageSend)
	var sp transport.SendPayload
	if json.Unmarshal(frame.Payload, &sp) != nil || sp.ClientID != clientID || sp.Content != "bora?" {
		t.Fatalf("send payload = %s", frame.Payload)
	}

	// Backend confirms by broadcasting the message with the client id.
	fb.push(t, transport.EventMessageNew, model.Message{
		ID: "m9", ClientID: clientID, ConversationID: "c1", SenderID: "self",
		Content: "bora?", Status: model.StatusSent, CreatedAt: time.Now(),
	})

	deadline := time.After(3 * time.Second)
	select {
	case <-ch:
	case <-deadline:
		t.Fatal("timeout waiting for reconciliation")
	}

	msgs := e.Messages()
	last := msgs[len(msgs)-1]
	if last.ID != "m9" || last.Status != model.StatusSent || last.ClientID != clientID {
		t.Errorf("reconciled tail = %+v", last)
	}
}

func TestInboundMessageUpdatesListAndTimeline(t *testing.T) {
	fb := newFakeBackend(t)
	seedBackend(fb)
	e, b := newTestEngine(t, fb)

	if err := e.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	fb.awaitFrame(t, transport.EventConversationJoin)

	ch, unsub := b.Subscribe("thread.appended", 8)
	defer unsub()

	fb.push(t, transport.EventMessageNew, model.Message{
		ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "chegou?",
		Status: model.StatusSent, CreatedAt: time.Now(),
	})
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for append")
	}

	msgs := e.Messages()
	if msgs[len(msgs)-1].ID != "m2" {
		t.Errorf("timeline tail = %+v", msgs[len(msgs)-1])
	}
	// Open conversation: list updates but unread stays zero.
	for _, convo := range e.Conversations() {
		if convo.ID == "c1" && convo.UnreadCount != 0 {
			t.Errorf("unread = %d, want 0 for open conversation", convo.UnreadCount)
		}
	}
}
