package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/app/call"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubCalls rings on Initiate and refuses everything else.
type stubCalls struct {
	mu        sync.Mutex
	self      domain.UserID
	status    domain.CallStatus
	seq       uint64
	listeners []call.Listener
}

func (s *stubCalls) Self() domain.UserID { return s.self }

func (s *stubCalls) Initiate(_ context.Context, receiver domain.UserID, callType domain.CallType) (string, error) {
	if receiver == s.self {
		return "", core.ErrSelfCall
	}
	s.mu.Lock()
	if s.status != domain.StatusIdle {
		s.mu.Unlock()
		return "", core.ErrBusy
	}
	s.status = domain.StatusRinging
	s.seq++
	ev := call.Event{Seq: s.seq, Kind: call.EventStatus, Status: domain.StatusRinging,
		Call: call.CallInfo{CallID: "call-1", Remote: receiver, CallType: callType, IsCaller: true}}
	ls := append([]call.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l.OnCallEvent(ev)
	}
	return "call-1", nil
}

func (s *stubCalls) AcceptCall(context.Context, string, domain.UserID, domain.CallType) error {
	return core.ErrCallUnavailable
}
func (s *stubCalls) RejectCall(context.Context, string, domain.UserID) error { return nil }
func (s *stubCalls) EndCall(context.Context) error                           { return nil }
func (s *stubCalls) ToggleAudio() (bool, error)                              { return false, core.ErrNoActiveCall }
func (s *stubCalls) ToggleVideo() (bool, error)                              { return false, core.ErrNoActiveCall }
func (s *stubCalls) LocalMedia() core.MediaHandle                            { return nil }

func (s *stubCalls) Status() domain.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stubCalls) Reserved() bool { return s.Status() != domain.StatusIdle }

func (s *stubCalls) Subscribe(l call.Listener) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return func() {}
}

type testServer struct {
	*httptest.Server
	client *http.Client
}

func newTestServer(t *testing.T, actions int) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := signal.NewMemoryStore()
	profiles := app.NewProfiles()
	hub := orch.NewHub(func(ctx context.Context, id domain.UserID) (*orch.Orchestrator, error) {
		o := orch.New(&stubCalls{self: id, status: domain.StatusIdle}, store, profiles, nil)
		return o, o.Start(ctx)
	})
	cfg := &config.Config{Mode: "test", ReadLimit: 4096, PingPeriod: time.Second, Secret: "test-secret"}
	r := SetupRouter(ctx, cfg, Deps{Hub: hub, Profiles: profiles, Limiter: NewActionLimiter(actions, time.Minute)})

	srv := httptest.NewServer(r)
	jar, _ := cookiejar.New(nil)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		cancel()
	})
	return &testServer{Server: srv, client: &http.Client{Jar: jar}}
}

func (s *testServer) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.String()
}

func TestActionsRequireSignIn(t *testing.T) {
	s := newTestServer(t, 10)
	if code, _ := s.do(t, http.MethodGet, "/api/calls/state", ""); code != http.StatusUnauthorized {
		t.Errorf("state without session = %d", code)
	}
	if code, _ := s.do(t, http.MethodPost, "/api/calls/end", ""); code != http.StatusUnauthorized {
		t.Errorf("end without session = %d", code)
	}
}

func TestSignInAndCallFlow(t *testing.T) {
	s := newTestServer(t, 10)

	code, body := s.do(t, http.MethodPost, "/api/session", `{"id":"alice","name":"Alice"}`)
	if code != http.StatusOK || !strings.Contains(body, `"username":"Alice"`) {
		t.Fatalf("sign in = %d %s", code, body)
	}
	code, body = s.do(t, http.MethodGet, "/api/calls/state", "")
	if code != http.StatusOK || !strings.Contains(body, `"status":"idle"`) {
		t.Fatalf("state = %d %s", code, body)
	}

	code, body = s.do(t, http.MethodPost, "/api/calls", `{"receiverId":"bob","callType":"voice"}`)
	if code != http.StatusCreated || !strings.Contains(body, `"callId":"call-1"`) {
		t.Fatalf("initiate = %d %s", code, body)
	}
	_, body = s.do(t, http.MethodGet, "/api/calls/state", "")
	if !strings.Contains(body, `"status":"ringing"`) || !strings.Contains(body, `"callId":"call-1"`) {
		t.Errorf("state after initiate = %s", body)
	}

	code, body = s.do(t, http.MethodPost, "/api/calls", `{"receiverId":"carol","callType":"voice"}`)
	if code != http.StatusConflict || !strings.Contains(body, "already in a call") {
		t.Errorf("second initiate = %d %s", code, body)
	}

	if code, _ := s.do(t, http.MethodDelete, "/api/session", ""); code != http.StatusNoContent {
		t.Errorf("sign out = %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/calls/state", ""); code != http.StatusUnauthorized {
		t.Errorf("state after sign out = %d", code)
	}
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	s := newTestServer(t, 10)
	s.do(t, http.MethodPost, "/api/session", `{"id":"alice","name":"Alice"}`)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/calls", `{"receiverId":"alice","callType":"voice"}`, http.StatusBadRequest},
		{http.MethodPost, "/api/calls/accept", "", http.StatusConflict},
		{http.MethodPost, "/api/calls/reject", "", http.StatusConflict},
		{http.MethodPost, "/api/calls/audio", "", http.StatusConflict},
		{http.MethodGet, "/api/profiles/nobody", "", http.StatusNotFound},
		{http.MethodGet, "/api/profiles/alice", "", http.StatusOK},
	}
	for _, tc := range cases {
		if code, body := s.do(t, tc.method, tc.path, tc.body); code != tc.want {
			t.Errorf("%s %s = %d %s, want %d", tc.method, tc.path, code, body, tc.want)
		}
	}
}

func TestSignInValidation(t *testing.T) {
	s := newTestServer(t, 10)
	if code, _ := s.do(t, http.MethodPost, "/api/session", `{"id":"alice","name":"  "}`); code != http.StatusBadRequest {
		t.Errorf("empty name = %d", code)
	}
	long := strings.Repeat("x", domain.MaxUserIDLen+1)
	if code, _ := s.do(t, http.MethodPost, "/api/session", `{"id":"`+long+`","name":"A"}`); code != http.StatusBadRequest {
		t.Errorf("long id = %d", code)
	}
}

func TestAvatarUpdate(t *testing.T) {
	s := newTestServer(t, 10)
	if code, _ := s.do(t, http.MethodPost, "/api/session", `{"id":"alice","name":"Alice"}`); code != http.StatusOK {
		t.Fatalf("sign in = %d", code)
	}
	code, body := s.do(t, http.MethodPut, "/api/profile/avatar", `{"avatar":"https://example.com/a.png"}`)
	if code != http.StatusOK || !strings.Contains(body, `"avatar":"https://example.com/a.png"`) {
		t.Fatalf("set avatar = %d %s", code, body)
	}
	if code, _ := s.do(t, http.MethodPut, "/api/profile/avatar", `{"avatar":"file:///etc/passwd"}`); code != http.StatusBadRequest {
		t.Errorf("bad avatar = %d", code)
	}
	_, body = s.do(t, http.MethodGet, "/api/profiles/alice", "")
	if !strings.Contains(body, "https://example.com/a.png") {
		t.Errorf("profile = %s", body)
	}
}

func TestActionsAreRateLimited(t *testing.T) {
	s := newTestServer(t, 2)
	s.do(t, http.MethodPost, "/api/session", `{"id":"alice","name":"Alice"}`)

	s.do(t, http.MethodPost, "/api/calls/end", "")
	s.do(t, http.MethodPost, "/api/calls/end", "")
	if code, _ := s.do(t, http.MethodPost, "/api/calls/end", ""); code != http.StatusTooManyRequests {
		t.Errorf("third action = %d", code)
	}
	if code, _ := s.do(t, http.MethodGet, "/api/calls/state", ""); code != http.StatusOK {
		t.Errorf("state reads must not be limited, got %d", code)
	}
}

func TestStateStreamPushesChanges(t *testing.T) {
	s := newTestServer(t, 10)
	s.do(t, http.MethodPost, "/api/session", `{"id":"alice","name":"Alice"}`)

	header := http.Header{}
	for _, c := range s.client.Jar.Cookies(mustURL(t, s.URL)) {
		header.Add("Cookie", c.String())
	}
	wsURL := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/ws/state"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, first, err := ws.ReadMessage()
	if err != nil || !strings.Contains(string(first), `"status":"idle"`) {
		t.Fatalf("first frame = %s, %v", first, err)
	}

	s.do(t, http.MethodPost, "/api/calls", `{"receiverId":"bob","callType":"video"}`)
	_, next, err := ws.ReadMessage()
	if err != nil || !strings.Contains(string(next), `"status":"ringing"`) {
		t.Fatalf("next frame = %s, %v", next, err)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	_, pong, err := ws.ReadMessage()
	if err != nil || !strings.Contains(string(pong), `"type":"pong"`) {
		t.Errorf("pong frame = %s, %v", pong, err)
	}
}

func TestActionLimiterWindowSlides(t *testing.T) {
	rl := NewActionLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("first two actions refused")
	}
	if rl.Allow("alice") {
		t.Error("third action within window allowed")
	}
	if !rl.Allow("bob") {
		t.Error("limit leaked across identities")
	}
	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("alice") {
		t.Error("action refused after window passed")
	}
	rl.Forget("alice")
	rl.Allow("alice")
	if !rl.Allow("alice") {
		t.Error("history kept after Forget")
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}
