package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gaswatch/internal/alert"
	"gaswatch/internal/dispatch"
	"gaswatch/internal/eventbus"
	"gaswatch/internal/recipient"
	"gaswatch/internal/token"
	logx "gaswatch/pkg/logx"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	result   dispatch.Result
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request) dispatch.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	res := f.result
	if res.ID == "" {
		res.ID = "req-1"
		res.Accepted = true
	}
	return res
}

func (f *fakeDispatcher) last() (dispatch.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return dispatch.Request{}, false
	}
	return f.requests[len(f.requests)-1], true
}

const testSecret = "shhh"

func newTestServer(t *testing.T, d *fakeDispatcher) (*Server, *recipient.Memory, *token.Store) {
	t.Helper()
	tokens := token.NewStore(time.Minute)
	recipients := recipient.NewMemory()
	s := New(Config{
		Secret:    func() string { return testSecret },
		AutoReply: func() (bool, string) { return true, "echo: " },
	}, d, tokens, alert.NewStore(), nil, recipients, eventbus.New(), logx.Nop())
	return s, recipients, tokens
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSendEndpoint(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, _, _ := newTestServer(t, d)

	w := doJSON(t, s, http.MethodPost, "/send", map[string]string{"to": "U1", "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	req, ok := d.last()
	if !ok || req.Channel != dispatch.ChannelPush || len(req.Targets) != 1 || req.Targets[0] != "U1" {
		t.Fatalf("dispatched = %+v", req)
	}

	// missing message never reaches the dispatcher
	w = doJSON(t, s, http.MethodPost, "/send", map[string]string{"to": "U1"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestResultStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason dispatch.Reason
		want   int
	}{
		{dispatch.ReasonQuotaExceeded, http.StatusTooManyRequests},
		{dispatch.ReasonInvalidToken, http.StatusConflict},
		{dispatch.ReasonInvalidRequest, http.StatusBadRequest},
		{dispatch.ReasonDeliveryFailed, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			t.Parallel()
			d := &fakeDispatcher{result: dispatch.Result{ID: "r", Accepted: false, Reason: tc.reason}}
			s, _, _ := newTestServer(t, d)
			w := doJSON(t, s, http.MethodPost, "/broadcast", map[string]string{"message": "x"})
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestMulticastAndReplyEndpoints(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, _, _ := newTestServer(t, d)

	w := doJSON(t, s, http.MethodPost, "/multicast", map[string]any{"to": []string{"U1", "U2"}, "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("multicast status = %d", w.Code)
	}
	req, _ := d.last()
	if req.Channel != dispatch.ChannelMulticast || len(req.Targets) != 2 {
		t.Fatalf("dispatched = %+v", req)
	}

	w = doJSON(t, s, http.MethodPost, "/reply", map[string]string{"reply_token": "rt-1", "message": "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("reply status = %d", w.Code)
	}
	req, _ = d.last()
	if req.Channel != dispatch.ChannelReply || req.Token != "rt-1" {
		t.Fatalf("dispatched = %+v", req)
	}
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, s *Server, body []byte, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("X-Line-Signature", sig)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, recipients, _ := newTestServer(t, d)

	body := []byte(`{"destination":"d","events":[{"type":"follow","source":{"type":"user","userId":"U1"}}]}`)
	w := postWebhook(t, s, body, "bogus")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	active, _ := recipients.ActiveRecipients(context.Background())
	if len(active) != 0 {
		t.Fatalf("active = %v, want empty", active)
	}
}

func TestWebhookRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, _, tokens := newTestServer(t, d)

	body := []byte(`{"destination":"d","events":[{"type":"message"}],"surprise":true}`)
	w := postWebhook(t, s, body, signBody(body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if tokens.Len() != 0 {
		t.Fatal("malformed payload must not issue tokens")
	}
}

func TestWebhookMessageEvent(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, recipients, tokens := newTestServer(t, d)

	body := []byte(`{"destination":"d","events":[{"type":"message","replyToken":"rt-9","timestamp":1750000000000,"source":{"type":"user","userId":"U7"},"message":{"id":"m1","type":"text","text":"hello"}}]}`)
	w := postWebhook(t, s, body, signBody(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	// auto-reply consumed the issued token through the dispatcher
	req, ok := d.last()
	if !ok || req.Channel != dispatch.ChannelReply || req.Token != "rt-9" || req.Message != "echo: hello" {
		t.Fatalf("dispatched = %+v", req)
	}
	if tokens.Len() != 1 {
		t.Fatalf("tokens = %d, want 1", tokens.Len())
	}
	active, _ := recipients.ActiveRecipients(context.Background())
	if len(active) != 1 || active[0] != "U7" {
		t.Fatalf("active = %v", active)
	}
}

func TestWebhookFollowUnfollow(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, recipients, _ := newTestServer(t, d)

	follow := []byte(`{"destination":"d","events":[{"type":"follow","timestamp":1750000000000,"source":{"type":"user","userId":"U1"}}]}`)
	if w := postWebhook(t, s, follow, signBody(follow)); w.Code != http.StatusOK {
		t.Fatalf("follow status = %d", w.Code)
	}
	unfollow := []byte(`{"destination":"d","events":[{"type":"unfollow","source":{"type":"user","userId":"U1"}}]}`)
	if w := postWebhook(t, s, unfollow, signBody(unfollow)); w.Code != http.StatusOK {
		t.Fatalf("unfollow status = %d", w.Code)
	}
	active, _ := recipients.ActiveRecipients(context.Background())
	if len(active) != 0 {
		t.Fatalf("active = %v, want empty", active)
	}
}

func TestHistoryDisabledWithoutStorage(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, _, _ := newTestServer(t, d)

	for _, path := range []string{"/history/gas", "/history/temp", "/history/alarms", "/stats"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusNotImplemented {
			t.Fatalf("%s status = %d, want 501", path, w.Code)
		}
	}
}

func TestHealthzAndStatus(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	s, _, _ := newTestServer(t, d)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status status = %d", w.Code)
	}
	var body struct {
		Alerts []any `json:"alerts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
}
