package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"calltimer/internal/api"
	"calltimer/internal/auth"
	"calltimer/internal/calls"
	"calltimer/internal/config"
	"calltimer/internal/control"
	"calltimer/internal/logging"
	"calltimer/internal/webhook"
)

type controlServer struct {
	*httptest.Server
	mu       sync.Mutex
	commands []string
}

func newControlServer(t *testing.T) *controlServer {
	t.Helper()
	cs := &controlServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd control.Command
		_ = json.NewDecoder(r.Body).Decode(&cmd)
		cs.mu.Lock()
		cs.commands = append(cs.commands, cmd.Type)
		cs.mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *controlServer) received() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.commands...)
}

type fixture struct {
	handler  http.Handler
	registry *calls.Registry
	control  *controlServer
	auth     *auth.Authenticator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Timer.MaxCallDurationSeconds = 15
	cfg.Server.EnableCORS = true

	ctrl := control.NewClient(control.Options{Timeout: time.Second, Logger: logging.Discard()})
	registry := calls.New(calls.Options{
		MaxDuration: cfg.Timer.MaxDuration(),
		GracePeriod: cfg.Timer.GracePeriod(),
		Terminator:  ctrl,
		Logger:      logging.Discard(),
	})
	t.Cleanup(registry.Close)

	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	authn, err := auth.NewAuthenticator(config.AuthConfig{JWTSecret: "k", AdminUsername: "admin", AdminPasswordHash: hash, TokenTTLHours: 1})
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}

	srv := api.NewServer(cfg, api.Deps{
		Registry:   registry,
		Dispatcher: webhook.NewDispatcher(registry, webhook.Options{Logger: logging.Discard()}),
		Control:    ctrl,
		Auth:       authn,
	})
	return &fixture{handler: srv.Handler(), registry: registry, control: newControlServer(t), auth: authn}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", rec.Body.String(), err)
	}
	return out
}

func startPayload(id, controlURL string) string {
	return `{"message":{"type":"assistant.started","call":{"id":"` + id + `","monitor":{"controlUrl":"` + controlURL + `"}}}}`
}

func TestRootReportsMaxDuration(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "healthy" || body["maxDuration"] != "15s" {
		t.Fatalf("body = %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}

func TestWebhookLifecycle(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/webhook", "/vapi/webhook"} {
		rec := f.do(t, http.MethodPost, path, startPayload("A", f.control.URL), "")
		if rec.Code != http.StatusOK || decodeBody(t, rec)["success"] != true {
			t.Fatalf("%s start: status = %d body = %s", path, rec.Code, rec.Body.String())
		}
	}
	if got := f.registry.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	rec := f.do(t, http.MethodPost, "/webhook", `{"message":{"type":"end-of-call-report","call":{"id":"A"}}}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("end: status = %d", rec.Code)
	}
	if got := f.registry.Count(); got != 0 {
		t.Fatalf("Count() after natural end = %d, want 0", got)
	}
	if got := f.control.received(); len(got) != 0 {
		t.Fatalf("control commands = %v, want none", got)
	}
}

func TestWebhookMissingCallIDStillSucceeds(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/webhook", `{"message":{"type":"assistant.started"}}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := f.registry.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/webhook", `{"message":`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if _, ok := decodeBody(t, rec)["error"]; !ok {
		t.Fatalf("body = %s, want error", rec.Body.String())
	}
}

func TestTestEndCall(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/test/end-call", `{"callId":"A"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing controlUrl: status = %d, want 400", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/test/end-call", `{"callId":"A","controlUrl":"`+f.control.URL+`"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["callId"] != "A" || body["response"] != "ok" {
		t.Fatalf("body = %v", body)
	}
	if got := f.control.received(); len(got) != 1 || got[0] != "end-call" {
		t.Fatalf("control commands = %v, want [end-call]", got)
	}
	if f.registry.Count() != 0 {
		t.Fatal("test end-call must bypass the registry")
	}
}

func TestAdminAPI(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/calls", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: status = %d, want 401", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/login", `{"username":"admin","password":"nope"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: status = %d, want 401", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/login", `{"username":"admin","password":"s3cret"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	token, _ := decodeBody(t, rec)["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}

	f.registry.Start("A", f.control.URL)

	rec = f.do(t, http.MethodGet, "/api/v1/calls", "", token)
	var list []calls.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(list) != 1 || list[0].CallID != "A" {
		t.Fatalf("calls = %+v, want [A]", list)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/calls/missing", "", token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing: status = %d, want 404", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/calls/A/end", "", token)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["ended"] != true {
		t.Fatalf("end: status = %d body = %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/v1/calls/A/end", "", token)
	if decodeBody(t, rec)["ended"] != false {
		t.Fatalf("second end: body = %s, want ended=false", rec.Body.String())
	}

	deadline := time.Now().Add(time.Second)
	for len(f.control.received()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.control.received(); len(got) != 1 || got[0] != "end-call" {
		t.Fatalf("control commands = %v, want [end-call]", got)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/history", "", token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("history disabled: status = %d, want 404", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/webhook", bytes.NewReader(nil))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("headers = %v", rec.Header())
	}
}
