package unifi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeController simulates the controller's login and port-forward endpoints.
type fakeController struct {
	mu            sync.Mutex
	loginCalls    int
	ruleCalls     int
	csrfInCookie  bool
	loginDelay    time.Duration
	rejectRules   int // number of rule requests to reject with 401
	rulesResponse string
	lastMethod    string
	lastPath      string
	lastCSRF      string
	lastBody      []byte
	sawSession    bool
}

const testToken = "test-csrf-token"

func (f *fakeController) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.loginCalls++
		delay := f.loginDelay
		inCookie := f.csrfInCookie
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		http.SetCookie(w, &http.Cookie{Name: "TOKEN", Value: "session-cookie", Path: "/"})
		if inCookie {
			http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: testToken, Path: "/"})
		} else {
			w.Header().Set("X-Csrf-Token", testToken)
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/proxy/network/api/s/default/rest/portforward", f.serveRules)
	mux.HandleFunc("/proxy/network/api/s/default/rest/portforward/", f.serveRules)

	return mux
}

func (f *fakeController) serveRules(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r)

	f.mu.Lock()
	f.ruleCalls++
	f.lastMethod = r.Method
	f.lastPath = r.URL.Path
	f.lastCSRF = r.Header.Get("X-Csrf-Token")
	f.lastBody = body
	if cookie, err := r.Cookie("TOKEN"); err == nil && cookie.Value == "session-cookie" {
		f.sawSession = true
	}
	reject := f.rejectRules > 0
	if reject {
		f.rejectRules--
	}
	response := f.rulesResponse
	f.mu.Unlock()

	if reject {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if response == "" {
		response = `{"data":[]}`
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(response))
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// counts returns the call counters under lock.
func (f *fakeController) counts() (logins, rules int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.ruleCalls
}

// last returns the most recent rule request details under lock.
func (f *fakeController) last() (method, path, csrf string, body []byte, sawSession bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMethod, f.lastPath, f.lastCSRF, f.lastBody, f.sawSession
}

func newTestClient(t *testing.T, controller *fakeController) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(controller.handler())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "default", "admin", "secret", false, zap.NewNop())
	return client, srv
}

func TestListRules_LogsInAndAttachesCSRF(t *testing.T) {
	controller := &fakeController{
		rulesResponse: `{"data":[{"_id":"r1","name":"ptero-alloc-101","enabled":true,"proto":"both","dst_port":"25565","fwd_port":"25565","fwd":"10.0.1.10"}]}`,
	}
	client, _ := newTestClient(t, controller)

	rules, err := client.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "r1" || rules[0].Proto != ProtocolTCPUDP {
		t.Fatalf("rules = %+v", rules)
	}
	logins, _ := controller.counts()
	if logins != 1 {
		t.Errorf("loginCalls = %d, want 1", logins)
	}
	_, _, csrf, _, sawSession := controller.last()
	if csrf != testToken {
		t.Errorf("request CSRF header = %q, want %q", csrf, testToken)
	}
	if !sawSession {
		t.Error("session cookie was not attached to the rules request")
	}
}

func TestLogin_CSRFFromCookie(t *testing.T) {
	controller := &fakeController{csrfInCookie: true}
	client, _ := newTestClient(t, controller)

	if _, err := client.ListRules(context.Background()); err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if _, _, csrf, _, _ := controller.last(); csrf != testToken {
		t.Errorf("request CSRF header = %q, want token from cookie", csrf)
	}
}

func TestLogin_NoTokenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // no token anywhere
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "default", "admin", "secret", false, zap.NewNop())

	_, err := client.ListRules(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
}

func TestEnsureAuthenticated_SingleFlight(t *testing.T) {
	controller := &fakeController{loginDelay: 50 * time.Millisecond}
	client, _ := newTestClient(t, controller)

	const concurrency = 8
	var failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.ListRules(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d concurrent requests failed", failures.Load())
	}
	if logins, _ := controller.counts(); logins != 1 {
		t.Errorf("loginCalls = %d, want exactly 1", logins)
	}
}

func TestReAuthenticatesOnceOn401(t *testing.T) {
	controller := &fakeController{rejectRules: 1}
	client, _ := newTestClient(t, controller)

	if _, err := client.ListRules(context.Background()); err != nil {
		t.Fatalf("ListRules failed after re-auth: %v", err)
	}
	logins, rules := controller.counts()
	if logins != 2 {
		t.Errorf("loginCalls = %d, want 2 (initial + re-login)", logins)
	}
	if rules != 2 {
		t.Errorf("ruleCalls = %d, want 2 (rejected + retried)", rules)
	}
	// The http.Client must keep the same jar across re-logins; only its
	// contents are replaced.
	if client.http.Jar != http.CookieJar(client.jar) {
		t.Error("http.Client.Jar was swapped during re-login")
	}
}

func TestSessionJar_ResetAndDrop(t *testing.T) {
	jar := &sessionJar{}
	u, err := url.Parse("https://controller.local/")
	if err != nil {
		t.Fatalf("url.Parse failed: %v", err)
	}
	cookie := []*http.Cookie{{Name: "TOKEN", Value: "session-cookie"}}

	// Before the first reset there is nothing to store cookies in.
	jar.SetCookies(u, cookie)
	if got := jar.Cookies(u); len(got) != 0 {
		t.Fatalf("cookies before reset = %v, want none", got)
	}

	if err := jar.reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	jar.SetCookies(u, cookie)
	if got := jar.Cookies(u); len(got) != 1 || got[0].Value != "session-cookie" {
		t.Fatalf("cookies after set = %v", got)
	}

	if err := jar.reset(); err != nil {
		t.Fatalf("second reset failed: %v", err)
	}
	if got := jar.Cookies(u); len(got) != 0 {
		t.Errorf("reset kept cookies: %v", got)
	}

	jar.SetCookies(u, cookie)
	jar.drop()
	if got := jar.Cookies(u); len(got) != 0 {
		t.Errorf("drop kept cookies: %v", got)
	}
}

func TestPersistent401PropagatesWithoutSecondRetry(t *testing.T) {
	controller := &fakeController{rejectRules: 10}
	client, _ := newTestClient(t, controller)

	_, err := client.ListRules(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want AuthError", err)
	}
	logins, rules := controller.counts()
	if rules != 2 {
		t.Errorf("ruleCalls = %d, want exactly 2", rules)
	}
	if logins != 2 {
		t.Errorf("loginCalls = %d, want exactly 2", logins)
	}
}

func TestListRules_BareArrayAndUnknownShapes(t *testing.T) {
	controller := &fakeController{
		rulesResponse: `[{"_id":"r1","name":"a"},{"_id":"r2","name":"b"}]`,
	}
	client, _ := newTestClient(t, controller)

	rules, err := client.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("len(rules) = %d, want 2", len(rules))
	}

	controller.mu.Lock()
	controller.rulesResponse = `{"meta":{"rc":"ok"}}`
	controller.mu.Unlock()

	rules, err = client.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules failed: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("unrecognized shape should decode as empty, got %+v", rules)
	}
}

func TestCreateRule_PostsWirePayload(t *testing.T) {
	controller := &fakeController{
		rulesResponse: `{"data":[{"_id":"new-id","name":"ptero-alloc-101","proto":"both"}]}`,
	}
	client, _ := newTestClient(t, controller)

	created, err := client.CreateRule(context.Background(), Rule{
		Name:    "ptero-alloc-101",
		Enabled: true,
		Proto:   ProtocolTCPUDP,
		DstPort: "25565",
		FwdPort: "25565",
		Fwd:     "10.0.1.10",
		Src:     "any",
		Dst:     "any",
	})
	if err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if created.ID != "new-id" {
		t.Errorf("created.ID = %q", created.ID)
	}

	_, _, _, lastBody, _ := controller.last()
	var posted map[string]any
	if err := json.Unmarshal(lastBody, &posted); err != nil {
		t.Fatalf("posted body is not JSON: %v", err)
	}
	if posted["proto"] != "both" {
		t.Errorf("posted proto = %v, want both", posted["proto"])
	}
	if posted["site_id"] != "default" {
		t.Errorf("posted site_id = %v, want default", posted["site_id"])
	}
	if posted["dst_port"] != "25565" || posted["fwd"] != "10.0.1.10" {
		t.Errorf("posted body = %v", posted)
	}
}

func TestCreateRule_EmptyResponseIsResponseError(t *testing.T) {
	controller := &fakeController{rulesResponse: `{"data":[]}`}
	client, _ := newTestClient(t, controller)

	_, err := client.CreateRule(context.Background(), Rule{Name: "ptero-alloc-101"})
	var respErr *ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("error = %v, want ResponseError", err)
	}
}

func TestUpdateRule_MergesRawPayload(t *testing.T) {
	controller := &fakeController{
		rulesResponse: `{"data":{"_id":"r1","name":"ptero-alloc-101","fwd":"10.0.1.20"}}`,
	}
	client, _ := newTestClient(t, controller)

	existing := Rule{
		ID:   "r1",
		Name: "ptero-alloc-101",
		Fwd:  "10.0.1.10",
		Raw: map[string]any{
			"_id":  "r1",
			"name": "ptero-alloc-101",
			"fwd":  "10.0.1.10",
			"log":  true, // field this service does not model
		},
	}
	desired := Rule{
		Name:    "ptero-alloc-101",
		Enabled: true,
		Proto:   ProtocolTCPUDP,
		DstPort: "25565",
		FwdPort: "25565",
		Fwd:     "10.0.1.20",
		Src:     "any",
		Dst:     "any",
	}

	updated, err := client.UpdateRule(context.Background(), existing, desired)
	if err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}
	if updated.Fwd != "10.0.1.20" {
		t.Errorf("updated.Fwd = %q", updated.Fwd)
	}

	method, path, _, lastBody, _ := controller.last()
	if method != http.MethodPut {
		t.Errorf("method = %q, want PUT", method)
	}
	if want := "/proxy/network/api/s/default/rest/portforward/r1"; path != want {
		t.Errorf("path = %q, want %q", path, want)
	}

	var sent map[string]any
	if err := json.Unmarshal(lastBody, &sent); err != nil {
		t.Fatalf("sent body is not JSON: %v", err)
	}
	if sent["_id"] != "r1" {
		t.Errorf("sent _id = %v", sent["_id"])
	}
	if sent["log"] != true {
		t.Error("unmodeled raw field was dropped from the update body")
	}
	if sent["fwd"] != "10.0.1.20" {
		t.Errorf("desired field did not win the merge: fwd = %v", sent["fwd"])
	}
}

func TestDeleteRule(t *testing.T) {
	controller := &fakeController{rulesResponse: `{}`}
	client, _ := newTestClient(t, controller)

	if err := client.DeleteRule(context.Background(), "r1"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	method, path, _, _, _ := controller.last()
	if method != http.MethodDelete {
		t.Errorf("method = %q, want DELETE", method)
	}
	if want := "/proxy/network/api/s/default/rest/portforward/r1"; path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
}

func TestNonAuthErrorIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/login" {
			w.Header().Set("X-Csrf-Token", testToken)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	client := NewClient(srv.URL, "default", "admin", "secret", false, zap.NewNop())

	_, err := client.ListRules(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", apiErr.Status)
	}
}
