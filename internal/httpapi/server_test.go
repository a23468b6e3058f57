package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kazuki-shin/ambi/internal/memory"
	"github.com/kazuki-shin/ambi/internal/observability"
	"github.com/kazuki-shin/ambi/internal/shortterm"
)

type fakeAdmin struct {
	enabled bool
	cleared int
	err     error
}

func (f *fakeAdmin) Enabled() bool { return f.enabled }
func (f *fakeAdmin) Namespace() string { return "test-ns" }
func (f *fakeAdmin) Clear(context.Context) error {
	f.cleared++
	return f.err
}

func newTestServer(t *testing.T, admin LongTermAdmin) *httptest.Server {
	t.Helper()
	metrics := observability.NewMetrics("test_httpapi_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	store := shortterm.New(nil, shortterm.Options{WindowSize: 5})
	mgr := memory.NewManager(store, nil, memory.Options{Metrics: metrics})
	srv := New(mgr, admin, func() Status {
		return Status{ShortTermMode: store.Mode(), LongTermBackend: "disabled", EmbeddingMode: "hash"}
	}, metrics, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, url, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeMessages(t *testing.T, res *http.Response) messagesResponse {
	t.Helper()
	var out messagesResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode messages response: %v", err)
	}
	return out
}

func TestRecordThenRecent(t *testing.T) {
	ts := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/v1/memory/s1/exchanges", exchangeRequest{
		Human:     "my name is Alex",
		Assistant: "Nice to meet you, Alex!",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	res = doJSON(t, http.MethodGet, ts.URL+"/v1/memory/s1/recent", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("recent status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	got := decodeMessages(t, res)
	if got.SessionID != "s1" {
		t.Fatalf("session_id = %q, want s1", got.SessionID)
	}
	want := memory.Pair("my name is Alex", "Nice to meet you, Alex!")
	if len(got.Messages) != len(want) {
		t.Fatalf("messages = %+v, want %+v", got.Messages, want)
	}
	for i := range want {
		if got.Messages[i] != want[i] {
			t.Fatalf("message[%d] = %+v, want %+v", i, got.Messages[i], want[i])
		}
	}
}

func TestRecordRejectsEmptyExchange(t *testing.T) {
	ts := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/v1/memory/s1/exchanges", exchangeRequest{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/memory/s1/exchanges", strings.NewReader("{not json"))
	bad, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestContextWithoutBodyReturnsRecent(t *testing.T) {
	ts := newTestServer(t, nil)

	doJSON(t, http.MethodPost, ts.URL+"/v1/memory/s1/exchanges", exchangeRequest{Human: "a", Assistant: "b"})

	res := doJSON(t, http.MethodPost, ts.URL+"/v1/memory/s1/context", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("context status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if got := decodeMessages(t, res); len(got.Messages) != 2 {
		t.Fatalf("context messages = %+v, want 2", got.Messages)
	}

	res = doJSON(t, http.MethodPost, ts.URL+"/v1/memory/s1/relevant", queryRequest{Query: "a"})
	got := decodeMessages(t, res)
	if got.Messages == nil || len(got.Messages) != 0 {
		t.Fatalf("relevant without long-term = %+v, want empty list", got.Messages)
	}
}

func TestForgetClearsSession(t *testing.T) {
	ts := newTestServer(t, nil)

	doJSON(t, http.MethodPost, ts.URL+"/v1/memory/s1/exchanges", exchangeRequest{Human: "a", Assistant: "b"})
	res := doJSON(t, http.MethodDelete, ts.URL+"/v1/memory/s1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forget status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res = doJSON(t, http.MethodGet, ts.URL+"/v1/memory/s1/recent", nil)
	if got := decodeMessages(t, res); len(got.Messages) != 0 {
		t.Fatalf("recent after forget = %+v, want empty", got.Messages)
	}
}

func TestClearLongTerm(t *testing.T) {
	disabled := newTestServer(t, &fakeAdmin{})
	res := doJSON(t, http.MethodDelete, disabled.URL+"/v1/admin/long-term", nil)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("disabled status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	admin := &fakeAdmin{enabled: true}
	enabled := newTestServer(t, admin)
	res = doJSON(t, http.MethodDelete, enabled.URL+"/v1/admin/long-term", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("enabled status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if admin.cleared != 1 {
		t.Fatalf("cleared = %d, want 1", admin.cleared)
	}

	failing := newTestServer(t, &fakeAdmin{enabled: true, err: errors.New("index unreachable")})
	res = doJSON(t, http.MethodDelete, failing.URL+"/v1/admin/long-term", nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("failing status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}
}

func TestReadyReportsStatus(t *testing.T) {
	ts := newTestServer(t, nil)

	res := doJSON(t, http.MethodGet, ts.URL+"/readyz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var body struct {
		Status string `json:"status"`
		Memory Status `json:"memory"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	if body.Memory.ShortTermMode != shortterm.ModeInMemory {
		t.Fatalf("short_term_mode = %q, want %q", body.Memory.ShortTermMode, shortterm.ModeInMemory)
	}
}

func TestPerfMemoryReportsBuildContextStage(t *testing.T) {
	ts := newTestServer(t, nil)

	doJSON(t, http.MethodPost, ts.URL+"/v1/memory/s1/context", queryRequest{Query: "hi"})
	res := doJSON(t, http.MethodGet, ts.URL+"/v1/perf/memory", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf: %v", err)
	}
	found := false
	for _, st := range snap.Stages {
		if st.Stage == observability.StageBuildContext {
			found = true
		}
	}
	if !found {
		t.Fatalf("stages = %+v, want %q", snap.Stages, observability.StageBuildContext)
	}
}
