package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

type fakeSchedules struct {
	recs map[string]storage.Record
	err  error
}

func (f *fakeSchedules) Create(_ context.Context, req schedule.CreateRequest) (storage.Record, error) {
	if f.err != nil {
		return storage.Record{}, f.err
	}
	if req.When == "bogus" {
		return storage.Record{}, schedule.ErrInvalidWhen
	}
	rec := storage.Record{ID: "0000abcd", DestinationID: req.DestinationID, Content: req.Content, Kind: storage.KindOnce, FireAt: "2030-01-01T09:00:00+09:00", Status: storage.StatusPending}
	f.recs[rec.ID] = rec
	return rec, nil
}

func (f *fakeSchedules) List(context.Context) ([]schedule.View, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []schedule.View
	for _, r := range f.recs {
		out = append(out, schedule.View{Record: r, Live: true})
	}
	return out, nil
}

func (f *fakeSchedules) Get(_ context.Context, id string) (schedule.View, error) {
	r, ok := f.recs[id]
	if !ok {
		return schedule.View{}, storage.ErrNotFound
	}
	return schedule.View{Record: r, Live: true}, nil
}

func (f *fakeSchedules) Edit(_ context.Context, id, content string, when *string) (storage.Record, error) {
	r, ok := f.recs[id]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	if content == "" && when == nil {
		return storage.Record{}, schedule.ErrInvalidContent
	}
	if content != "" {
		r.Content = content
	}
	f.recs[id] = r
	return r, nil
}

func (f *fakeSchedules) Delete(_ context.Context, id string) (bool, error) {
	_, ok := f.recs[id]
	delete(f.recs, id)
	return ok, nil
}

type fakeTasks struct{}

func (fakeTasks) Snapshot() engine.Snapshot { return engine.Snapshot{Running: true, Workers: 2} }

func newTestHandler(token string) (http.Handler, *fakeSchedules) {
	fs := &fakeSchedules{recs: map[string]storage.Record{}}
	s := New(Config{Token: token}, Deps{Schedules: fs, Tasks: fakeTasks{}}, logx.Nop())
	return s.Handler(Config{Token: token, Pprof: true}), fs
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestScheduleCRUD(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler("")

	w := do(t, h, http.MethodPost, "/api/v1/schedules", `{"destination_id":42,"content":"hi","when":"tomorrow 09:00"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	var rec storage.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ID != "0000abcd" || rec.DestinationID != 42 || rec.Content != "hi" {
		t.Fatalf("record %+v", rec)
	}

	w = do(t, h, http.MethodGet, "/api/v1/schedules", "", "")
	var list struct {
		Schedules []map[string]any `json:"schedules"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Schedules) != 1 {
		t.Fatalf("list: %v %s", err, w.Body)
	}
	if list.Schedules[0]["id"] != "0000abcd" || list.Schedules[0]["live"] != true {
		t.Fatalf("list item %v", list.Schedules[0])
	}

	w = do(t, h, http.MethodPatch, "/api/v1/schedules/0000abcd", `{"content":"changed"}`, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"changed"`) {
		t.Fatalf("edit: %d %s", w.Code, w.Body)
	}

	w = do(t, h, http.MethodGet, "/api/v1/schedules/0000abcd", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"changed"`) {
		t.Fatalf("get: %d %s", w.Code, w.Body)
	}

	if w = do(t, h, http.MethodDelete, "/api/v1/schedules/0000abcd", "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if w = do(t, h, http.MethodDelete, "/api/v1/schedules/0000abcd", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", w.Code)
	}
	if w = do(t, h, http.MethodGet, "/api/v1/schedules/0000abcd", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	h, fs := newTestHandler("")
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing fields", http.MethodPost, "/api/v1/schedules", `{"content":"x"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/v1/schedules", `{`, http.StatusBadRequest},
		{"bad when", http.MethodPost, "/api/v1/schedules", `{"destination_id":1,"content":"x","when":"bogus"}`, http.StatusBadRequest},
		{"edit missing", http.MethodPatch, "/api/v1/schedules/nope", `{"content":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := do(t, h, tt.method, tt.path, tt.body, ""); w.Code != tt.want {
			t.Fatalf("%s: got %d want %d (%s)", tt.name, w.Code, tt.want, w.Body)
		}
	}

	fs.err = errors.New("disk on fire")
	w := do(t, h, http.MethodGet, "/api/v1/schedules", "", "")
	if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "fire") {
		t.Fatalf("internal error leaked or wrong code: %d %s", w.Code, w.Body)
	}
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()
	h, _ := newTestHandler("s3cret")
	if w := do(t, h, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz should be open: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/tasks", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/tasks", "", "wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", w.Code)
	}
	w := do(t, h, http.MethodGet, "/api/v1/tasks", "", "s3cret")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"workers":2`) {
		t.Fatalf("tasks: %d %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodGet, "/api/v1/tasks?token=s3cret", "", ""); w.Code != http.StatusOK {
		t.Fatalf("query token: %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/debug/pprof/cmdline", "", "s3cret"); w.Code != http.StatusOK {
		t.Fatalf("pprof: %d", w.Code)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	fs := &fakeSchedules{recs: map[string]storage.Record{}}
	s := New(Config{}, Deps{Schedules: fs}, logx.Nop())
	ctx := context.Background()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatalf("server did not start")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Reconfigure(sctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("server still bound after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:8089": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":8089":          false,
		"0.0.0.0:8089":   false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	}
	for in, want := range tests {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("%q: got %v", in, got)
		}
	}
}
