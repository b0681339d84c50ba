package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/waypoint-sync/internal/audit"
	"github.com/nerrad567/waypoint-sync/internal/device"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/config"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/logging"
	"github.com/nerrad567/waypoint-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/waypoint-sync/internal/orchestrator"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakeSync drives a memory-only store and records passes.
type fakeSync struct {
	store *waypoint.Store

	mu        sync.Mutex
	passes    int
	reloadN   int
	reloadErr error
}

func (f *fakeSync) SubmitWaypoint(ctx context.Context, explicitID uint16, name string, lat, lon float64) (waypoint.Record, error) {
	id, err := f.store.Add(ctx, explicitID, name, lat, lon)
	if err != nil {
		return waypoint.Record{}, err
	}
	f.mu.Lock()
	f.passes++
	f.mu.Unlock()
	return f.store.Get(id)
}

func (f *fakeSync) SubmitUpdate(ctx context.Context, id uint16, name string, lat, lon float64) (waypoint.UpdateResult, error) {
	res, err := f.store.Update(ctx, id, name, lat, lon)
	if err == nil && res == waypoint.Changed {
		f.mu.Lock()
		f.passes++
		f.mu.Unlock()
	}
	return res, err
}

func (f *fakeSync) SyncAll(context.Context) orchestrator.PassReport {
	f.mu.Lock()
	f.passes++
	f.mu.Unlock()
	return orchestrator.PassReport{ID: "pass-1", Trigger: orchestrator.TriggerManual, Affected: f.store.Count()}
}

func (f *fakeSync) ReloadFormats() (int, error) {
	return f.reloadN, f.reloadErr
}

func (f *fakeSync) Status() orchestrator.Status {
	return orchestrator.Status{Started: true, Waypoints: f.store.Count()}
}

func (f *fakeSync) passCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.passes
}

type fakeDevices struct {
	entries  []device.Entry
	override bool
}

func (f *fakeDevices) ListEntries() []device.Entry { return f.entries }
func (f *fakeDevices) Override() bool              { return f.override }

type fakePasses struct {
	records []orchestrator.PassRecord
	err     error
	limit   int
}

func (f *fakePasses) ListRecent(_ context.Context, limit int) ([]orchestrator.PassRecord, error) {
	f.limit = limit
	return f.records, f.err
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	filter  audit.Filter
}

func (f *fakeAudit) Record(_ context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) (*audit.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return &audit.Page{Entries: f.entries, Total: len(f.entries), Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (f *fakeAudit) recorded() []audit.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audit.Entry(nil), f.entries...)
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	store   *waypoint.Store
	sync    *fakeSync
	passes  *fakePasses
	audit   *fakeAudit
	metrics *metrics.Collector
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()

	store := waypoint.NewStore(nil)
	fs := &fakeSync{store: store, reloadN: 2}
	fp := &fakePasses{}
	fa := &fakeAudit{}
	col, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1"},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: secret}},
		Logger:   logging.Discard(),
		Store:    store,
		Sync:     fs,
		Devices: &fakeDevices{entries: []device.Entry{
			{Descriptor: device.Descriptor{DisplayName: "Garmin", FormatKey: "usr"}, Source: 12, NAME: "123456789abcdef0"},
		}},
		Passes:  fp,
		Audit:   fa,
		Metrics: col,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{srv: srv, handler: srv.Handler(), store: store, sync: fs, passes: fp, audit: fa, metrics: col}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func signToken(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func TestNew_RequiresDeps(t *testing.T) {
	store := waypoint.NewStore(nil)
	tests := []struct {
		name string
		deps Deps
	}{
		{"no logger", Deps{Store: store, Sync: &fakeSync{store: store}, Devices: &fakeDevices{}}},
		{"no store", Deps{Logger: logging.Discard(), Sync: &fakeSync{store: store}, Devices: &fakeDevices{}}},
		{"no sync", Deps{Logger: logging.Discard(), Store: store, Devices: &fakeDevices{}}},
		{"no devices", Deps{Logger: logging.Discard(), Store: store, Sync: &fakeSync{store: store}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestRequestID_Preserved(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/v1/health", "", map[string]string{"X-Request-ID": "abc"})
	if got := rec.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want abc", got)
	}
}

func TestCreateAndGetWaypoint(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/v1/waypoints", `{"name":"Harbour","latitude":50.1,"longitude":-1.25}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	created := decode[waypoint.Record](t, rec)
	if created.ID != waypoint.FirstID || created.Name != "Harbour" {
		t.Errorf("created = %+v", created)
	}
	if env.sync.passCount() != 1 {
		t.Errorf("passes = %d, want 1", env.sync.passCount())
	}

	rec = env.do(t, http.MethodGet, "/api/v1/waypoints/1000", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	got := decode[waypoint.Record](t, rec)
	if got.Latitude != 50.1 || got.Longitude != -1.25 {
		t.Errorf("got = %+v", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/waypoints", "", nil)
	list := decode[struct {
		Waypoints []waypoint.Record `json:"waypoints"`
		Count     int               `json:"count"`
	}](t, rec)
	if list.Count != 1 || len(list.Waypoints) != 1 {
		t.Errorf("list = %+v", list)
	}
}

func TestCreateWaypoint_Errors(t *testing.T) {
	env := newTestEnv(t, "")
	if _, err := env.store.Add(context.Background(), 0, "Existing", 1, 1); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing coordinates", `{"name":"X"}`, http.StatusUnprocessableEntity},
		{"latitude out of range", `{"name":"X","latitude":91,"longitude":0}`, http.StatusUnprocessableEntity},
		{"empty name", `{"name":"","latitude":1,"longitude":1}`, http.StatusUnprocessableEntity},
		{"explicit id exists", `{"id":1000,"name":"X","latitude":1,"longitude":1}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/waypoints", tt.body, nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if env.store.Count() != 1 {
		t.Errorf("store count = %d, want 1", env.store.Count())
	}
}

func TestGetWaypoint_BadID(t *testing.T) {
	env := newTestEnv(t, "")
	for path, want := range map[string]int{
		"/api/v1/waypoints/abc":   http.StatusBadRequest,
		"/api/v1/waypoints/0":     http.StatusBadRequest,
		"/api/v1/waypoints/70000": http.StatusBadRequest,
		"/api/v1/waypoints/1234":  http.StatusNotFound,
	} {
		if rec := env.do(t, http.MethodGet, path, "", nil); rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestUpdateWaypoint(t *testing.T) {
	env := newTestEnv(t, "")
	id, err := env.store.Add(context.Background(), 0, "Buoy", 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	path := "/api/v1/waypoints/" + itoa(id)

	rec := env.do(t, http.MethodPatch, path, `{"latitude":10.5}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	body := decode[struct {
		Result   string          `json:"result"`
		Waypoint waypoint.Record `json:"waypoint"`
	}](t, rec)
	if body.Result != "changed" || body.Waypoint.Latitude != 10.5 || body.Waypoint.Name != "Buoy" {
		t.Errorf("body = %+v", body)
	}
	if env.sync.passCount() != 1 {
		t.Errorf("passes = %d, want 1", env.sync.passCount())
	}

	rec = env.do(t, http.MethodPatch, path, `{"name":"Buoy"}`, nil)
	body = decode[struct {
		Result   string          `json:"result"`
		Waypoint waypoint.Record `json:"waypoint"`
	}](t, rec)
	if body.Result != "noop" {
		t.Errorf("result = %q, want noop", body.Result)
	}
	if env.sync.passCount() != 1 {
		t.Errorf("noop update ran a pass")
	}

	if rec := env.do(t, http.MethodPatch, "/api/v1/waypoints/4321", `{"name":"X"}`, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodPatch, path, `{"longitude":500}`, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid longitude status = %d, want 422", rec.Code)
	}
}

func TestListDevices(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/v1/devices", "", nil)
	body := decode[struct {
		Devices []device.Entry `json:"devices"`
		Count   int            `json:"count"`
	}](t, rec)
	if body.Count != 1 || body.Devices[0].FormatKey != "usr" || body.Devices[0].Source != 12 {
		t.Errorf("body = %+v", body)
	}
}

func TestSyncEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodPost, "/api/v1/sync", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	report := decode[orchestrator.PassReport](t, rec)
	if report.Trigger != orchestrator.TriggerManual {
		t.Errorf("trigger = %q", report.Trigger)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sync/status", "", nil)
	if st := decode[orchestrator.Status](t, rec); !st.Started {
		t.Errorf("status = %+v", st)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/formats/reload", "", nil)
	if body := decode[map[string]int](t, rec); body["formats"] != 2 {
		t.Errorf("reload body = %v", body)
	}

	env.sync.reloadErr = errors.New("bad map")
	if rec := env.do(t, http.MethodPost, "/api/v1/formats/reload", "", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("failed reload status = %d, want 422", rec.Code)
	}
}

func TestListPasses(t *testing.T) {
	env := newTestEnv(t, "")
	env.passes.records = []orchestrator.PassRecord{{ID: "p1", Trigger: "watch"}}

	rec := env.do(t, http.MethodGet, "/api/v1/sync/passes?limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.passes.limit != 5 {
		t.Errorf("limit = %d, want 5", env.passes.limit)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/sync/passes?limit=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d", rec.Code)
	}

	env.do(t, http.MethodGet, "/api/v1/sync/passes?limit=100000", "", nil)
	if env.passes.limit != maxPassLimit {
		t.Errorf("limit = %d, want %d", env.passes.limit, maxPassLimit)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, testSecret)
	body := `{"name":"A","latitude":1,"longitude":1}`

	if rec := env.do(t, http.MethodGet, "/api/v1/waypoints", "", nil); rec.Code != http.StatusOK {
		t.Errorf("read without token = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/waypoints", body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("write without token = %d, want 401", rec.Code)
	}

	bad := signToken(t, "another-secret-that-is-long-enough-123", "op", jwt.SigningMethodHS256)
	if rec := env.do(t, http.MethodPost, "/api/v1/waypoints", body, map[string]string{"Authorization": "Bearer " + bad}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret = %d, want 401", rec.Code)
	}

	noSubject := signToken(t, testSecret, "", jwt.SigningMethodHS256)
	if rec := env.do(t, http.MethodPost, "/api/v1/waypoints", body, map[string]string{"Authorization": "Bearer " + noSubject}); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing subject = %d, want 401", rec.Code)
	}

	good := signToken(t, testSecret, "operator", jwt.SigningMethodHS256)
	if rec := env.do(t, http.MethodPost, "/api/v1/waypoints", body, map[string]string{"Authorization": "Bearer " + good}); rec.Code != http.StatusCreated {
		t.Errorf("valid token = %d, want 201", rec.Code)
	}
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	tok := signToken(t, testSecret, "op", jwt.SigningMethodHS512)
	if _, err := parseToken(tok, testSecret); !errors.Is(err, errTokenInvalid) {
		t.Errorf("parseToken(HS512) error = %v, want errTokenInvalid", err)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.cfg.CORS.AllowedOrigins = []string{"http://chartplotter.local"}
	env.handler = env.srv.Handler()

	rec := env.do(t, http.MethodOptions, "/api/v1/waypoints", "", map[string]string{"Origin": "http://chartplotter.local"})
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://chartplotter.local" {
		t.Errorf("allow origin = %q", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/health", "", map[string]string{"Origin": "http://evil.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got header %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodGet, "/api/v1/waypoints/1000", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `route="/api/v1/waypoints/{id}"`) {
		t.Errorf("metrics missing route label:\n%s", rec.Body.String())
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	env := newTestEnv(t, "")
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestWebSocket_ReceivesEvents(t *testing.T) {
	env := newTestEnv(t, "")
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()

	sub := WSRequest{Type: WSTypeSubscribe, ID: "1", Channels: []string{ChannelWaypointChanged}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	env.srv.Hub().PassCompleted(orchestrator.PassReport{ID: "ignored"})
	env.srv.Hub().WaypointChanged(waypoint.Change{Kind: waypoint.ChangeAdded, Record: waypoint.Record{ID: 1000, Name: "Harbour"}})

	var ev WSMessage
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.Channel != ChannelWaypointChanged {
		t.Errorf("event = %+v", ev)
	}
	if ev.Seq != 2 {
		t.Errorf("Seq = %d, want 2 (the pass event also took a number)", ev.Seq)
	}
	data, _ := ev.Data.(map[string]any)
	if data["kind"] != "added" || data["name"] != "Harbour" {
		t.Errorf("data = %v", ev.Data)
	}
}

func TestWebSocket_Requests(t *testing.T) {
	env := newTestEnv(t, "")
	if _, err := env.store.Add(context.Background(), 0, "Breakwater", 50.1, -4.2); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer resp.Body.Close()
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}

	roundTrip := func(req WSRequest) WSMessage {
		t.Helper()
		if err := conn.WriteJSON(req); err != nil {
			t.Fatal(err)
		}
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading reply to %s: %v", req.Type, err)
		}
		if msg.ID != req.ID {
			t.Fatalf("reply ID = %q, want %q", msg.ID, req.ID)
		}
		return msg
	}

	if msg := roundTrip(WSRequest{Type: WSTypeSubscribe, ID: "a", Channels: []string{"bogus"}}); msg.Type != WSTypeError {
		t.Errorf("unknown channel reply = %+v, want error", msg)
	}

	msg := roundTrip(WSRequest{Type: WSTypeSubscribe, ID: "b"})
	data, _ := msg.Data.(map[string]any)
	if chans, _ := data["channels"].([]any); len(chans) != 2 {
		t.Errorf("subscribe with no channels = %v, want both channels", msg.Data)
	}

	msg = roundTrip(WSRequest{Type: WSTypeUnsubscribe, ID: "c", Channels: []string{ChannelSyncCompleted}})
	data, _ = msg.Data.(map[string]any)
	if chans, _ := data["channels"].([]any); len(chans) != 1 || chans[0] != ChannelWaypointChanged {
		t.Errorf("after unsubscribe = %v", msg.Data)
	}

	msg = roundTrip(WSRequest{Type: WSTypeSnapshot, ID: "d"})
	data, _ = msg.Data.(map[string]any)
	if wps, _ := data["waypoints"].([]any); msg.Type != WSTypeResponse || len(wps) != 1 {
		t.Errorf("snapshot = %+v", msg)
	}

	if msg := roundTrip(WSRequest{Type: WSTypePing, ID: "e"}); msg.Type != WSTypePong {
		t.Errorf("ping reply = %+v, want pong", msg)
	}
	if msg := roundTrip(WSRequest{Type: "reboot", ID: "f"}); msg.Type != WSTypeError {
		t.Errorf("unknown type reply = %+v, want error", msg)
	}
}

func TestWebSocket_RequiresTokenWhenSecretSet(t *testing.T) {
	env := newTestEnv(t, testSecret)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp = %v", resp)
	}
	resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(url+"?token="+signToken(t, testSecret, "panel", jwt.SigningMethodHS256), nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	resp.Body.Close()
	conn.Close()
}

func TestServerStartClose(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.cfg.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := env.srv.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck before Start = nil")
	}
	if err := env.srv.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func itoa(id uint16) string {
	return strconv.FormatUint(uint64(id), 10)
}

func TestAudit_RecordsMutations(t *testing.T) {
	env := newTestEnv(t, testSecret)
	auth := map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "skipper", jwt.SigningMethodHS256)}

	rec := env.do(t, http.MethodPost, "/api/v1/waypoints", `{"name":"Harbour","latitude":50.1,"longitude":-1.2}`, auth)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	created := decode[waypoint.Record](t, rec)

	path := "/api/v1/waypoints/" + itoa(created.ID)
	if rec := env.do(t, http.MethodPatch, path, `{"name":"Harbour"}`, auth); rec.Code != http.StatusOK {
		t.Fatalf("noop update status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPatch, path, `{"name":"Marina"}`, auth); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/sync", "", auth); rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/formats/reload", "", auth); rec.Code != http.StatusOK {
		t.Fatalf("reload status = %d", rec.Code)
	}

	got := env.audit.recorded()
	wantActions := []string{audit.ActionCreate, audit.ActionUpdate, audit.ActionSync, audit.ActionReloadFormats}
	if len(got) != len(wantActions) {
		t.Fatalf("recorded %d entries, want %d: %+v", len(got), len(wantActions), got)
	}
	for i, want := range wantActions {
		if got[i].Action != want {
			t.Errorf("entry %d action = %q, want %q", i, got[i].Action, want)
		}
		if got[i].Actor != "skipper" || got[i].Source != audit.SourceAPI {
			t.Errorf("entry %d actor/source = %q/%q, want skipper/api", i, got[i].Actor, got[i].Source)
		}
	}
	if got[1].WaypointID != created.ID || got[1].Details["name"] != "Marina" {
		t.Errorf("update entry = %+v", got[1])
	}
}

func TestAudit_FailedMutationNotRecorded(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.do(t, http.MethodPost, "/api/v1/waypoints", `{"name":"Bad","latitude":91,"longitude":0}`, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if n := len(env.audit.recorded()); n != 0 {
		t.Errorf("recorded %d entries, want 0", n)
	}
}

func TestListAudit(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/v1/audit?action=waypoint.create&source=mqtt&waypoint_id=7&limit=5&offset=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := audit.Filter{Action: audit.ActionCreate, Source: audit.SourceMQTT, WaypointID: 7, Limit: 5, Offset: 10}
	if env.audit.filter != want {
		t.Errorf("filter = %+v, want %+v", env.audit.filter, want)
	}

	for _, q := range []string{"waypoint_id=0", "waypoint_id=70000", "limit=-1", "offset=x"} {
		if rec := env.do(t, http.MethodGet, "/api/v1/audit?"+q, "", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestListAudit_Disabled(t *testing.T) {
	env := newTestEnv(t, "")
	env.srv.audit = nil
	h := env.srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
