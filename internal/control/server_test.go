package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/agent"
	"github.com/HerbHall/robobridge/internal/detect"
	"github.com/HerbHall/robobridge/internal/event"
	"github.com/HerbHall/robobridge/internal/serialmon"
	"github.com/HerbHall/robobridge/internal/store"
	"github.com/HerbHall/robobridge/internal/testutil"
	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

type fakeController struct {
	mu        sync.Mutex
	robots    []models.Robot
	selected  string
	session   bool
	connects  int
	rescans   int
	address   string
	custom    bool
	snapState models.State
}

func (c *fakeController) SelectRobot(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.robots {
		if r.Key() == key {
			c.selected = key
			return nil
		}
	}
	return detect.ErrUnknownRobot
}

func (c *fakeController) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session {
		return agent.ErrNoSession
	}
	c.connects++
	return nil
}

func (c *fakeController) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.session {
		return agent.ErrNoSession
	}
	return nil
}

func (c *fakeController) Rescan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rescans++
}

func (c *fakeController) SetServerAddress(_ context.Context, address string) error {
	if address == "" {
		return errors.New("server address must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address, c.custom = address, true
	return nil
}

func (c *fakeController) ResetServerAddress(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address, c.custom = "lab.example.org:443", false
}

func (c *fakeController) Snapshot() agent.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return agent.Snapshot{
		State:         c.snapState,
		Candidates:    []models.RobotInfo{},
		ServerAddress: c.address,
		CustomAddress: c.custom,
	}
}

func (c *fakeController) Candidates() []models.Robot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.robots
}

type fakeSerial struct {
	port    string
	running bool
}

func (s *fakeSerial) Start(port string, _ int) error {
	if port == "" {
		return serialmon.ErrNoPort
	}
	s.port, s.running = port, true
	return nil
}

func (s *fakeSerial) Stop() { s.running = false }

func (s *fakeSerial) Status() (string, bool) { return s.port, s.running }

func newTestServer(t *testing.T, c *fakeController, opts Options) (*Server, *event.Bus) {
	t.Helper()
	bus := event.NewBus(zap.NewNop())
	return New("127.0.0.1:0", c, bus, opts, testutil.Logger(t)), bus
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func problemType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var p Problem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p.Type
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{}, Options{})
	w := do(t, s.Handler(), http.MethodGet, "/api/v1/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "robobridge", body["service"])
}

func TestStatusAndRobots(t *testing.T) {
	c := &fakeController{
		snapState: models.StateWaitForCmd,
		address:   "lab.example.org:443",
		robots:    []models.Robot{testutil.NewArduino(), testutil.NewEV3()},
	}
	s, _ := newTestServer(t, c, Options{})

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap agent.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, models.StateWaitForCmd, snap.State)

	w = do(t, s.Handler(), http.MethodGet, "/api/v1/robots", "")
	require.Equal(t, http.StatusOK, w.Code)
	var robots []models.RobotInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&robots))
	assert.Equal(t, []models.RobotInfo{
		{Kind: models.RobotKindArduino, Name: "Arduino Uno", Key: "arduino:uno:ttyACM0"},
		{Kind: models.RobotKindEV3, Name: "EV3", Key: "ev3:10.0.1.1:80"},
	}, robots)
}

func TestSelectRobot(t *testing.T) {
	c := &fakeController{robots: []models.Robot{testutil.NewArduino(), testutil.NewEV3()}}
	s, _ := newTestServer(t, c, Options{})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"known", `{"key":"ev3:10.0.1.1:80"}`, http.StatusNoContent},
		{"unknown", `{"key":"nao:1.2.3.4"}`, http.StatusNotFound},
		{"missing key", `{}`, http.StatusBadRequest},
		{"malformed", `{"key":`, http.StatusBadRequest},
		{"unknown field", `{"robot":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s.Handler(), http.MethodPost, "/api/v1/robots/select", tt.body)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
	assert.Equal(t, "ev3:10.0.1.1:80", c.selected)
}

func TestSessionControls(t *testing.T) {
	c := &fakeController{}
	s, _ := newTestServer(t, c, Options{})

	w := do(t, s.Handler(), http.MethodPost, "/api/v1/connect", "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, ProblemTypeConflict, problemType(t, w))

	c.session = true
	assert.Equal(t, http.StatusAccepted, do(t, s.Handler(), http.MethodPost, "/api/v1/connect", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, s.Handler(), http.MethodPost, "/api/v1/disconnect", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, s.Handler(), http.MethodPost, "/api/v1/rescan", "").Code)
	assert.Equal(t, 1, c.connects)
	assert.Equal(t, 1, c.rescans)
}

func TestServerAddressRoutes(t *testing.T) {
	st := testutil.NewStore(t)
	history, err := store.NewHistory(context.Background(), st)
	require.NoError(t, err)
	require.NoError(t, history.RecordAddress(context.Background(), "10.0.0.5:1999"))

	c := &fakeController{address: "lab.example.org:443"}
	s, _ := newTestServer(t, c, Options{History: history})

	w := do(t, s.Handler(), http.MethodPut, "/api/v1/server-address", `{"address":"10.0.0.5:1999"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "10.0.0.5:1999", got["address"])
	assert.Equal(t, true, got["custom"])

	w = do(t, s.Handler(), http.MethodPut, "/api/v1/server-address", `{"address":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s.Handler(), http.MethodDelete, "/api/v1/server-address", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, c.custom)

	w = do(t, s.Handler(), http.MethodGet, "/api/v1/server-address/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []store.AddressEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "10.0.0.5:1999", entries[0].Address)
}

func TestOptionalFeaturesDisabled(t *testing.T) {
	s, _ := newTestServer(t, &fakeController{}, Options{})

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/server-address/history"},
		{http.MethodGet, "/api/v1/serial"},
		{http.MethodPost, "/api/v1/serial"},
		{http.MethodDelete, "/api/v1/serial"},
		{http.MethodGet, "/api/v1/arduino/id-errors"},
	} {
		w := do(t, s.Handler(), route.method, route.path, "")
		if w.Code != http.StatusNotImplemented {
			t.Errorf("%s %s status = %d, want %d", route.method, route.path, w.Code, http.StatusNotImplemented)
		}
	}
	assert.Equal(t, http.StatusNotFound, do(t, s.Handler(), http.MethodGet, "/metrics", "").Code)
}

func TestSerialRoutes(t *testing.T) {
	serial := &fakeSerial{}
	s, _ := newTestServer(t, &fakeController{}, Options{Serial: serial})

	w := do(t, s.Handler(), http.MethodPost, "/api/v1/serial", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s.Handler(), http.MethodPost, "/api/v1/serial", `{"port":"ttyACM0","baud":115200}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	var st serialStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, serialStatus{Port: "ttyACM0", Running: true}, st)

	assert.Equal(t, http.StatusNoContent, do(t, s.Handler(), http.MethodDelete, "/api/v1/serial", "").Code)
	assert.False(t, serial.running)
}

type fakeIDTable struct{ report events.IDTableErrors }

func (f fakeIDTable) Report() events.IDTableErrors { return f.report }

func TestIDErrorsRoute(t *testing.T) {
	table := fakeIDTable{report: events.IDTableErrors{
		Path: "/etc/robobridge/arduino-ids.txt",
		Errors: []events.IDTableError{
			{Line: 2, Kind: "MALFORMED_LINE"},
			{Line: 5, Kind: "INVALID_VENDOR_ID"},
		},
	}}
	s, _ := newTestServer(t, &fakeController{}, Options{IDTable: table})

	w := do(t, s.Handler(), http.MethodGet, "/api/v1/arduino/id-errors", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"path": "/etc/robobridge/arduino-ids.txt",
		"errors": [
			{"line": 2, "kind": "MALFORMED_LINE"},
			{"line": 5, "kind": "INVALID_VENDOR_ID"}
		]
	}`, w.Body.String())
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("robobridge_session_active 0\n"))
	})
	s, _ := newTestServer(t, &fakeController{}, Options{Metrics: metrics})

	w := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "robobridge_session_active")
}

func TestEventStream(t *testing.T) {
	s, bus := newTestServer(t, &fakeController{}, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	robot := testutil.NewArduino()
	stop := make(chan struct{})
	defer close(stop)
	// The subscription is made after the handshake; publish until it is
	// in place.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = bus.Publish(ctx, events.New(events.TopicStateChanged, "connector", events.StateChange{
					Robot: robot,
					State: models.StateWaitForCmd,
					Token: "ABCD1234",
				}))
			}
		}
	}()

	var got map[string]json.RawMessage
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.JSONEq(t, `"`+events.TopicStateChanged+`"`, string(got["topic"]))
	assert.JSONEq(t, `{"kind":"arduino","name":"Arduino Uno","key":"arduino:uno:ttyACM0"}`, string(got["robot"]))

	var payload events.StateChange
	require.NoError(t, json.NewDecoder(bytes.NewReader(got["payload"])).Decode(&payload))
	assert.Equal(t, models.StateWaitForCmd, payload.State)
	assert.Equal(t, "ABCD1234", payload.Token)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestToWireRobots(t *testing.T) {
	e := events.New(events.TopicRobotsDetected, "detect", events.RobotsDetected{
		Robots: []models.Robot{testutil.NewEV3(), testutil.NewNAO("Nao")},
	})
	w := toWire(e)
	assert.Nil(t, w.Payload)
	require.Len(t, w.Robots, 2)
	assert.Equal(t, "nao:192.168.1.50", w.Robots[1].Key)
}
