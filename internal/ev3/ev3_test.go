package ev3

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/robobridge/internal/connector"
	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/internal/testutil"
	"github.com/HerbHall/robobridge/pkg/models"
)

// fakeBrick emulates the brick firmware's HTTP interface.
type fakeBrick struct {
	mu        sync.Mutex
	running   bool
	restarts  int
	programs  map[string][]byte
	firmware  []string
	failFirst string
}

func newFakeBrick(t *testing.T) (*fakeBrick, *Brick) {
	t.Helper()
	fb := &fakeBrick{programs: make(map[string][]byte)}
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	address := strings.TrimPrefix(srv.URL, "http://")
	return fb, NewBrick(address, time.Second, testutil.Logger(t))
}

func (fb *fakeBrick) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.failFirst != "" && r.URL.Path == fb.failFirst {
		fb.failFirst = ""
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}

	switch r.URL.Path {
	case endpointInfo:
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req["cmd"] {
		case cmdIsRunning:
			_ = json.NewEncoder(w).Encode(map[string]string{"isrunning": boolString(fb.running)})
		case cmdRepeat:
			_ = json.NewEncoder(w).Encode(map[string]string{
				"cmd":             "repeat",
				"brickname":       "Robbi",
				"firmwarename":    "ev3lejosv1",
				"firmwareversion": "1.4.0",
				"macaddr":         "00-16-53-aa-bb-cc",
				"battery":         "7.9",
			})
		case cmdRestart:
			fb.restarts++
		default:
			http.Error(w, "unknown cmd", http.StatusBadRequest)
		}
	case endpointProgram:
		data, _ := io.ReadAll(r.Body)
		fb.programs[r.Header.Get("Filename")] = data
		fb.running = true
	case endpointFirmware:
		fb.firmware = append(fb.firmware, r.Header.Get("Filename"))
	default:
		http.NotFound(w, r)
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (fb *fakeBrick) setRunning(v bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.running = v
}

func (fb *fakeBrick) program(name string) []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.programs[name]
}

func (fb *fakeBrick) stored() ([]string, int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.firmware...), fb.restarts
}

func (fb *fakeBrick) failNext(endpoint string) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.failFirst = endpoint
}

type stubProber bool

func (p stubProber) Reachable(context.Context, string) bool { return bool(p) }

type firmwareServer struct {
	fail string
}

func (s firmwareServer) DownloadFirmware(_ context.Context, name string) (protocol.Program, error) {
	if name == s.fail {
		return protocol.Program{}, &protocol.TransportError{Endpoint: protocol.EndpointUpdate + name, StatusCode: http.StatusNotFound}
	}
	return protocol.Program{Name: name + ".jar", Data: []byte(name)}, nil
}

func TestBrickInfo(t *testing.T) {
	_, brick := newFakeBrick(t)

	info, err := brick.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Robbi", info[protocol.KeyBrickName])
	assert.Equal(t, "7.9", info[protocol.KeyBattery])
	_, hasCmd := info[protocol.KeyCmd]
	assert.False(t, hasCmd, "cmd must not leak into the device info")
}

func TestBrickStatusError(t *testing.T) {
	fb, brick := newFakeBrick(t)
	fb.failNext(endpointInfo)

	_, err := brick.IsRunning(context.Background())
	var be *BrickError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusInternalServerError, be.StatusCode)
}

func TestBrickUnreachable(t *testing.T) {
	brick := NewBrick("127.0.0.1:1", 200*time.Millisecond, testutil.Logger(t))
	_, err := brick.IsRunning(context.Background())
	var be *BrickError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.StatusCode)
}

func TestDetector(t *testing.T) {
	tests := []struct {
		name      string
		reachable bool
		running   bool
		want      int
	}{
		{name: "idle brick", reachable: true, want: 1},
		{name: "running program", reachable: true, running: true, want: 0},
		{name: "no ping reply", reachable: false, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb, brick := newFakeBrick(t)
			fb.setRunning(tt.running)
			d := NewDetector(brick, stubProber(tt.reachable), testutil.Logger(t))

			got := d.Detect(context.Background())
			require.Len(t, got, tt.want)
			if tt.want == 1 {
				assert.Equal(t, models.EV3{BrickName: "Robbi", Address: brick.Address()}, got[0])
			}
		})
	}
}

func TestDetectorWithoutProber(t *testing.T) {
	_, brick := newFakeBrick(t)
	d := NewDetector(brick, nil, testutil.Logger(t))
	assert.Len(t, d.Detect(context.Background()), 1)
	assert.Equal(t, "ev3", d.Name())
}

func TestDetectorUnreachableBrick(t *testing.T) {
	brick := NewBrick("127.0.0.1:1", 200*time.Millisecond, testutil.Logger(t))
	d := NewDetector(brick, nil, testutil.Logger(t))
	assert.Empty(t, d.Detect(context.Background()))
}

func TestFamilyUploadAndBusy(t *testing.T) {
	fb, brick := newFakeBrick(t)
	f := NewFamily(models.EV3{Address: brick.Address()}, brick, nil, testutil.Logger(t))
	ctx := context.Background()

	require.NoError(t, f.Open(ctx))
	require.NoError(t, f.Check(ctx))

	info, err := f.DeviceInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ev3lejosv1", info[protocol.KeyFirmwareName])

	require.NoError(t, f.Upload(ctx, protocol.Program{Name: "NEPOprog.jar", Data: []byte("jar")}))
	assert.Equal(t, []byte("jar"), fb.program("NEPOprog.jar"))

	busy, err := f.Busy(ctx)
	require.NoError(t, err)
	assert.True(t, busy)

	fb.setRunning(false)
	busy, err = f.Busy(ctx)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestFamilyOpenUnreachable(t *testing.T) {
	brick := NewBrick("127.0.0.1:1", 200*time.Millisecond, testutil.Logger(t))
	f := NewFamily(models.EV3{Address: brick.Address()}, brick, nil, testutil.Logger(t))

	assert.ErrorIs(t, f.Open(context.Background()), connector.ErrDeviceNotFound)

	_, err := f.Busy(context.Background())
	var devErr *connector.DeviceError
	assert.ErrorAs(t, err, &devErr)
}

func TestFamilyUpdate(t *testing.T) {
	fb, brick := newFakeBrick(t)
	files := []string{"runtime", "shared", "ev3menu"}
	f := NewFamily(models.EV3{Address: brick.Address()}, brick, files, testutil.Logger(t))

	require.NoError(t, f.Update(context.Background(), firmwareServer{}))
	stored, restarts := fb.stored()
	assert.Equal(t, []string{"runtime.jar", "shared.jar", "ev3menu.jar"}, stored)
	assert.Equal(t, 1, restarts)
}

func TestFamilyUpdateFailures(t *testing.T) {
	t.Run("download fails", func(t *testing.T) {
		fb, brick := newFakeBrick(t)
		f := NewFamily(models.EV3{Address: brick.Address()}, brick, []string{"runtime", "shared"}, testutil.Logger(t))

		err := f.Update(context.Background(), firmwareServer{fail: "shared"})
		assert.True(t, protocol.IsTransport(err), "err = %v, want transport error", err)
		_, restarts := fb.stored()
		assert.Equal(t, 0, restarts)
	})

	t.Run("brick rejects file", func(t *testing.T) {
		fb, brick := newFakeBrick(t)
		fb.failNext(endpointFirmware)
		f := NewFamily(models.EV3{Address: brick.Address()}, brick, []string{"runtime"}, testutil.Logger(t))

		err := f.Update(context.Background(), firmwareServer{})
		var devErr *connector.DeviceError
		require.ErrorAs(t, err, &devErr)
		_, restarts := fb.stored()
		assert.Equal(t, 0, restarts)
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, brick := newFakeBrick(t)
		f := NewFamily(models.EV3{Address: brick.Address()}, brick, nil, testutil.Logger(t))
		err := f.Update(context.Background(), firmwareServer{})
		assert.Error(t, err)
		assert.False(t, errors.Is(err, connector.ErrUnsupported))
	})
}
