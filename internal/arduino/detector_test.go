package arduino

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HerbHall/robobridge/internal/testutil"
	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

func staticDevices(devices ...USBDevice) Enumerator {
	return EnumeratorFunc(func(context.Context) ([]USBDevice, error) {
		return devices, nil
	})
}

func TestDetectorFirstMatch(t *testing.T) {
	enum := staticDevices(
		USBDevice{VendorID: "046d", ProductID: "c52b", Port: "ttyS9"},
		USBDevice{VendorID: "1a86", ProductID: "7523", Port: "ttyUSB0"},
		USBDevice{VendorID: "2341", ProductID: "0043", Port: "ttyACM0"},
	)
	d := NewDetector(filepath.Join(t.TempDir(), "ids.txt"), testutil.NewMockBus(), testutil.Logger(t), WithEnumerator(enum))

	got := d.Detect(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, models.Arduino{Type: models.ArduinoMbot, Port: "ttyUSB0"}, got[0])
	assert.Equal(t, "arduino", d.Name())
}

func TestDetectorNoMatch(t *testing.T) {
	enum := staticDevices(USBDevice{VendorID: "046d", ProductID: "c52b", Port: "ttyS9"})
	d := NewDetector(filepath.Join(t.TempDir(), "ids.txt"), nil, testutil.Logger(t), WithEnumerator(enum))
	assert.Empty(t, d.Detect(context.Background()))
}

func TestDetectorEnumerationError(t *testing.T) {
	enum := EnumeratorFunc(func(context.Context) ([]USBDevice, error) {
		return nil, errors.New("no usb")
	})
	d := NewDetector(filepath.Join(t.TempDir(), "ids.txt"), nil, testutil.Logger(t), WithEnumerator(enum))
	assert.Empty(t, d.Detect(context.Background()))
}

func TestDetectorPublishesTableErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("2341,0043,uno\n2341,0043\nxyz,0043,uno\n"), 0o644))
	bus := testutil.NewMockBus()

	d := NewDetector(path, bus, testutil.Logger(t), WithEnumerator(staticDevices()))

	assert.Equal(t, 1, d.Table().Len())
	assert.Len(t, d.Errors(), 2)

	published := bus.Topic(events.TopicIDTableErrors)
	require.Len(t, published, 1)
	payload, ok := published[0].Payload.(events.IDTableErrors)
	require.True(t, ok)
	assert.Equal(t, path, payload.Path)
	assert.Equal(t, []events.IDTableError{
		{Line: 2, Kind: "MALFORMED_LINE"},
		{Line: 3, Kind: "INVALID_VENDOR_ID"},
	}, payload.Errors)
}

func TestDetectorReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("2341,0043,uno\n2341,0043,pico\n"), 0o644))

	d := NewDetector(path, nil, testutil.Logger(t), WithEnumerator(staticDevices()))
	assert.Equal(t, events.IDTableErrors{
		Path:   path,
		Errors: []events.IDTableError{{Line: 2, Kind: "INVALID_TYPE"}},
	}, d.Report())

	require.NoError(t, os.WriteFile(path, []byte("2341,0043,uno\n"), 0o644))
	d.Reload(context.Background())
	report := d.Report()
	assert.NotNil(t, report.Errors)
	assert.Empty(t, report.Errors)
}

func TestDetectorWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("2341,0043,uno\n"), 0o644))
	enum := staticDevices(USBDevice{VendorID: "1a86", ProductID: "7523", Port: "ttyUSB0"})

	d := NewDetector(path, nil, testutil.Logger(t), WithEnumerator(enum))
	require.Empty(t, d.Detect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("2341,0043,uno\n1a86,7523,mbot\n"), 0o644))

	assert.Eventually(t, func() bool {
		return len(d.Detect(context.Background())) == 1
	}, 3*time.Second, 20*time.Millisecond)
}
