package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

func TestLogger_NotNil(t *testing.T) {
	if l := Logger(t); l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewStore_Usable(t *testing.T) {
	db := NewStore(t)
	if db == nil {
		t.Fatal("expected non-nil store")
	}
	if err := db.DB().PingContext(context.Background()); err != nil {
		t.Fatalf("PingContext: %v", err)
	}
}

func TestMockBus_RecordsEvents(t *testing.T) {
	bus := NewMockBus()

	ev := events.New("test.topic", "test", nil)
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.PublishAsync(context.Background(), events.New("test.async", "test", nil))

	got := bus.Events()
	if len(got) != 2 {
		t.Fatalf("Events len = %d, want 2", len(got))
	}
	if got[0].Topic != "test.topic" {
		t.Errorf("events[0].Topic = %q, want test.topic", got[0].Topic)
	}
	if got[1].Topic != "test.async" {
		t.Errorf("events[1].Topic = %q, want test.async", got[1].Topic)
	}
	if n := len(bus.Topic("test.async")); n != 1 {
		t.Errorf("Topic(test.async) len = %d, want 1", n)
	}
}

func TestMockBus_States(t *testing.T) {
	bus := NewMockBus()
	ctx := context.Background()
	_ = bus.Publish(ctx, events.New(events.TopicStateChanged, "c", events.StateChange{State: models.StateDiscover}))
	_ = bus.Publish(ctx, events.New(events.TopicRobotsDetected, "d", events.RobotsDetected{}))
	_ = bus.Publish(ctx, events.New(events.TopicStateChanged, "c", events.StateChange{State: models.StateWaitForConnectButtonPress, Token: "X"}))

	states := bus.States()
	want := []models.State{models.StateDiscover, models.StateWaitForConnectButtonPress}
	if len(states) != len(want) {
		t.Fatalf("States() = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("States()[%d] = %v, want %v", i, states[i], want[i])
		}
	}
	if tok := bus.StateChanges()[1].Token; tok != "X" {
		t.Errorf("StateChanges()[1].Token = %q, want X", tok)
	}
}

func TestMockBus_Reset(t *testing.T) {
	bus := NewMockBus()
	_ = bus.Publish(context.Background(), events.New("a", "test", nil))
	bus.Reset()
	if len(bus.Events()) != 0 {
		t.Error("expected empty events after Reset")
	}
}

func TestClock_Advance(t *testing.T) {
	c := NewClock()
	if !c.Now().Equal(Epoch) {
		t.Fatalf("NewClock: Now = %v, want %v", c.Now(), Epoch)
	}

	tests := []struct {
		name    string
		step    time.Duration
		elapsed time.Duration
	}{
		{"help timeout", 21 * time.Second, 21 * time.Second},
		{"poll", time.Minute, 81 * time.Second},
		{"zero", 0, 81 * time.Second},
		{"backwards ignored", -time.Hour, 81 * time.Second},
	}
	for _, tt := range tests {
		got := c.Advance(tt.step)
		if c.Elapsed() != tt.elapsed {
			t.Errorf("%s: Elapsed = %v, want %v", tt.name, c.Elapsed(), tt.elapsed)
		}
		if want := Epoch.Add(tt.elapsed); !got.Equal(want) || !c.Now().Equal(want) {
			t.Errorf("%s: Advance = %v, Now = %v, want %v", tt.name, got, c.Now(), want)
		}
	}
}

func TestClock_NowAsFunc(t *testing.T) {
	c := NewClock()
	now := c.Now
	c.Advance(time.Minute)
	if got := now().Sub(Epoch); got != time.Minute {
		t.Errorf("method value elapsed = %v, want 1m", got)
	}
}

func TestNewArduino_Defaults(t *testing.T) {
	a := NewArduino()
	if a.Type != models.ArduinoUno {
		t.Errorf("Type = %q, want uno", a.Type)
	}
	if a.Port != "ttyACM0" {
		t.Errorf("Port = %q, want ttyACM0", a.Port)
	}
}

func TestNewArduino_WithOptions(t *testing.T) {
	a := NewArduino(WithPort("COM3"), WithArduinoType(models.ArduinoMega))
	if a.Port != "COM3" {
		t.Errorf("Port = %q, want COM3", a.Port)
	}
	if a.Type != models.ArduinoMega {
		t.Errorf("Type = %q, want mega", a.Type)
	}
	if a.Key() != "arduino:mega:COM3" {
		t.Errorf("Key() = %q, want arduino:mega:COM3", a.Key())
	}
}

func TestNewNAO(t *testing.T) {
	n := NewNAO("Nao")
	if n.Name() != "Nao" || n.Address == "" {
		t.Errorf("NewNAO = %+v, want named robot with an address", n)
	}
}
