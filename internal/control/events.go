package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/pkg/events"
	"github.com/HerbHall/robobridge/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// clientBuffer bounds the events queued for a slow client; events
	// beyond it are dropped for that client only.
	clientBuffer = 256
)

// wireEvent is an event as sent to stream clients. Robot values are
// replaced by their JSON view.
type wireEvent struct {
	Topic     string             `json:"topic"`
	Source    string             `json:"source"`
	Timestamp time.Time          `json:"timestamp"`
	Payload   any                `json:"payload,omitempty"`
	Robot     *models.RobotInfo  `json:"robot,omitempty"`
	Robots    []models.RobotInfo `json:"robots,omitempty"`
}

func toWire(e events.Event) wireEvent {
	out := wireEvent{Topic: e.Topic, Source: e.Source, Timestamp: e.Timestamp, Payload: e.Payload}
	describe := func(r models.Robot) {
		if r != nil {
			info := models.Describe(r)
			out.Robot = &info
		}
	}
	switch p := e.Payload.(type) {
	case events.StateChange:
		describe(p.Robot)
	case events.Session:
		describe(p.Robot)
	case events.RobotsDetected:
		out.Robots = make([]models.RobotInfo, len(p.Robots))
		for i, r := range p.Robots {
			out.Robots[i] = models.Describe(r)
		}
		out.Payload = nil
	case models.NAO:
		describe(p)
	}
	return out
}

// handleEvents streams every bus event to a WebSocket client until it
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx once the client goes away.
	ctx := conn.CloseRead(r.Context())

	queue := make(chan events.Event, clientBuffer)
	unsubscribe := s.bus.SubscribeAll(func(_ context.Context, e events.Event) {
		select {
		case queue <- e:
		default:
			s.logger.Debug("event stream client too slow, dropping event", zap.String("topic", e.Topic))
		}
	})
	defer unsubscribe()

	s.logger.Debug("event stream client connected", zap.String("remote", r.RemoteAddr))
	err = s.stream(ctx, conn, queue)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
	default:
		s.logger.Debug("event stream ended", zap.Error(err))
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, queue <-chan events.Event) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-queue:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(wctx, conn, toWire(e))
			cancel()
			if err != nil {
				return err
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
