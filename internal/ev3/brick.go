// Package ev3 talks to LEGO EV3 bricks running the Open Roberta brick
// firmware over the USB network link.
package ev3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/protocol"
	"github.com/HerbHall/robobridge/internal/version"
)

// Brick endpoints.
const (
	endpointInfo     = "/brickinfo"
	endpointProgram  = "/program"
	endpointFirmware = "/firmware"
)

// Brick commands sent to the info endpoint.
const (
	cmdIsRunning = "isrunning"
	cmdRepeat    = "repeat"
	cmdRestart   = "restart"
)

const maxReplySize = 1 << 20

// BrickError reports a failed exchange with the brick.
type BrickError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *BrickError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("brick %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("brick %s: %v", e.Endpoint, e.Err)
}

func (e *BrickError) Unwrap() error { return e.Err }

// Brick is an HTTP client for one brick.
type Brick struct {
	address string
	http    *http.Client
	logger  *zap.Logger
}

// NewBrick creates a client for the brick at address (host:port). timeout
// bounds each request.
func NewBrick(address string, timeout time.Duration, logger *zap.Logger) *Brick {
	return &Brick{
		address: address,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Address returns the brick address.
func (b *Brick) Address() string { return b.address }

// IsRunning reports whether the brick is executing a program.
func (b *Brick) IsRunning(ctx context.Context) (bool, error) {
	reply, err := b.command(ctx, cmdIsRunning)
	if err != nil {
		return false, err
	}
	switch v := reply[cmdIsRunning].(type) {
	case string:
		return v == "true", nil
	case bool:
		return v, nil
	default:
		return false, &BrickError{Endpoint: endpointInfo, Err: fmt.Errorf("reply has no %q field", cmdIsRunning)}
	}
}

// Info returns the brick's description (name, firmware, battery and so
// on) as sent with each push.
func (b *Brick) Info(ctx context.Context) (protocol.Payload, error) {
	reply, err := b.command(ctx, cmdRepeat)
	if err != nil {
		return nil, err
	}
	delete(reply, protocol.KeyCmd)
	return protocol.Payload(reply), nil
}

// Restart reboots the brick's menu so new firmware is picked up.
func (b *Brick) Restart(ctx context.Context) error {
	_, err := b.command(ctx, cmdRestart)
	return err
}

// Upload stores prog on the brick and starts it.
func (b *Brick) Upload(ctx context.Context, prog protocol.Program) error {
	return b.send(ctx, endpointProgram, prog)
}

// StoreFirmware writes a firmware file to the brick.
func (b *Brick) StoreFirmware(ctx context.Context, file protocol.Program) error {
	return b.send(ctx, endpointFirmware, file)
}

func (b *Brick) command(ctx context.Context, cmd string) (map[string]any, error) {
	body, err := json.Marshal(map[string]string{protocol.KeyCmd: cmd})
	if err != nil {
		return nil, err
	}
	data, err := b.post(ctx, endpointInfo, "application/json; charset=utf-8", "", body)
	if err != nil {
		return nil, err
	}
	reply := make(map[string]any)
	if len(bytes.TrimSpace(data)) == 0 {
		return reply, nil
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, &BrickError{Endpoint: endpointInfo, Err: fmt.Errorf("invalid JSON reply: %w", err)}
	}
	return reply, nil
}

func (b *Brick) send(ctx context.Context, endpoint string, file protocol.Program) error {
	b.logger.Debug("sending file to brick",
		zap.String("endpoint", endpoint),
		zap.String("file", file.Name),
		zap.Int("bytes", len(file.Data)),
	)
	_, err := b.post(ctx, endpoint, "application/octet-stream", file.Name, file.Data)
	return err
}

func (b *Brick) post(ctx context.Context, endpoint, contentType, filename string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+b.address+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &BrickError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent())
	if filename != "" {
		req.Header.Set("Filename", filename)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, &BrickError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &BrickError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, &BrickError{Endpoint: endpoint, Err: err}
	}
	return data, nil
}
