package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/robobridge/internal/version"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultHALVersion     = "v2-1-4-3"
	maxBodySize           = 64 << 20
)

// Observer is told about every finished request attempt.
type Observer func(endpoint, scheme string, d time.Duration, err error)

// Option configures a Client.
type Option func(*Client)

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithRequestTimeout bounds a whole request. It must exceed the server's
// long-poll hold time.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

// WithHALVersion selects the NAO HAL release to verify against.
func WithHALVersion(v string) Option {
	return func(c *Client) { c.halVersion = v }
}

// WithObserver installs a request observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// Client talks to the programming server. It tries HTTPS first and falls
// back to plain HTTP when the HTTPS attempt fails at transport level; hosts
// named localhost are always spoken to over HTTP. Client performs no
// retries of its own.
type Client struct {
	logger *zap.Logger

	dialTimeout    time.Duration
	requestTimeout time.Duration
	halVersion     string
	observer       Observer
	http           *http.Client

	mu             sync.RWMutex
	address        string
	defaultAddress string
}

// NewClient creates a client for address given as host:port.
func NewClient(address string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		logger:         logger,
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
		halVersion:     defaultHALVersion,
		address:        address,
		defaultAddress: address,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: c.dialTimeout}).DialContext
		transport.TLSHandshakeTimeout = c.dialTimeout
		c.http = &http.Client{Transport: transport, Timeout: c.requestTimeout}
	}
	return c
}

// Address returns the server address in use.
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// SetAddress switches to a custom server address.
func (c *Client) SetAddress(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = address
}

// ResetAddress restores the address the client was created with.
func (c *Client) ResetAddress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.address = c.defaultAddress
}

// Push sends p to the push endpoint and blocks until the server answers
// or its hold time expires.
func (c *Client) Push(ctx context.Context, p Payload) (Response, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Response{}, fmt.Errorf("encode payload: %w", err)
	}
	data, _, err := c.exchange(ctx, http.MethodPost, EndpointPush, body, "application/json")
	if err != nil {
		return Response{}, err
	}
	return decodeResponse(EndpointPush, data)
}

// DownloadProgram fetches the user program for the brick described by p.
func (c *Client) DownloadProgram(ctx context.Context, p Payload) (Program, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Program{}, fmt.Errorf("encode payload: %w", err)
	}
	data, header, err := c.exchange(ctx, http.MethodPost, EndpointDownload, body, "application/octet-stream")
	if err != nil {
		return Program{}, err
	}
	name := header.Get("Filename")
	if name == "" {
		return Program{}, &ProtocolError{Endpoint: EndpointDownload, Msg: "missing Filename header"}
	}
	return Program{Name: name, Data: data}, nil
}

// DownloadFirmware fetches a firmware file by name.
func (c *Client) DownloadFirmware(ctx context.Context, name string) (Program, error) {
	endpoint := EndpointUpdate + name
	data, header, err := c.exchange(ctx, http.MethodGet, endpoint, nil, "application/octet-stream")
	if err != nil {
		return Program{}, err
	}
	if fn := header.Get("Filename"); fn != "" {
		name = fn
	}
	return Program{Name: name, Data: data}, nil
}

// HALChecksum returns the server's base64 SHA-1 of the current NAO HAL archive.
func (c *Client) HALChecksum(ctx context.Context) (string, error) {
	endpoint := c.halEndpoint() + "/checksum"
	data, _, err := c.exchange(ctx, http.MethodGet, endpoint, nil, "text/plain")
	if err != nil {
		return "", err
	}
	line, _ := bufio.NewReader(bytes.NewReader(data)).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return "", &ProtocolError{Endpoint: endpoint, Msg: "empty checksum"}
	}
	return line, nil
}

// DownloadHAL fetches the NAO HAL archive.
func (c *Client) DownloadHAL(ctx context.Context) ([]byte, error) {
	data, _, err := c.exchange(ctx, http.MethodGet, c.halEndpoint(), nil, "application/octet-stream")
	return data, err
}

func (c *Client) halEndpoint() string {
	return "/update/nao/" + c.halVersion + "/hal"
}

// schemes returns the schemes to try for address, in order.
func schemes(address string) []string {
	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return []string{"http"}
	}
	return []string{"https", "http"}
}

// exchange performs one logical request, trying each scheme in turn.
func (c *Client) exchange(ctx context.Context, method, endpoint string, body []byte, accept string) ([]byte, http.Header, error) {
	address := c.Address()
	var lastErr error
	for _, scheme := range schemes(address) {
		start := time.Now()
		data, header, err := c.attempt(ctx, method, scheme+"://"+address+endpoint, body, accept)
		if c.observer != nil {
			c.observer(endpoint, scheme, time.Since(start), err)
		}
		if err == nil {
			return data, header, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		var te *TransportError
		if errors.As(err, &te) && te.StatusCode != 0 {
			return nil, nil, &TransportError{Endpoint: endpoint, StatusCode: te.StatusCode}
		}
		c.logger.Debug("server request failed",
			zap.String("scheme", scheme),
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, nil, &TransportError{Endpoint: endpoint, Err: lastErr}
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte, accept string) ([]byte, http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Charset", "UTF-8")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, nil, &TransportError{StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return data, resp.Header, nil
}
