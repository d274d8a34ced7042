package tasmota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Client issues commands to a single Tasmota device over its HTTP API
type Client struct {
	host     string
	port     int
	scheme   string
	username string
	password string

	httpClient *http.Client
	ownsClient bool
	logger     *zap.Logger

	timeout   atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Client or Device at construction time
type Option func(*options)

type options struct {
	httpClient  *http.Client
	logger      *zap.Logger
	retryPolicy *RetryPolicy
}

// WithHTTPClient replaces the HTTP client used to reach the device.
// The caller keeps ownership of a client passed this way.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger sets the logger; the default discards everything
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewClient creates a client for the device described by cfg.
// It does not validate cfg; Device does that before creating its client.
func NewClient(cfg DeviceConfig, opts ...Option) *Client {
	o := buildOptions(opts)

	c := &Client{
		host:     cfg.Host,
		port:     cfg.Port,
		scheme:   "http",
		username: cfg.Username,
		password: cfg.Password,
		logger:   o.logger.With(zap.String("host", cfg.Host)),
	}
	if cfg.UseHTTPS {
		c.scheme = "https"
	}
	if c.port == 0 {
		c.port = DefaultPort
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c.timeout.Store(int64(timeout))

	if o.httpClient != nil {
		c.httpClient = o.httpClient
	} else {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.Proxy = nil
		transport.MaxIdleConnsPerHost = 2
		transport.IdleConnTimeout = 30 * time.Second
		c.httpClient = &http.Client{Transport: transport}
		c.ownsClient = true
	}

	return c
}

// Host returns the configured device host
func (c *Client) Host() string {
	return c.host
}

// Timeout returns the per-request timeout currently in effect
func (c *Client) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetTimeout changes the per-request timeout for subsequent requests
func (c *Client) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.timeout.Store(int64(d))
}

// commandURL builds GET {scheme}://host[:port]/cm?[user=&password=&]cmnd=
func (c *Client) commandURL(command string) string {
	var sb strings.Builder
	sb.WriteString(c.scheme)
	sb.WriteString("://")

	defaultPort := 80
	if c.scheme == "https" {
		defaultPort = 443
	}
	if c.port != defaultPort {
		sb.WriteString(net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	} else {
		sb.WriteString(c.host)
	}

	sb.WriteString("/cm?")
	if c.username != "" || c.password != "" {
		sb.WriteString("user=")
		sb.WriteString(queryEscape(c.username))
		sb.WriteString("&password=")
		sb.WriteString(queryEscape(c.password))
		sb.WriteString("&")
	}
	sb.WriteString("cmnd=")
	sb.WriteString(queryEscape(command))
	return sb.String()
}

// queryEscape escapes spaces as %20, which every firmware version accepts
func queryEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// SendCommand executes a command on the device and returns the decoded JSON body
func (c *Client) SendCommand(ctx context.Context, command string) (map[string]any, error) {
	if c.closed.Load() {
		return nil, NetworkError("client has been closed", c.host, command, nil)
	}

	timeout := c.Timeout()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.commandURL(command), nil)
	if err != nil {
		return nil, FromUnknown(fmt.Errorf("failed to create request: %w", stripURL(err)), c.host, command)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		terr := c.classifyTransportError(ctx, err, command, timeout)
		c.logger.Debug("command failed",
			zap.String("command", command),
			zap.String("error_type", string(terr.Type)),
			zap.Error(err),
		)
		return nil, terr
	}
	defer resp.Body.Close()

	c.logger.Debug("command sent",
		zap.String("command", command),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err := c.checkStatus(resp, command); err != nil {
		return nil, err
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.classifyTransportError(ctx, fmt.Errorf("failed to read response: %w", err), command, timeout)
	}

	var data map[string]any
	if err := json.Unmarshal(bodyBytes, &data); err != nil {
		return nil, InvalidResponse(c.host, command, fmt.Sprintf("body is not a JSON object: %v", err))
	}
	if data == nil {
		return nil, InvalidResponse(c.host, command, "empty body")
	}

	if v, ok := data["Command"]; ok && len(data) == 1 && v == "Unknown" {
		return nil, CommandFailed(c.host, command, "unknown command", resp.StatusCode)
	}

	return data, nil
}

func (c *Client) checkStatus(resp *http.Response, command string) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		e := AuthenticationError(c.host)
		e.Command = command
		return e
	case code >= 400 && code < 500:
		return CommandFailed(c.host, command, http.StatusText(code), code)
	default:
		e := NetworkError(fmt.Sprintf("HTTP %d: %s", code, http.StatusText(code)), c.host, command, nil)
		e.StatusCode = code
		return e
	}
}

// classifyTransportError maps a failed round trip to the error taxonomy.
// Anything that is neither a timeout nor an unreachable host means no
// response was received at all.
func (c *Client) classifyTransportError(ctx context.Context, err error, command string, timeout time.Duration) *Error {
	err = stripURL(err)

	var netErr net.Error
	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())) {
		e := TimeoutError(c.host, command, timeout)
		e.Err = err
		return e
	}

	classified := FromUnknown(err, c.host, command)
	switch classified.Type {
	case ErrorTypeDeviceNotFound, ErrorTypeTimeout, ErrorTypeAuthentication:
		return classified
	}

	return NetworkError(fmt.Sprintf("no response received from device: %v", err), c.host, command, err)
}

// stripURL drops the request URL from err; it carries the device credentials
func stripURL(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err
	}
	return err
}

// GetStatus sends "Status" or "Status {n}" when statusType is given
func (c *Client) GetStatus(ctx context.Context, statusType ...int) (map[string]any, error) {
	command := "Status"
	if len(statusType) > 0 {
		command = fmt.Sprintf("Status %d", statusType[0])
	}
	return c.SendCommand(ctx, command)
}

// Ping reports whether the device answers a plain status query. It never fails.
func (c *Client) Ping(ctx context.Context) bool {
	_, err := c.SendCommand(ctx, "Status")
	return err == nil
}

// Close releases idle connections. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.ownsClient {
			c.httpClient.CloseIdleConnections()
		}
	})
	return nil
}
