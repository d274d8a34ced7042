package fleet

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/darkermage/tasmota-fleet/internal/discovery"
	"github.com/darkermage/tasmota-fleet/internal/event"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// plug is a single relay device served over httptest. While offline it
// drops connections without answering.
type plug struct {
	offline atomic.Bool

	mu       sync.Mutex
	power    tasmota.PowerState
	commands []string
}

func (p *plug) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.offline.Load() {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("response writer cannot hijack")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}

	cmnd := r.URL.Query().Get("cmnd")

	p.mu.Lock()
	p.commands = append(p.commands, cmnd)
	var body any
	switch {
	case cmnd == "Status":
		body = map[string]any{"Status": map[string]any{"Module": 1, "FriendlyName": []string{"Plug"}}}
	case strings.HasPrefix(cmnd, "Power1 "):
		switch tasmota.PowerCommand(strings.TrimPrefix(cmnd, "Power1 ")) {
		case tasmota.PowerCommandOn, tasmota.PowerCommandBlink:
			p.power = tasmota.PowerOn
		case tasmota.PowerCommandOff, tasmota.PowerCommandBlinkOff:
			p.power = tasmota.PowerOff
		case tasmota.PowerCommandToggle:
			if p.power == tasmota.PowerOn {
				p.power = tasmota.PowerOff
			} else {
				p.power = tasmota.PowerOn
			}
		}
		body = map[string]any{"POWER1": p.power}
	case cmnd == "Bogus":
		body = map[string]any{"Command": "Unknown"}
	default:
		body = map[string]any{"Result": cmnd}
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (p *plug) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func newPlug(t *testing.T) (*plug, tasmota.DeviceConfig) {
	t.Helper()
	p := &plug{power: tasmota.PowerOff}
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return p, tasmota.DeviceConfig{Host: host, Port: port}
}

func newTestRegistry(opts ...Option) *Registry {
	opts = append([]Option{
		WithDeviceOptions(tasmota.WithRetryPolicy(tasmota.RetryPolicy{MaxAttempts: 1})),
	}, opts...)
	return NewRegistry(opts...)
}

// recorder collects registry events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// stubDiscoverer returns a canned scan result
type stubDiscoverer struct {
	result  *discovery.Result
	err     error
	stopped atomic.Int32
	opts    discovery.Options
}

func (s *stubDiscoverer) Discover(ctx context.Context, opts discovery.Options) (*discovery.Result, error) {
	s.opts = opts
	return s.result, s.err
}

func (s *stubDiscoverer) ScanDevice(ctx context.Context, ip string, opts discovery.Options) (*tasmota.DiscoveryDevice, error) {
	return nil, nil
}

func (s *stubDiscoverer) Subscribe(h event.Handler[discovery.Event]) func() {
	return func() {}
}

func (s *stubDiscoverer) StopScan() {
	s.stopped.Add(1)
}
