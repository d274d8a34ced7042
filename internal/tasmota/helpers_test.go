package tasmota

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const status0JSON = `{
	"Status": {"Module": 1, "DeviceName": "Desk Lamp", "FriendlyName": ["Desk Lamp", "Fan"], "Topic": "tasmota_A1B2C3", "Power": 1},
	"StatusPRM": {"Uptime": "1T02:03:04", "BootCount": 12},
	"StatusFWR": {"Version": "13.2.0(tasmota)", "BuildDateTime": "2023-10-11T09:07:23", "Hardware": "ESP8266EX"},
	"StatusNET": {"Hostname": "tasmota-A1B2C3-0707", "IPAddress": "192.168.1.50", "Mac": "AA:BB:CC:A1:B2:C3"},
	"StatusMQT": {"MqttHost": "mqtt.local", "MqttClient": "DVES_A1B2C3"},
	"StatusSNS": {"Time": "2023-10-12T11:12:13", "ENERGY": {"TotalStartTime": "2023-01-01T00:00:00", "Total": 12.5, "Yesterday": 0.4, "Today": 0.1, "Power": 42, "ApparentPower": 50, "ReactivePower": 10, "Factor": 0.84, "Voltage": 231, "Current": 0.21}},
	"StatusSTS": {"Uptime": "1T02:03:04", "UptimeSec": 93784, "POWER1": "ON", "POWER2": "OFF", "Wifi": {"SSId": "home", "RSSI": 76, "Signal": -62}}
}`

func decodeJSON(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

// fakeDevice answers /cm?cmnd= requests through respond
type fakeDevice struct {
	mu       sync.Mutex
	requests []url.Values
	respond  func(cmnd string) (int, any)
}

func (f *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/cm" {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()

	f.mu.Lock()
	f.requests = append(f.requests, q)
	f.mu.Unlock()

	status, body := f.respond(q.Get("cmnd"))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch b := body.(type) {
	case string:
		w.Write([]byte(b))
	case nil:
	default:
		json.NewEncoder(w).Encode(b)
	}
}

func (f *fakeDevice) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.requests))
	for _, q := range f.requests {
		out = append(out, q.Get("cmnd"))
	}
	return out
}

func (f *fakeDevice) lastQuery() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

func newFakeDevice(t *testing.T, respond func(cmnd string) (int, any)) (*fakeDevice, DeviceConfig) {
	t.Helper()
	f := &fakeDevice{respond: respond}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, configFor(t, srv.URL)
}

func configFor(t *testing.T, rawURL string) DeviceConfig {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return DeviceConfig{Host: host, Port: port}
}

// tasmotaResponder mimics a two relay plug with an energy sensor
func tasmotaResponder(t *testing.T) func(string) (int, any) {
	status0 := decodeJSON(t, status0JSON)
	return func(cmnd string) (int, any) {
		switch cmnd {
		case "Status":
			return http.StatusOK, map[string]any{"Status": status0["Status"]}
		case "Status 0":
			return http.StatusOK, status0
		case "Status 8":
			return http.StatusOK, map[string]any{"StatusSNS": status0["StatusSNS"]}
		case "Power":
			return http.StatusOK, map[string]any{"POWER1": "ON", "POWER2": "OFF"}
		case "Power1", "Power1 ON", "Power1 3":
			return http.StatusOK, map[string]any{"POWER1": "ON"}
		case "Power1 OFF", "Power1 4":
			return http.StatusOK, map[string]any{"POWER1": "OFF"}
		case "Power2 TOGGLE":
			return http.StatusOK, map[string]any{"POWER2": "ON"}
		case "Power0 1":
			return http.StatusOK, map[string]any{"POWER1": "ON", "POWER2": "ON"}
		case "Power0 0":
			return http.StatusOK, map[string]any{"POWER1": "OFF", "POWER2": "OFF"}
		case "Power5 ON":
			return http.StatusOK, map[string]any{"Command": "Unknown"}
		default:
			return http.StatusOK, map[string]any{"Result": "Done"}
		}
	}
}

func noRetry() Option {
	return WithRetryPolicy(RetryPolicy{MaxAttempts: 1})
}
