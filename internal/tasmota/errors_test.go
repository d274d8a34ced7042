package tasmota

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromUnknown(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout},
		{"timeout text", errors.New("read: i/o timeout"), ErrorTypeTimeout},
		{"refused", errors.New("dial tcp 10.0.0.9:80: connect: connection refused"), ErrorTypeDeviceNotFound},
		{"dns", &net.DNSError{Err: "no such host", Name: "plug.lan"}, ErrorTypeDeviceNotFound},
		{"unauthorized", errors.New("401 Unauthorized"), ErrorTypeAuthentication},
		{"port containing 401", errors.New("dial tcp 10.0.0.9:8401: reset by peer"), ErrorTypeNetwork},
		{"other", errors.New("EOF"), ErrorTypeNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromUnknown(tt.err, "10.0.0.9", "Status")
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, "10.0.0.9", got.DeviceHost)
			assert.Equal(t, "Status", got.Command)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestFromUnknownKeepsClassifiedErrors(t *testing.T) {
	orig := CommandFailed("plug", "Power1 ON", "Not Found", 404)
	wrapped := fmt.Errorf("bulk: %w", orig)

	assert.Same(t, orig, FromUnknown(orig, "other", "other"))
	assert.Same(t, orig, FromUnknown(wrapped, "", ""))
	assert.Nil(t, FromUnknown(nil, "", ""))
}

func TestErrorIsSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", TimeoutError("plug", "Status", 2*time.Second))

	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrNetwork)
	assert.Contains(t, err.Error(), "2000ms")
}

func TestUserFriendlyMessage(t *testing.T) {
	tests := []struct {
		err  *Error
		want string
	}{
		{NetworkError("boom", "plug", "", nil), "Unable to communicate with plug. Please check your network connection."},
		{TimeoutError("plug", "Status", time.Second), "Plug is not responding. It may be offline or busy."},
		{AuthenticationError("plug"), "Authentication failed for plug. Please check the username and password."},
		{DeviceNotFound("plug"), "Could not find a device at plug. Please verify the address."},
		{InvalidResponse("plug", "Status", "garbage"), "Plug returned an unexpected response."},
		{CommandFailed("plug", "Power1 ON", "", 404), "The command could not be executed on plug."},
		{ValidationError("bad port"), "The provided settings are invalid. Please review them and try again."},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.UserFriendlyMessage())
			assert.NotContains(t, tt.err.UserFriendlyMessage(), string(tt.err.Type))
		})
	}
}
