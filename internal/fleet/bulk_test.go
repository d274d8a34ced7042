package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

func TestTurnOnAllToleratesUnreachableDevice(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	for _, id := range []string{"a", "b", "c"} {
		p, cfg := newPlug(t)
		if id == "b" {
			p.offline.Store(true)
		}
		_, err := r.AddDevice(cfg, id)
		require.NoError(t, err)
	}

	res := r.TurnOnAll(context.Background(), 1)

	assert.Equal(t, 3, res.TotalDevices)
	assert.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, 1, res.FailureCount)

	require.Len(t, res.Successful, 2)
	assert.Equal(t, "a", res.Successful[0].DeviceID)
	assert.Equal(t, tasmota.PowerOn, res.Successful[0].Result)
	assert.Equal(t, "c", res.Successful[1].DeviceID)

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "b", res.Failed[0].DeviceID)
	assert.Contains(t,
		[]tasmota.ErrorType{tasmota.ErrorTypeNetwork, tasmota.ErrorTypeTimeout},
		res.Failed[0].Error.Type)
}

func TestPowerBulkOperations(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	p1, cfg1 := newPlug(t)
	p2, cfg2 := newPlug(t)
	_, err := r.AddDevice(cfg1, "one")
	require.NoError(t, err)
	_, err = r.AddDevice(cfg2, "two")
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, 2, r.TurnOnAll(ctx, 1).SuccessCount)
	assert.Equal(t, 2, r.TurnOffAll(ctx, 1).SuccessCount)

	res := r.ToggleAll(ctx, 1)
	require.Equal(t, 2, res.SuccessCount)
	assert.Equal(t, tasmota.PowerOn, res.Successful[0].Result)

	assert.Equal(t, 2, r.BlinkAll(ctx, 1).SuccessCount)
	assert.Equal(t, 2, r.BlinkOffAll(ctx, 1).SuccessCount)

	want := []string{"Power1 ON", "Power1 OFF", "Power1 TOGGLE", "Power1 3", "Power1 4"}
	assert.Equal(t, want, p1.received())
	assert.Equal(t, want, p2.received())

	res = r.SetPowerStateAll(ctx, tasmota.PowerCommand("LATER"), 1)
	assert.Equal(t, 2, res.FailureCount)
	assert.Equal(t, tasmota.ErrorTypeValidation, res.Failed[0].Error.Type)
}

func TestPingAll(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	up, upCfg := newPlug(t)
	down, downCfg := newPlug(t)
	down.offline.Store(true)
	_, err := r.AddDevice(upCfg, "up")
	require.NoError(t, err)
	_, err = r.AddDevice(downCfg, "down")
	require.NoError(t, err)

	res := r.PingAll(context.Background())
	assert.Equal(t, 2, res.SuccessCount)
	assert.Zero(t, res.FailureCount)
	assert.Equal(t, BulkSuccess[bool]{DeviceID: "down", Result: false}, res.Successful[0])
	assert.Equal(t, BulkSuccess[bool]{DeviceID: "up", Result: true}, res.Successful[1])
	assert.Equal(t, []string{"Status"}, up.received())
}

func TestSendCommandToDevices(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	p1, cfg1 := newPlug(t)
	p2, cfg2 := newPlug(t)
	_, err := r.AddDevice(cfg1, "one")
	require.NoError(t, err)
	_, err = r.AddDevice(cfg2, "two")
	require.NoError(t, err)

	ctx := context.Background()
	res := r.SendCommandToDevices(ctx, []string{"two", "ghost"}, "Dimmer 30")
	assert.Equal(t, 2, res.TotalDevices)
	require.Len(t, res.Successful, 1)
	assert.Equal(t, "two", res.Successful[0].DeviceID)
	assert.Equal(t, "Dimmer 30", res.Successful[0].Result["Result"])
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "ghost", res.Failed[0].DeviceID)
	assert.Equal(t, tasmota.ErrorTypeValidation, res.Failed[0].Error.Type)
	assert.Empty(t, p1.received())

	res = r.SendCommandToAll(ctx, "Bogus")
	assert.Equal(t, 2, res.FailureCount)
	assert.Equal(t, tasmota.ErrorTypeCommandFailed, res.Failed[0].Error.Type)
	assert.Equal(t, []string{"Dimmer 30", "Bogus"}, p2.received())

	res = r.SendCommandToDevices(ctx, nil, "Status")
	assert.Zero(t, res.TotalDevices)
}

func TestBulkUsesDefaultCallOptions(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	_, cfg := newPlug(t)
	_, err := r.AddDevice(cfg, "plug")
	require.NoError(t, err)

	r.SetDefaultCallOptions(tasmota.WithTimeout(tasmota.MaxTimeout))
	require.Equal(t, 1, r.TurnOnAll(context.Background(), 1).SuccessCount)

	assert.Len(t, r.callOptions([]tasmota.CallOption{tasmota.WithRetries(1)}), 2)

	r.SetDefaultCallOptions()
	assert.Empty(t, r.callOptions(nil))
}
