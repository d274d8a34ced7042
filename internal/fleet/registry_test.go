package fleet

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkermage/tasmota-fleet/internal/discovery"
	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

func TestDeriveID(t *testing.T) {
	assert.Equal(t, "192_168_1_50", DeriveID("192.168.1.50"))
	assert.Equal(t, "kitchen_plug_lan", DeriveID("Kitchen-Plug.lan"))
}

func TestAddDevice(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	rec := &recorder{}
	r.Subscribe(rec.handle)

	id, err := r.AddDevice(tasmota.DeviceConfig{Host: "192.168.1.50"}, "")
	require.NoError(t, err)
	assert.Equal(t, "192_168_1_50", id)

	id, err = r.AddDevice(tasmota.DeviceConfig{Host: "192.168.1.51", Port: 8080}, "porch")
	require.NoError(t, err)
	assert.Equal(t, "porch", id)

	entry, ok := r.Get("192_168_1_50")
	require.True(t, ok)
	assert.False(t, entry.IsOnline)
	assert.True(t, entry.LastSeen.IsZero())
	assert.Equal(t, tasmota.DefaultPort, entry.Config.Port)
	assert.Equal(t, tasmota.DefaultTimeout, entry.Config.Timeout)

	assert.Equal(t, 2, r.Len())
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "192_168_1_50", list[0].ID)
	assert.Equal(t, "porch", list[1].ID)

	assert.Equal(t, []EventType{EventDeviceAdded, EventDeviceAdded}, rec.types())
}

func TestAddDeviceDuplicateLeavesEntryUntouched(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	_, err := r.AddDevice(tasmota.DeviceConfig{Host: "192.168.1.50", Port: 81}, "")
	require.NoError(t, err)
	before, _ := r.Get("192_168_1_50")

	_, err = r.AddDevice(tasmota.DeviceConfig{Host: "192.168.1.50", Port: 82}, "")
	assert.ErrorIs(t, err, tasmota.ErrValidation)

	after, ok := r.Get("192_168_1_50")
	require.True(t, ok)
	assert.Same(t, before.Device, after.Device)
	assert.Equal(t, 81, after.Config.Port)
	assert.Equal(t, 1, r.Len())
}

func TestAddDeviceInvalidConfig(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	_, err := r.AddDevice(tasmota.DeviceConfig{Host: "not a host"}, "")
	assert.ErrorIs(t, err, tasmota.ErrValidation)
	assert.Zero(t, r.Len())
}

func TestRemoveDevice(t *testing.T) {
	r := newTestRegistry()
	defer r.Destroy()

	rec := &recorder{}
	r.Subscribe(rec.handle)

	_, cfg := newPlug(t)
	id, err := r.AddDevice(cfg, "plug")
	require.NoError(t, err)
	entry, _ := r.Get(id)

	assert.True(t, r.RemoveDevice(id))
	assert.False(t, r.RemoveDevice(id))
	assert.Zero(t, r.Len())
	assert.False(t, entry.Device.Ping(context.Background()))

	assert.Equal(t, []EventType{EventDeviceAdded, EventDeviceRemoved}, rec.types())
}

func TestDiscoverAndAddDevices(t *testing.T) {
	stub := &stubDiscoverer{result: &discovery.Result{
		Devices: []tasmota.DiscoveryDevice{
			{IPAddress: "10.0.0.7", Hostname: "tasmota-7"},
			{IPAddress: "10.0.0.8", Hostname: "tasmota-8"},
		},
		TotalScanned: 254,
		TotalFound:   2,
	}}
	r := newTestRegistry(WithDiscoverer(stub))
	defer r.Destroy()

	rec := &recorder{}
	r.Subscribe(rec.handle)

	_, err := r.AddDevice(tasmota.DeviceConfig{Host: "10.0.0.7"}, "")
	require.NoError(t, err)

	res, added, err := r.DiscoverAndAddDevices(context.Background(), discovery.Options{
		Network:  "10.0.0.0/24",
		Username: "admin",
		Password: "secret",
	})
	require.NoError(t, err)
	assert.Same(t, stub.result, res)
	assert.Equal(t, []string{"10_0_0_8"}, added)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, "10.0.0.0/24", stub.opts.Network)

	entry, ok := r.Get("10_0_0_8")
	require.True(t, ok)
	assert.Equal(t, "admin", entry.Config.Username)
	assert.Equal(t, "secret", entry.Config.Password)

	assert.Equal(t, []EventType{EventDeviceAdded, EventDeviceAdded, EventDiscoveryComplete}, rec.types())
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, []string{"10_0_0_8"}, last.Added)
}

func TestDiscoverAndAddDevicesFailure(t *testing.T) {
	stub := &stubDiscoverer{err: tasmota.ValidationError("a scan is already in progress")}
	r := newTestRegistry(WithDiscoverer(stub))
	defer r.Destroy()

	rec := &recorder{}
	r.Subscribe(rec.handle)

	_, _, err := r.DiscoverAndAddDevices(context.Background(), discovery.Options{Network: "10.0.0.0"})
	assert.ErrorIs(t, err, tasmota.ErrValidation)
	assert.Equal(t, []EventType{EventError}, rec.types())
	assert.True(t, errors.Is(rec.events[0].Err, tasmota.ErrValidation))
}

func TestDestroy(t *testing.T) {
	stub := &stubDiscoverer{}
	r := newTestRegistry(WithDiscoverer(stub))

	rec := &recorder{}
	r.Subscribe(rec.handle)

	_, cfg := newPlug(t)
	_, err := r.AddDevice(cfg, "plug")
	require.NoError(t, err)
	entry, _ := r.Get("plug")

	r.StartHealthCheck(0)
	require.True(t, r.HealthCheckRunning())

	r.Destroy()
	r.Destroy()

	assert.False(t, r.HealthCheckRunning())
	assert.Zero(t, r.Len())
	assert.False(t, entry.Device.Ping(context.Background()))
	assert.Equal(t, int32(2), stub.stopped.Load())

	// subscribers are gone
	_, err = r.AddDevice(cfg, "again")
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventDeviceAdded}, rec.types())
	r.Destroy()
}
