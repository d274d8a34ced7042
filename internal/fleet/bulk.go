package fleet

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/darkermage/tasmota-fleet/internal/tasmota"
)

// BulkSuccess is the result of one device in a bulk operation
type BulkSuccess[T any] struct {
	DeviceID string `json:"device_id"`
	Result   T      `json:"result"`
}

// BulkFailure is the classified failure of one device in a bulk operation
type BulkFailure struct {
	DeviceID string         `json:"device_id"`
	Error    *tasmota.Error `json:"error"`
}

// BulkOperationResult collects the outcome of a fan-out. Successful and
// Failed are ordered by device ID.
type BulkOperationResult[T any] struct {
	Successful   []BulkSuccess[T] `json:"successful"`
	Failed       []BulkFailure    `json:"failed"`
	TotalDevices int              `json:"total_devices"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
}

type outcome[T any] struct {
	result T
	err    error
}

// fanOut runs op against every entry concurrently and waits for all of
// them. A failing device never stops the others.
func fanOut[T any](ctx context.Context, entries []*DeviceEntry, missing []string, op func(context.Context, *tasmota.Device) (T, error)) *BulkOperationResult[T] {
	outcomes := make([]outcome[T], len(entries))

	var g errgroup.Group
	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			res, err := op(ctx, entry.Device)
			outcomes[i] = outcome[T]{result: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	bulk := &BulkOperationResult[T]{
		Successful:   []BulkSuccess[T]{},
		Failed:       []BulkFailure{},
		TotalDevices: len(entries) + len(missing),
	}
	for i, entry := range entries {
		o := outcomes[i]
		if o.err != nil {
			e := tasmota.FromUnknown(o.err, entry.Config.Host, "")
			bulk.Failed = append(bulk.Failed, BulkFailure{DeviceID: entry.ID, Error: e})
			continue
		}
		bulk.Successful = append(bulk.Successful, BulkSuccess[T]{DeviceID: entry.ID, Result: o.result})
	}
	for _, id := range missing {
		bulk.Failed = append(bulk.Failed, BulkFailure{
			DeviceID: id,
			Error:    tasmota.ValidationError(fmt.Sprintf("device %q is not registered", id)),
		})
	}
	bulk.SuccessCount = len(bulk.Successful)
	bulk.FailureCount = len(bulk.Failed)
	return bulk
}

// PingAll pings every device. Ping never fails, so every device lands in
// Successful with its reachability as the result.
func (r *Registry) PingAll(ctx context.Context, opts ...tasmota.CallOption) *BulkOperationResult[bool] {
	opts = r.callOptions(opts)
	entries, _ := r.entries(nil)
	return fanOut(ctx, entries, nil, func(ctx context.Context, d *tasmota.Device) (bool, error) {
		return d.Ping(ctx, opts...), nil
	})
}

// SetPowerStateAll sends command to relay on every device
func (r *Registry) SetPowerStateAll(ctx context.Context, command tasmota.PowerCommand, relay int, opts ...tasmota.CallOption) *BulkOperationResult[tasmota.PowerState] {
	opts = r.callOptions(opts)
	entries, _ := r.entries(nil)
	return fanOut(ctx, entries, nil, func(ctx context.Context, d *tasmota.Device) (tasmota.PowerState, error) {
		return d.SetPowerState(ctx, command, relay, opts...)
	})
}

// TurnOnAll switches relay on for every device
func (r *Registry) TurnOnAll(ctx context.Context, relay int, opts ...tasmota.CallOption) *BulkOperationResult[tasmota.PowerState] {
	return r.SetPowerStateAll(ctx, tasmota.PowerCommandOn, relay, opts...)
}

// TurnOffAll switches relay off for every device
func (r *Registry) TurnOffAll(ctx context.Context, relay int, opts ...tasmota.CallOption) *BulkOperationResult[tasmota.PowerState] {
	return r.SetPowerStateAll(ctx, tasmota.PowerCommandOff, relay, opts...)
}

// ToggleAll toggles relay on every device
func (r *Registry) ToggleAll(ctx context.Context, relay int, opts ...tasmota.CallOption) *BulkOperationResult[tasmota.PowerState] {
	return r.SetPowerStateAll(ctx, tasmota.PowerCommandToggle, relay, opts...)
}

// BlinkAll starts blinking relay on every device
func (r *Registry) BlinkAll(ctx context.Context, relay int, opts ...tasmota.CallOption) *BulkOperationResult[tasmota.PowerState] {
	return r.SetPowerStateAll(ctx, tasmota.PowerCommandBlink, relay, opts...)
}

// BlinkOffAll stops blinking relay on every device
func (r *Registry) BlinkOffAll(ctx context.Context, relay int, opts ...tasmota.CallOption) *BulkOperationResult[tasmota.PowerState] {
	return r.SetPowerStateAll(ctx, tasmota.PowerCommandBlinkOff, relay, opts...)
}

// SendCommandToAll sends a raw command to every device
func (r *Registry) SendCommandToAll(ctx context.Context, command string, opts ...tasmota.CallOption) *BulkOperationResult[map[string]any] {
	return r.sendCommand(ctx, nil, command, opts)
}

// SendCommandToDevices sends a raw command to the listed devices. IDs that
// are not registered are reported as validation failures.
func (r *Registry) SendCommandToDevices(ctx context.Context, ids []string, command string, opts ...tasmota.CallOption) *BulkOperationResult[map[string]any] {
	if ids == nil {
		ids = []string{}
	}
	return r.sendCommand(ctx, ids, command, opts)
}

func (r *Registry) sendCommand(ctx context.Context, ids []string, command string, opts []tasmota.CallOption) *BulkOperationResult[map[string]any] {
	opts = r.callOptions(opts)
	entries, missing := r.entries(ids)
	return fanOut(ctx, entries, missing, func(ctx context.Context, d *tasmota.Device) (map[string]any, error) {
		res := d.SendCommand(ctx, command, opts...)
		if !res.Success {
			return nil, res.Error
		}
		return res.Data, nil
	})
}
