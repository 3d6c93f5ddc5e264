package domain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDeviceRegistry(t *testing.T) {
	registry := NewDeviceRegistry()

	assert.NotNil(t, registry)
	assert.NotNil(t, registry.devices)
	assert.Empty(t, registry.All())
}

func TestRegistryUpdateAndGet(t *testing.T) {
	registry := NewDeviceRegistry()

	now := time.Now()
	registry.Update(DeviceStatus{
		Name:      "roof",
		Variant:   "deye_micro",
		Available: true,
		LastPoll:  now,
		Snapshot:  Snapshot{"ac_power": 412.0},
	})

	status, found := registry.Get("roof")
	require.True(t, found)
	assert.Equal(t, "deye_micro", status.Variant)
	assert.True(t, status.Available)
	assert.Equal(t, now, status.LastPoll)
	assert.Equal(t, 412.0, status.Snapshot["ac_power"])

	// Update replaces the previous status
	registry.Update(DeviceStatus{Name: "roof", Available: false, Reason: "connection refused"})

	status, found = registry.Get("roof")
	require.True(t, found)
	assert.False(t, status.Available)
	assert.Equal(t, "connection refused", status.Reason)

	_, found = registry.Get("garage")
	assert.False(t, found)
}

func TestRegistrySnapshotIsCopied(t *testing.T) {
	registry := NewDeviceRegistry()

	snapshot := Snapshot{"ac_power": 100.0}
	registry.Update(DeviceStatus{Name: "roof", Snapshot: snapshot})

	// Mutating the caller's map must not leak into the registry
	snapshot["ac_power"] = 0.0

	status, _ := registry.Get("roof")
	assert.Equal(t, 100.0, status.Snapshot["ac_power"])

	// Mutating a returned map must not leak either
	status.Snapshot["ac_power"] = 5.0
	again, _ := registry.Get("roof")
	assert.Equal(t, 100.0, again.Snapshot["ac_power"])
}

func TestRegistryAllSortedAndRemove(t *testing.T) {
	registry := NewDeviceRegistry()

	registry.Update(DeviceStatus{Name: "shed"})
	registry.Update(DeviceStatus{Name: "barn"})
	registry.Update(DeviceStatus{Name: "roof"})

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "barn", all[0].Name)
	assert.Equal(t, "roof", all[1].Name)
	assert.Equal(t, "shed", all[2].Name)

	registry.Remove("roof")
	assert.Len(t, registry.All(), 2)
	_, found := registry.Get("roof")
	assert.False(t, found)
}

func TestRegistryAsListener(t *testing.T) {
	registry := NewDeviceRegistry()

	var listener StatusListener = registry
	listener.OnStatus(context.Background(), DeviceStatus{Name: "roof", Phase: PhaseBackoff})

	status, found := registry.Get("roof")
	require.True(t, found)
	assert.Equal(t, PhaseBackoff, status.Phase)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewDeviceRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				registry.Update(DeviceStatus{Name: "roof", Polls: uint64(j), Snapshot: Snapshot{"n": float64(i)}})
				_, _ = registry.Get("roof")
				_ = registry.All()
			}
		}(i)
	}
	wg.Wait()

	_, found := registry.Get("roof")
	assert.True(t, found)
}

func TestSnapshotHelpers(t *testing.T) {
	var empty Snapshot
	assert.Nil(t, empty.Clone())

	s := Snapshot{"power": 12.5, "status": "Normal"}

	v, ok := s.Float("power")
	assert.True(t, ok)
	assert.Equal(t, 12.5, v)

	_, ok = s.Float("status")
	assert.False(t, ok)

	_, ok = s.Float("missing")
	assert.False(t, ok)

	called := false
	StatusListenerFunc(func(context.Context, DeviceStatus) { called = true }).OnStatus(context.Background(), DeviceStatus{})
	assert.True(t, called)
}
