package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/myelnet/beam/progress"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *progress.Bus) {
	t.Helper()
	bus := progress.NewBus(32)
	svc := New("tester", "1.0", "desktop", bus, nil)
	return svc, bus
}

func TestOnAnnouncementDiscoversThenUpdates(t *testing.T) {
	svc, bus := newTestService(t)
	events := bus.Events()

	info := DeviceInfo{Fingerprint: "peer-1", Alias: "peer one", Port: 1234}
	svc.onAnnouncement(info, "10.0.0.5")

	e := <-events
	require.NotNil(t, e.Discovery)
	require.NotNil(t, e.Discovery.DeviceDiscovered)
	require.Equal(t, "peer-1", e.Discovery.DeviceDiscovered.Fingerprint)

	svc.onAnnouncement(info, "10.0.0.5")
	e = <-events
	require.NotNil(t, e.Discovery.DeviceUpdated)

	devices := svc.Devices()
	require.Len(t, devices, 1)
	require.True(t, devices[0].Available)
}

func TestOnAnnouncementIgnoresSelf(t *testing.T) {
	svc, _ := newTestService(t)
	svc.onAnnouncement(DeviceInfo{Fingerprint: svc.self.Fingerprint}, "10.0.0.5")
	require.Empty(t, svc.Devices())
}

func TestSweepMarksExpiredDevices(t *testing.T) {
	svc, bus := newTestService(t)
	events := bus.Events()

	svc.onAnnouncement(DeviceInfo{Fingerprint: "peer-1"}, "10.0.0.5")
	<-events // discovered

	svc.mu.Lock()
	svc.devices["peer-1"].LastSeen = time.Now().Add(-expireAfter - time.Second)
	svc.mu.Unlock()

	svc.sweep()

	e := <-events
	require.NotNil(t, e.Discovery.DeviceExpired)
	require.False(t, e.Discovery.DeviceExpired.Available)

	devices := svc.Devices()
	require.Len(t, devices, 1)
	require.False(t, devices[0].Available)
}

func TestClearDeviceRemovesEntry(t *testing.T) {
	svc, bus := newTestService(t)
	events := bus.Events()
	svc.onAnnouncement(DeviceInfo{Fingerprint: "peer-1"}, "10.0.0.5")
	<-events

	svc.ClearDevice("peer-1")
	require.Empty(t, svc.Devices())
}

func TestHTTPTicketHandoff(t *testing.T) {
	svc, bus := newTestService(t)
	events := bus.Events()

	svc.autoAccept = func(TicketRequest) bool { return true }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.startHTTP(ctx))
	defer svc.Close()

	base := fmt.Sprintf("http://127.0.0.1:%d", svc.httpPort)

	resp, err := http.Get(base + "/api/sendme/v1/info")
	require.NoError(t, err)
	var info DeviceInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Equal(t, "tester", info.Alias)

	reqBody, _ := json.Marshal(TicketRequest{
		Info:   DeviceInfo{Fingerprint: "peer-2", Alias: "sender"},
		Ticket: "beam:deadbeef",
	})
	resp, err = http.Post(base+"/api/sendme/v1/ticket", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	var tresp TicketResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tresp))
	resp.Body.Close()
	require.True(t, tresp.Accepted)

	e := <-events
	require.NotNil(t, e.Discovery.TicketReceived)
	require.Equal(t, "peer-2", e.Discovery.TicketReceived.From)
}
