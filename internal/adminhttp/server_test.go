package adminhttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/devpair/internal/adminhttp"
	"github.com/bavix/devpair/internal/config"
	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/worker"
)

type fakeWorker struct {
	mu      sync.Mutex
	sent    []worker.Intent
	results chan worker.Result
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{results: make(chan worker.Result, 8)}
}

func (f *fakeWorker) Send(i worker.Intent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, i)

	return true
}

func (f *fakeWorker) Next(ctx context.Context) (worker.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r, ok := <-f.results:
		if !ok {
			return nil, customerrors.ErrWorkerStopped
		}

		return r, nil
	}
}

func (f *fakeWorker) Sent() []worker.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]worker.Intent(nil), f.sent...)
}

var phone = devicelink.Device{ID: 4, UDID: "udid-4", Connection: devicelink.ConnectionUSB}

func setup(t *testing.T) (*adminhttp.Server, *fakeWorker, http.Handler, context.Context) {
	t.Helper()

	fw := newFakeWorker()
	s := adminhttp.NewServer(config.HTTPConfig{Listen: "127.0.0.1:0"}, fw, pairing.NewApps(nil))

	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(logger.WithContext(t.Context()))
	t.Cleanup(cancel)

	done := make(chan error, 1)

	go func() { done <- s.Pump(ctx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return s, fw, s.Handler(ctx), ctx
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/intents", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func withDevice(t *testing.T, s *adminhttp.Server, fw *fakeWorker) {
	t.Helper()

	fw.results <- worker.Devices{Devices: map[string]devicelink.Device{"Phone": phone}}

	require.Eventually(t, func() bool { return len(s.State().Devices) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	_, _, h, _ := setup(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestGetDevicesIntent(t *testing.T) {
	t.Parallel()

	_, fw, h, _ := setup(t)

	rec := post(t, h, `{"type":"get_devices"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []worker.Intent{worker.GetDevices{}}, fw.Sent())
}

func TestDeviceIntentUsesSelection(t *testing.T) {
	t.Parallel()

	s, fw, h, _ := setup(t)
	withDevice(t, s, fw)

	rec := post(t, h, `{"type":"enable_wireless"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusAccepted, post(t, h, `{"type":"select","device":"Phone"}`).Code)
	require.Equal(t, http.StatusAccepted, post(t, h, `{"type":"enable_wireless"}`).Code)

	sent := fw.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, worker.EnableWireless{Target: worker.Target{Device: phone, Name: "Phone"}}, sent[4])
}

func TestSelectRefreshesDevice(t *testing.T) {
	t.Parallel()

	s, fw, h, _ := setup(t)
	withDevice(t, s, fw)

	rec := post(t, h, `{"type":"select","device":"Phone"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"intents":4`)

	target := worker.Target{Device: phone, Name: "Phone"}
	assert.Equal(t, []worker.Intent{
		worker.EnableWireless{Target: target},
		worker.CheckDevMode{Target: target},
		worker.AutoMount{Target: target},
		worker.InstalledApps{Target: target, Names: pairing.NewApps(nil).Names()},
	}, fw.Sent())
	assert.Equal(t, "Phone", s.State().SelectedDevice)

	// Selecting again retries everything, including the mount.
	require.Equal(t, http.StatusAccepted, post(t, h, `{"type":"select"}`).Code)
	assert.Len(t, fw.Sent(), 8)
	assert.Equal(t, worker.AutoMount{Target: target}, fw.Sent()[6])
}

func TestUnknownDeviceAndType(t *testing.T) {
	t.Parallel()

	_, _, h, _ := setup(t)

	assert.Equal(t, http.StatusNotFound, post(t, h, `{"type":"check_dev_mode","device":"Ghost"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, `{"type":"reboot"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, `{"type":"reboot","device":"Ghost"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, `not json`).Code)
	assert.Equal(t, http.StatusConflict, post(t, h, `{"type":"check_dev_mode"}`).Code)
}

func TestValidateNeedsPairingFile(t *testing.T) {
	t.Parallel()

	s, fw, h, _ := setup(t)

	assert.Equal(t, http.StatusConflict, post(t, h, `{"type":"validate"}`).Code)

	pf := &devicelink.PairingFile{HostID: "H", HostCertificate: []byte("c"), HostPrivateKey: []byte("k"), UDID: "udid-4"}
	fw.results <- worker.PairingFileResult{PairingFile: pf}

	require.Eventually(t, func() bool { return s.State().PairingFile != nil }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, post(t, h, `{"type":"validate","addr":"not-an-ip"}`).Code)
	require.Equal(t, http.StatusAccepted, post(t, h, `{"type":"validate","addr":"10.0.0.3"}`).Code)

	require.Len(t, fw.Sent(), 1)
	v, ok := fw.Sent()[0].(worker.Validate)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.3", v.Addr.String())
	assert.True(t, s.State().Validation.Pending)
}

func TestInstallRequiresInstalledApp(t *testing.T) {
	t.Parallel()

	s, fw, h, _ := setup(t)
	withDevice(t, s, fw)

	fw.results <- worker.PairingFileResult{PairingFile: &devicelink.PairingFile{
		HostID: "H", HostCertificate: []byte("c"), HostPrivateKey: []byte("k"),
	}}
	fw.results <- worker.InstalledAppsResult{Apps: map[string]string{"SideStore": "com.sidestore.SideStore"}}

	require.Eventually(t, func() bool { return len(s.State().InstalledApps) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusNotFound, post(t, h, `{"type":"install_pairing_file","device":"Phone","app":"Feather"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, `{"type":"install_pairing_file","device":"Phone","app":"Xcode"}`).Code)
	require.Equal(t, http.StatusAccepted, post(t, h, `{"type":"install_pairing_file","device":"Phone","app":"SideStore"}`).Code)

	require.Len(t, fw.Sent(), 1)
	in, ok := fw.Sent()[0].(worker.InstallPairingFile)
	require.True(t, ok)
	assert.Equal(t, "com.sidestore.SideStore", in.BundleID)
	assert.Same(t, s.State().PairingFile, in.PairingFile)
	assert.True(t, s.State().Installs["SideStore"].Pending)
}

func TestStateEndpoint(t *testing.T) {
	t.Parallel()

	s, fw, h, _ := setup(t)
	withDevice(t, s, fw)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["devices"], "Phone")
}

func TestWebsocketReceivesResults(t *testing.T) {
	t.Parallel()

	_, fw, h, _ := setup(t)

	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)

	defer resp.Body.Close()
	defer conn.Close()

	read := func() map[string]any {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))

		return msg
	}

	assert.Equal(t, "state", read()["type"])
	assert.Equal(t, "stats", read()["type"])

	fw.results <- worker.MuxUnavailable{Err: customerrors.ErrServiceUnavailable, Hint: worker.MuxHint("linux")}

	msg := read()
	require.Equal(t, "result", msg["type"])

	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, worker.KindMuxUnavailable, data["kind"])
	assert.Equal(t, string(customerrors.KindTransport), data["error_kind"])
}

func TestPumpFailsWhenWorkerStops(t *testing.T) {
	t.Parallel()

	fw := newFakeWorker()
	close(fw.results)

	s := adminhttp.NewServer(config.HTTPConfig{}, fw, pairing.NewApps(nil))
	require.ErrorIs(t, s.Pump(t.Context()), customerrors.ErrWorkerStopped)
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	h := adminhttp.RateLimitMiddleware(1, 1)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 2)

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", bytes.NewReader(nil)))
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
