package state_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/state"
	"github.com/bavix/devpair/internal/worker"
)

var phone = devicelink.Device{ID: 1, UDID: "udid-1", Connection: devicelink.ConnectionUSB}

func TestNew_Loading(t *testing.T) {
	t.Parallel()

	s := state.New(pairing.DefaultApps())
	assert.Equal(t, state.LoadingPlaceholder, s.DevicesPlaceholder)
	assert.Len(t, s.SupportedApps, 2)
	assert.Nil(t, s.Devices)
}

func TestApply_MuxUnavailableShowsHint(t *testing.T) {
	t.Parallel()

	s := state.Apply(state.New(nil), worker.MuxUnavailable{
		Err:  customerrors.ErrServiceUnavailable,
		Hint: worker.MuxHint("linux"),
	})

	assert.Contains(t, s.DevicesPlaceholder, "Failed to connect to usbmuxd!")
	assert.Contains(t, s.DevicesPlaceholder, "Make sure usbmuxd is installed and running.")
}

func TestApply_Devices(t *testing.T) {
	t.Parallel()

	s := state.Apply(state.New(nil), worker.Devices{Devices: map[string]devicelink.Device{"Phone": phone}})
	assert.Empty(t, s.DevicesPlaceholder)
	assert.Equal(t, phone, s.Devices["Phone"])

	empty := state.Apply(s, worker.Devices{})
	assert.Empty(t, empty.Devices)
	assert.Contains(t, empty.DevicesPlaceholder, "No devices connected")

	failed := state.Apply(s, worker.Devices{Err: errors.New("eof")})
	assert.Nil(t, failed.Devices)
	assert.Contains(t, failed.DevicesPlaceholder, "eof")
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	t.Parallel()

	before := state.Apply(state.New(nil), worker.Devices{Devices: map[string]devicelink.Device{"Phone": phone}})
	before = state.BeginInstall(before, "Feather")

	after := state.Apply(before, worker.Installed{App: "Feather"})
	_ = state.Apply(after, worker.Devices{Devices: map[string]devicelink.Device{"Other": phone}})

	assert.True(t, before.Installs["Feather"].Pending)
	assert.True(t, after.Installs["Feather"].OK)
	assert.Contains(t, before.Devices, "Phone")
}

func TestSelect_ResetsDeviceFields(t *testing.T) {
	t.Parallel()

	s := state.Apply(state.New(nil), worker.Devices{Devices: map[string]devicelink.Device{"Phone": phone}})
	s = state.Select(s, "Phone")
	s = state.Apply(s, worker.WirelessEnabled{Device: "Phone"})
	s = state.Apply(s, worker.DevMode{Device: "Phone", Enabled: true})
	require.NotNil(t, s.Wireless)

	s = state.Select(s, "Phone")
	assert.Nil(t, s.Wireless)
	assert.Nil(t, s.DevMode)
	assert.Equal(t, "Phone", s.SelectedDevice)
}

func TestApply_DevModeAndMount(t *testing.T) {
	t.Parallel()

	s := state.Apply(state.New(nil), worker.DevMode{Enabled: true})
	require.NotNil(t, s.DevMode)
	assert.True(t, s.DevMode.OK)
	assert.True(t, s.DevMode.Enabled)

	s = state.Apply(s, worker.Mounted{Err: customerrors.Op("mount image", "Phone", customerrors.ErrAssetsNotLoaded)})
	require.NotNil(t, s.Mount)
	assert.False(t, s.Mount.OK)
	assert.Contains(t, s.Mount.Error, "assets not loaded")
}

func TestApply_PairingFile(t *testing.T) {
	t.Parallel()

	pf := &devicelink.PairingFile{
		HostID:          "HOST",
		HostCertificate: []byte("c"),
		HostPrivateKey:  []byte("k"),
		UDID:            "udid-1",
	}

	s := state.Apply(state.New(nil), worker.PairingFileResult{PairingFile: pf})
	assert.Same(t, pf, s.PairingFile)
	assert.Contains(t, s.PairingFileText, "udid-1")
	assert.Empty(t, s.PairingFileMessage)

	s = state.Apply(s, worker.PairingFileResult{Err: errors.New("trust dialog pending")})
	assert.Same(t, pf, s.PairingFile, "a failed reload keeps the previous credential")
	assert.Equal(t, "trust dialog pending", s.PairingFileMessage)
}

func TestApply_ValidationStatus(t *testing.T) {
	t.Parallel()

	s := state.BeginValidate(state.New(nil))
	assert.True(t, s.Validation.Pending)

	s = state.Apply(s, worker.Validated{Err: customerrors.ErrAddressNotFoundWithMAC("aa")})
	assert.False(t, s.Validation.Pending)
	assert.Equal(t, string(customerrors.KindNotFound), s.Validation.Kind)

	s = state.Apply(s, worker.Validated{})
	assert.True(t, s.Validation.OK)
}

func TestApply_InstallWithoutSlotIgnored(t *testing.T) {
	t.Parallel()

	s := state.Apply(state.New(nil), worker.Installed{App: "SideStore"})
	assert.Empty(t, s.Installs)
}

func TestApply_InstalledApps(t *testing.T) {
	t.Parallel()

	s := state.Apply(state.New(nil), worker.InstalledAppsResult{Apps: map[string]string{"SideStore": "com.x"}})
	assert.Equal(t, "com.x", s.InstalledApps["SideStore"])

	s = state.Apply(s, worker.InstalledAppsResult{Err: errors.New("proxy down")})
	assert.Nil(t, s.InstalledApps)
	assert.Equal(t, "proxy down", s.AppsError)
}

func TestApply_DropsResultsForPreviousSelection(t *testing.T) {
	t.Parallel()

	tablet := devicelink.Device{ID: 2, UDID: "udid-2", Connection: devicelink.ConnectionUSB}

	s := state.Apply(state.New(nil), worker.Devices{Devices: map[string]devicelink.Device{"Phone": phone, "Tablet": tablet}})
	s = state.Select(s, "Phone")
	s = state.Select(s, "Tablet")

	// Late answers to the intents sent when Phone was picked.
	s = state.Apply(s, worker.WirelessEnabled{Device: "Phone"})
	s = state.Apply(s, worker.DevMode{Device: "Phone", Enabled: true})
	s = state.Apply(s, worker.Mounted{Device: "Phone"})
	s = state.Apply(s, worker.InstalledAppsResult{Device: "Phone", Apps: map[string]string{"SideStore": "com.sidestore.SideStore"}})

	assert.Nil(t, s.Wireless)
	assert.Nil(t, s.DevMode)
	assert.Nil(t, s.Mount)
	assert.Nil(t, s.InstalledApps)

	s = state.Apply(s, worker.WirelessEnabled{Device: "Tablet"})
	require.NotNil(t, s.Wireless)
	assert.True(t, s.Wireless.OK)
}
