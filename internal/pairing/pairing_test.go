package pairing_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/devpair/internal/devicelink"
	"github.com/bavix/devpair/internal/devicelink/linktest"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
)

var usbDevice = devicelink.Device{ID: 1, UDID: "00008101-000A", Connection: devicelink.ConnectionUSB}

func TestFlipBUID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"F1234ABC", "A1234ABC"},
		{"A1234ABC", "F1234ABC"},
		{"01234ABC", "F1234ABC"},
		{"F", "A"},
		{"éx", "Fx"},
	}

	for _, tt := range tests {
		got, err := pairing.FlipBUID(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := pairing.FlipBUID("")
	require.ErrorIs(t, err, customerrors.ErrBUIDEmpty)
}

func TestNewHostID(t *testing.T) {
	t.Parallel()

	re := regexp.MustCompile(`^[0-9A-F]{8}-[0-9A-F]{4}-4[0-9A-F]{3}-[89AB][0-9A-F]{3}-[0-9A-F]{12}$`)

	a, b := pairing.NewHostID(), pairing.NewHostID()
	assert.Regexp(t, re, a)
	assert.NotEqual(t, a, b)
}

func TestGenerate_FlipsBUIDAndFillsUDID(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{BUID: "F00D"}

	mux, err := link.ConnectMux(t.Context())
	require.NoError(t, err)

	pf, err := pairing.Generate(t.Context(), link, mux, usbDevice)
	require.NoError(t, err)

	require.Len(t, link.PairArgs, 1)
	assert.Equal(t, "A00D", link.PairArgs[0][1])
	assert.Equal(t, link.PairArgs[0][0], pf.HostID)
	assert.Equal(t, usbDevice.UDID, pf.UDID)
	assert.Equal(t, []string{"mux", "lockdown:" + usbDevice.UDID, "buid", "pair"}, link.CallLog())
}

func TestGenerate_EmptyBUIDStopsBeforePairing(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{}

	mux, err := link.ConnectMux(t.Context())
	require.NoError(t, err)

	_, err = pairing.Generate(t.Context(), link, mux, usbDevice)
	require.ErrorIs(t, err, customerrors.ErrBUIDEmpty)
	assert.Empty(t, link.PairArgs)
}

type recordingDialer struct {
	addrs []string
	err   error
}

func (d *recordingDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.addrs = append(d.addrs, address)
	if d.err != nil {
		return nil, d.err
	}

	client, server := net.Pipe()
	_ = server.Close()

	return client, nil
}

func TestValidate_DialsLockdownPort(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{}
	dialer := &recordingDialer{}
	pf := &devicelink.PairingFile{HostID: "H", HostCertificate: []byte("c"), HostPrivateKey: []byte("k")}

	err := pairing.Validate(t.Context(), link, dialer, netip.MustParseAddr("192.168.1.20"), pf)
	require.NoError(t, err)

	assert.Equal(t, []string{"192.168.1.20:62078"}, dialer.addrs)
	assert.Equal(t, []string{"lockdown_conn", "session"}, link.CallLog())
	require.Len(t, link.Sessions, 1)
	assert.Same(t, pf, link.Sessions[0])
}

func TestValidate_IPv6AndDialFailure(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{}
	dialer := &recordingDialer{err: errors.New("connection refused")}
	pf := &devicelink.PairingFile{HostID: "H"}

	err := pairing.Validate(t.Context(), link, dialer, netip.MustParseAddr("fe80::1"), pf)
	require.Error(t, err)
	assert.Equal(t, []string{"[fe80::1]:62078"}, dialer.addrs)
	assert.Empty(t, link.CallLog())
}

func TestValidate_SessionFailure(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{SessionErr: customerrors.ErrPairingFileInvalid}

	err := pairing.Validate(t.Context(), link, &recordingDialer{}, netip.MustParseAddr("10.0.0.2"), &devicelink.PairingFile{})
	require.ErrorIs(t, err, customerrors.ErrPairingFileInvalid)
}

func TestInstalledApps_FiltersByDisplayName(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{Apps: map[string]map[string]any{
		"com.sidestore.app":   {"CFBundleDisplayName": "SideStore"},
		"com.example.notes":   {"CFBundleDisplayName": "Notes"},
		"kh.crysalis.feather": {"CFBundleDisplayName": "Feather"},
	}}

	got, err := pairing.InstalledApps(t.Context(), link, usbDevice, []string{"SideStore", "Feather"})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"SideStore": "com.sidestore.app",
		"Feather":   "kh.crysalis.feather",
	}, got)
	assert.Contains(t, link.CallLog(), "apps:User")
}

func TestInstalledApps_MissingDisplayNameAborts(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{Apps: map[string]map[string]any{
		"com.sidestore.app": {"CFBundleDisplayName": "SideStore"},
		"com.example.bare":  {"CFBundleIdentifier": "com.example.bare"},
	}}

	_, err := pairing.InstalledApps(t.Context(), link, usbDevice, []string{"SideStore"})
	require.ErrorIs(t, err, customerrors.ErrUnexpectedResponse)
}

func TestInstalledApps_DuplicateNameLaterBundleWins(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{Apps: map[string]map[string]any{
		"com.b.sidestore": {"CFBundleDisplayName": "SideStore"},
		"com.a.sidestore": {"CFBundleDisplayName": "SideStore"},
	}}

	got, err := pairing.InstalledApps(t.Context(), link, usbDevice, []string{"SideStore"})
	require.NoError(t, err)
	assert.Equal(t, "com.b.sidestore", got["SideStore"])
}

func TestInstall_WritesSerializedCredential(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{}
	pf := &devicelink.PairingFile{HostID: "H", HostCertificate: []byte("c"), HostPrivateKey: []byte("k"), UDID: usbDevice.UDID}

	app := pairing.App{Name: "Feather", Path: "pairingFile.plist"}
	require.NoError(t, pairing.Install(t.Context(), link, usbDevice, "kh.crysalis.feather", app, pf))

	want, err := pf.Serialize()
	require.NoError(t, err)

	got, ok := link.File("kh.crysalis.feather", "/Documents/pairingFile.plist")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Contains(t, link.CallLog(), "open:/Documents/pairingFile.plist:4")
}

func TestInstall_OpenFailure(t *testing.T) {
	t.Parallel()

	link := &linktest.Fake{OpenErr: os.ErrPermission}
	pf := &devicelink.PairingFile{HostID: "H"}

	err := pairing.Install(t.Context(), link, usbDevice, "com.sidestore.app", pairing.App{Name: "SideStore", Path: "x"}, pf)
	require.ErrorIs(t, err, os.ErrPermission)
}

func TestSaveAndReadFile(t *testing.T) {
	t.Parallel()

	pf := &devicelink.PairingFile{
		DeviceCertificate: []byte("d"),
		HostPrivateKey:    []byte("k"),
		HostCertificate:   []byte("c"),
		RootPrivateKey:    []byte("rk"),
		RootCertificate:   []byte("rc"),
		SystemBUID:        "A00D",
		HostID:            "H",
		UDID:              "abc",
	}
	assert.Equal(t, "abc.plist", pairing.DefaultFileName(pf))
	assert.Equal(t, "pairing.plist", pairing.DefaultFileName(nil))

	path := filepath.Join(t.TempDir(), pairing.DefaultFileName(pf))
	require.NoError(t, pairing.SaveFile(path, pf))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := pairing.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pf, loaded)

	text, err := pairing.Pretty(pf)
	require.NoError(t, err)
	assert.Contains(t, text, "<key>UDID</key>")
}

func TestApps(t *testing.T) {
	t.Parallel()

	apps := pairing.NewApps(nil)
	assert.Equal(t, []string{"SideStore", "Feather"}, apps.Names())

	a, err := apps.Lookup("SideStore")
	require.NoError(t, err)
	assert.Equal(t, "/Documents/ALTPairingFile.mobiledevicepairing", pairing.InstallPath(a.Path))

	_, err = apps.Lookup("Other")
	require.ErrorIs(t, err, customerrors.ErrAppNotSupported)

	custom := pairing.NewApps([]pairing.App{{Name: "Custom", Path: "p.plist"}})
	assert.Equal(t, []string{"Custom"}, custom.Names())
}
