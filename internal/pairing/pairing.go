// Package pairing implements the pairing-credential lifecycle: generate,
// load, persist, validate over the network and install into apps.
package pairing

import (
	"context"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
)

const (
	documentsDir = "/Documents/"
	filePerm     = 0o600
	fileExt      = ".plist"
)

// FlipBUID derives the host build identifier presented during pairing
// from the one the multiplexing service reports: 'F' becomes 'A' and any
// other leading character becomes 'F'.
func FlipBUID(buid string) (string, error) {
	if buid == "" {
		return "", customerrors.ErrBUIDEmpty
	}

	if buid[0] == 'F' {
		return "A" + buid[1:], nil
	}

	// Replace the first rune, not byte, so multi-byte input stays valid.
	_, size := utf8.DecodeRuneInString(buid)

	return "F" + buid[size:], nil
}

// NewHostID returns a fresh uppercase v4 UUID.
func NewHostID() string {
	return strings.ToUpper(uuid.NewString())
}

// Load reads the pairing record the multiplexing service stores for dev.
func Load(ctx context.Context, mux devicelink.Mux, dev devicelink.Device) (*devicelink.PairingFile, error) {
	pf, err := mux.PairRecord(ctx, dev.UDID)
	if err != nil {
		return nil, fmt.Errorf("read pair record: %w", err)
	}

	return pf, nil
}

// Generate runs a fresh pairing handshake with dev and returns the new
// credential with its UDID filled in.
func Generate(ctx context.Context, link devicelink.Link, mux devicelink.Mux, dev devicelink.Device) (*devicelink.PairingFile, error) {
	lc, err := link.ConnectLockdown(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("connect lockdown: %w", err)
	}
	defer lc.Close()

	buid, err := mux.BUID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read buid: %w", err)
	}

	systemBUID, err := FlipBUID(buid)
	if err != nil {
		return nil, err
	}

	pf, err := lc.Pair(ctx, NewHostID(), systemBUID)
	if err != nil {
		return nil, fmt.Errorf("pair: %w", err)
	}

	return pf.WithUDID(dev.UDID), nil
}

// LockdownAddr returns the control-protocol endpoint at addr.
func LockdownAddr(addr netip.Addr) string {
	return net.JoinHostPort(addr.String(), strconv.Itoa(devicelink.LockdownPort))
}

// Validate opens a control session to addr over the network using pf.
// Success proves the credential works wirelessly.
func Validate(
	ctx context.Context,
	link devicelink.Link,
	dialer devicelink.Dialer,
	addr netip.Addr,
	pf *devicelink.PairingFile,
) error {
	if pf == nil {
		return customerrors.ErrPairingFileRequired
	}

	conn, err := dialer.DialContext(ctx, "tcp", LockdownAddr(addr))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	lc, err := link.LockdownOverConn(ctx, conn)
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("open lockdown: %w", err)
	}
	defer lc.Close()

	if err := lc.StartSession(ctx, pf); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	return nil
}

// InstalledApps returns display name → bundle id for the user apps on dev
// whose display name is in names. An app without a display name fails the
// whole lookup.
func InstalledApps(
	ctx context.Context,
	link devicelink.Link,
	dev devicelink.Device,
	names []string,
) (map[string]string, error) {
	proxy, err := link.ConnectInstallationProxy(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("connect installation proxy: %w", err)
	}
	defer proxy.Close()

	apps, err := proxy.Apps(ctx, "User")
	if err != nil {
		return nil, fmt.Errorf("lookup apps: %w", err)
	}

	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[n] = struct{}{}
	}

	found := make(map[string]string)

	// Sorted so that duplicates resolve the same way on every call.
	for _, bundleID := range slices.Sorted(maps.Keys(apps)) {
		name, ok := apps[bundleID]["CFBundleDisplayName"].(string)
		if !ok {
			return nil, customerrors.Unexpected("CFBundleDisplayName of " + bundleID)
		}

		if _, ok := wanted[name]; ok {
			// Two apps sharing a display name: the later bundle id wins.
			found[name] = bundleID
		}
	}

	return found, nil
}

// InstallPath is where app expects its pairing file inside its container.
func InstallPath(path string) string {
	return documentsDir + path
}

// Install writes the serialized credential into the app's container.
func Install(
	ctx context.Context,
	link devicelink.Link,
	dev devicelink.Device,
	bundleID string,
	app App,
	pf *devicelink.PairingFile,
) error {
	data, err := pf.Serialize()
	if err != nil {
		return err
	}

	container, err := link.VendContainer(ctx, dev, bundleID)
	if err != nil {
		return fmt.Errorf("vend container: %w", err)
	}
	defer container.Close()

	f, err := container.Open(ctx, InstallPath(app.Path), devicelink.ModeWrite)
	if err != nil {
		return fmt.Errorf("open %s: %w", InstallPath(app.Path), err)
	}

	if err := f.Write(ctx, data); err != nil {
		_ = f.Close()

		return fmt.Errorf("write %s: %w", InstallPath(app.Path), err)
	}

	return f.Close()
}

// DefaultFileName is the suggested save name for a credential.
func DefaultFileName(pf *devicelink.PairingFile) string {
	if pf == nil || pf.UDID == "" {
		return "pairing" + fileExt
	}

	return pf.UDID + fileExt
}

// SaveFile writes the serialized credential to path with owner-only permissions.
func SaveFile(path string, pf *devicelink.PairingFile) error {
	data, err := pf.Serialize()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("save pairing file %s: %w", path, err)
	}

	return nil
}

// ReadFile loads a credential saved by SaveFile or exported by other tooling.
func ReadFile(path string) (*devicelink.PairingFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, err
	}

	return devicelink.ParsePairingFile(data)
}

// Pretty renders the credential as the text a user would see in the file.
func Pretty(pf *devicelink.PairingFile) (string, error) {
	data, err := pf.Serialize()
	if err != nil {
		return "", err
	}

	return string(data), nil
}
