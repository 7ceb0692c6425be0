package devicelink

import (
	"context"
	"net"
)

// ConnectionType is the transport a device is attached through.
type ConnectionType string

const (
	ConnectionUSB     ConnectionType = "USB"
	ConnectionNetwork ConnectionType = "Network"
)

// LockdownPort is the device-side control protocol port.
const LockdownPort = 62078

// Device is a handle returned by the multiplexing service.
type Device struct {
	ID         uint32         `json:"device_id"`
	UDID       string         `json:"udid"`
	Connection ConnectionType `json:"connection_type"`
}

// IsUSB reports whether the device is attached by cable.
func (d Device) IsUSB() bool { return d.Connection == ConnectionUSB }

// Mux is a connection to the host multiplexing service.
type Mux interface {
	// Devices lists every device the service currently knows about.
	Devices(ctx context.Context) ([]Device, error)

	// PairRecord returns the pairing record the service stores for udid.
	PairRecord(ctx context.Context, udid string) (*PairingFile, error)

	// BUID returns the host build identifier.
	BUID(ctx context.Context) (string, error)

	Close() error
}

// Lockdown is a control-protocol client bound to one device.
type Lockdown interface {
	// Value reads key from domain. An empty key reads the whole domain.
	Value(ctx context.Context, domain, key string) (any, error)

	// SetValue writes key in domain. Requires a started session.
	SetValue(ctx context.Context, domain, key string, value any) error

	// StartSession authenticates with the given pairing record.
	StartSession(ctx context.Context, pf *PairingFile) error

	// Pair runs the pairing handshake. The returned record has no UDID.
	Pair(ctx context.Context, hostID, buid string) (*PairingFile, error)

	Close() error
}

// InstallationProxy enumerates installed applications.
type InstallationProxy interface {
	// Apps returns the attribute dictionary of every app of appType, keyed by bundle id.
	Apps(ctx context.Context, appType string) (map[string]map[string]any, error)

	Close() error
}

// OpenMode is the file mode used to open a file inside an app container.
type OpenMode uint64

const (
	ModeReadOnly   OpenMode = 1
	ModeReadWrite  OpenMode = 2
	ModeWriteOnly  OpenMode = 3
	ModeWrite      OpenMode = 4 // create or truncate
	ModeAppend     OpenMode = 5
	ModeReadAppend OpenMode = 6
)

// File is an open file inside an app container.
type File interface {
	Write(ctx context.Context, p []byte) error
	Close() error
}

// Container is an app's sandboxed storage.
type Container interface {
	Open(ctx context.Context, path string, mode OpenMode) (File, error)
	Close() error
}

// PersonalizedImage holds the bundled developer disk image assets.
type PersonalizedImage struct {
	BuildManifest []byte
	Image         []byte
	TrustCache    []byte
}

// ImageMounter lists and mounts developer disk images.
type ImageMounter interface {
	// MountedImages returns one entry per currently mounted image.
	MountedImages(ctx context.Context) ([]map[string]any, error)

	// MountPersonalized signs img for chipID and mounts it.
	MountPersonalized(ctx context.Context, img PersonalizedImage, chipID uint64) error

	Close() error
}

// Link opens device-link services. Every call returns a fresh connection
// owned by the caller.
type Link interface {
	ConnectMux(ctx context.Context) (Mux, error)
	ConnectLockdown(ctx context.Context, dev Device) (Lockdown, error)

	// LockdownOverConn starts a control-protocol client on an already open socket.
	LockdownOverConn(ctx context.Context, conn net.Conn) (Lockdown, error)

	ConnectInstallationProxy(ctx context.Context, dev Device) (InstallationProxy, error)
	VendContainer(ctx context.Context, dev Device, bundleID string) (Container, error)
	ConnectImageMounter(ctx context.Context, dev Device) (ImageMounter, error)
}

// Dialer opens raw network connections.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
