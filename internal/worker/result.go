package worker

import (
	"github.com/bavix/devpair/internal/devicelink"
)

// Result kinds.
const (
	KindMuxUnavailable  = "mux_unavailable"
	KindDevices         = "devices"
	KindWirelessEnabled = "wireless_enabled"
	KindDevMode         = "dev_mode"
	KindMounted         = "mounted"
	KindPairingFile     = "pairing_file"
	KindValidated       = "validated"
	KindInstalledApps   = "installed_apps"
	KindInstalled       = "installed"
)

// Result is emitted once per handled intent. Failure is nil on success;
// otherwise it is an *errors.OpError.
type Result interface {
	Kind() string
	Failure() error
}

// MuxUnavailable means the host multiplexing service could not be reached.
// Hint tells the operator how to fix that on this OS.
type MuxUnavailable struct {
	Err  error
	Hint string
}

// Devices maps display name to device.
type Devices struct {
	Devices map[string]devicelink.Device
	Err     error
}

type WirelessEnabled struct {
	Device string
	Err    error
}

// DevMode carries the developer mode status.
type DevMode struct {
	Device  string
	Enabled bool
	Err     error
}

type Mounted struct {
	Device string
	Err    error
}

// PairingFileResult answers both LoadPairingFile and GeneratePairingFile.
type PairingFileResult struct {
	Device      string
	PairingFile *devicelink.PairingFile
	Generated   bool
	Err         error
}

type Validated struct {
	Err error
}

// InstalledAppsResult maps display name to bundle id.
type InstalledAppsResult struct {
	Device string
	Apps   map[string]string
	Err    error
}

// Installed is tagged with the app display name.
type Installed struct {
	App string
	Err error
}

func (MuxUnavailable) Kind() string      { return KindMuxUnavailable }
func (Devices) Kind() string             { return KindDevices }
func (WirelessEnabled) Kind() string     { return KindWirelessEnabled }
func (DevMode) Kind() string             { return KindDevMode }
func (Mounted) Kind() string             { return KindMounted }
func (PairingFileResult) Kind() string   { return KindPairingFile }
func (Validated) Kind() string           { return KindValidated }
func (InstalledAppsResult) Kind() string { return KindInstalledApps }
func (Installed) Kind() string           { return KindInstalled }

func (r MuxUnavailable) Failure() error      { return r.Err }
func (r Devices) Failure() error             { return r.Err }
func (r WirelessEnabled) Failure() error     { return r.Err }
func (r DevMode) Failure() error             { return r.Err }
func (r Mounted) Failure() error             { return r.Err }
func (r PairingFileResult) Failure() error   { return r.Err }
func (r Validated) Failure() error           { return r.Err }
func (r InstalledAppsResult) Failure() error { return r.Err }
func (r Installed) Failure() error           { return r.Err }
