// Package worker serializes every device operation through one goroutine.
// Callers send Intents and read Results in the same order.
package worker

import (
	"net/netip"

	"github.com/bavix/devpair/internal/devicelink"
	"github.com/bavix/devpair/internal/pairing"
)

// Intent names, also used as metric labels.
const (
	IntentGetDevices          = "get_devices"
	IntentEnableWireless      = "enable_wireless"
	IntentCheckDevMode        = "check_dev_mode"
	IntentAutoMount           = "auto_mount"
	IntentLoadPairingFile     = "load_pairing_file"
	IntentGeneratePairingFile = "generate_pairing_file"
	IntentValidate            = "validate"
	IntentInstalledApps       = "installed_apps"
	IntentInstallPairingFile  = "install_pairing_file"
	IntentDiscoveredDevice    = "discovered_device"
)

// Intent is a request for the worker. The set is closed.
type Intent interface {
	IntentName() string
	intent()
}

// Target names the device an intent acts on. Name is the display name
// used in results and errors.
type Target struct {
	Device devicelink.Device
	Name   string
}

func (t Target) subject() string {
	if t.Name != "" {
		return t.Name
	}

	return t.Device.UDID
}

// GetDevices lists USB devices by display name.
type GetDevices struct{}

// EnableWireless turns on wireless debugging.
type EnableWireless struct{ Target }

// CheckDevMode reads whether developer mode is on.
type CheckDevMode struct{ Target }

// AutoMount mounts the developer disk image unless one is mounted.
type AutoMount struct{ Target }

// LoadPairingFile reads the stored pairing record.
type LoadPairingFile struct{ Target }

// GeneratePairingFile runs a fresh pairing handshake.
type GeneratePairingFile struct{ Target }

// Validate starts a session over the network. A zero Addr means the
// address is taken from discovery by the credential's WiFi MAC.
type Validate struct {
	Addr        netip.Addr
	PairingFile *devicelink.PairingFile
}

// InstalledApps finds which of Names are installed.
type InstalledApps struct {
	Target
	Names []string
}

// InstallPairingFile writes the credential into an app's container.
type InstallPairingFile struct {
	Target
	App         pairing.App
	BundleID    string
	PairingFile *devicelink.PairingFile
}

// DiscoveredDevice records a network presence. It produces no result.
type DiscoveredDevice struct {
	Addr       netip.Addr
	HardwareID string
}

func (GetDevices) IntentName() string          { return IntentGetDevices }
func (EnableWireless) IntentName() string      { return IntentEnableWireless }
func (CheckDevMode) IntentName() string        { return IntentCheckDevMode }
func (AutoMount) IntentName() string           { return IntentAutoMount }
func (LoadPairingFile) IntentName() string     { return IntentLoadPairingFile }
func (GeneratePairingFile) IntentName() string { return IntentGeneratePairingFile }
func (Validate) IntentName() string            { return IntentValidate }
func (InstalledApps) IntentName() string       { return IntentInstalledApps }
func (InstallPairingFile) IntentName() string  { return IntentInstallPairingFile }
func (DiscoveredDevice) IntentName() string    { return IntentDiscoveredDevice }

func (GetDevices) intent()          {}
func (EnableWireless) intent()      {}
func (CheckDevMode) intent()        {}
func (AutoMount) intent()           {}
func (LoadPairingFile) intent()     {}
func (GeneratePairingFile) intent() {}
func (Validate) intent()            {}
func (InstalledApps) intent()       {}
func (InstallPairingFile) intent()  {}
func (DiscoveredDevice) intent()    {}
