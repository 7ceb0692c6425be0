// Package state is the interactive view of the worker's results. Every
// function here is pure: it returns a new State and never mutates its input.
package state

import (
	"fmt"
	"maps"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/worker"
)

// LoadingPlaceholder is shown until the first device list arrives.
const LoadingPlaceholder = "Loading..."

// Outcome is a finished or pending operation as the UI sees it.
type Outcome struct {
	Pending bool   `json:"pending,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"error_kind,omitempty"`
}

func outcome(err error) *Outcome {
	if err == nil {
		return &Outcome{OK: true}
	}

	return &Outcome{Error: err.Error(), Kind: string(customerrors.Classify(err))}
}

// DevMode extends Outcome with the reported flag.
type DevMode struct {
	Outcome

	Enabled bool `json:"enabled"`
}

// State is everything an operator sees.
type State struct {
	Devices            map[string]devicelink.Device `json:"devices"`
	DevicesPlaceholder string                       `json:"devices_placeholder,omitempty"`
	SelectedDevice     string                       `json:"selected_device,omitempty"`

	Wireless *Outcome `json:"wireless,omitempty"`
	DevMode  *DevMode `json:"dev_mode,omitempty"`
	Mount    *Outcome `json:"mount,omitempty"`

	PairingFile        *devicelink.PairingFile `json:"-"`
	PairingFileText    string                  `json:"pairing_file,omitempty"`
	PairingFileMessage string                  `json:"pairing_file_message,omitempty"`

	SupportedApps []pairing.App       `json:"supported_apps"`
	InstalledApps map[string]string   `json:"installed_apps,omitempty"`
	AppsError     string              `json:"installed_apps_error,omitempty"`
	Installs      map[string]*Outcome `json:"installs,omitempty"`

	Validation *Outcome `json:"validation,omitempty"`
}

// New returns the initial state.
func New(apps []pairing.App) State {
	return State{
		DevicesPlaceholder: LoadingPlaceholder,
		SupportedApps:      append([]pairing.App(nil), apps...),
	}
}

func (s State) clone() State {
	s.Devices = maps.Clone(s.Devices)
	s.InstalledApps = maps.Clone(s.InstalledApps)
	s.Installs = maps.Clone(s.Installs)
	s.SupportedApps = append([]pairing.App(nil), s.SupportedApps...)

	return s
}

// Select picks a device and clears everything learned about the previous one.
func Select(s State, name string) State {
	s = s.clone()
	s.SelectedDevice = name
	s.Wireless = nil
	s.DevMode = nil
	s.Mount = nil
	s.PairingFile = nil
	s.PairingFileText = ""
	s.PairingFileMessage = ""
	s.InstalledApps = nil
	s.AppsError = ""
	s.Installs = nil
	s.Validation = nil

	return s
}

// BeginValidate marks a validation in flight.
func BeginValidate(s State) State {
	s = s.clone()
	s.Validation = &Outcome{Pending: true}

	return s
}

// BeginInstall opens the result slot for app. Install results for apps
// without a slot are ignored.
func BeginInstall(s State, app string) State {
	s = s.clone()
	if s.Installs == nil {
		s.Installs = make(map[string]*Outcome)
	}

	s.Installs[app] = &Outcome{Pending: true}

	return s
}

// stale reports a result addressed to a device other than the selected one.
func stale(s State, device string) bool {
	return device != "" && s.SelectedDevice != "" && device != s.SelectedDevice
}

// resultDevice is the device a result reports on, or "" for global results.
func resultDevice(r worker.Result) string {
	switch res := r.(type) {
	case worker.WirelessEnabled:
		return res.Device
	case worker.DevMode:
		return res.Device
	case worker.Mounted:
		return res.Device
	case worker.PairingFileResult:
		return res.Device
	case worker.InstalledAppsResult:
		return res.Device
	default:
		return ""
	}
}

// Apply folds one worker result into s. Results for a device that is no
// longer selected are dropped.
//
//nolint:cyclop,funlen // one case per result
func Apply(s State, r worker.Result) State {
	if stale(s, resultDevice(r)) {
		return s
	}

	s = s.clone()

	switch res := r.(type) {
	case worker.MuxUnavailable:
		s.Devices = nil
		s.DevicesPlaceholder = fmt.Sprintf("Failed to connect to usbmuxd! %s\n\n%v", res.Hint, res.Err)

	case worker.Devices:
		if res.Err != nil {
			s.Devices = nil
			s.DevicesPlaceholder = fmt.Sprintf("Failed to get list of connected devices from usbmuxd! %v", res.Err)

			break
		}

		s.Devices = maps.Clone(res.Devices)
		if s.Devices == nil {
			s.Devices = map[string]devicelink.Device{}
		}

		s.DevicesPlaceholder = ""
		if len(s.Devices) == 0 {
			s.DevicesPlaceholder = "No devices connected! Plug one in via USB."
		}

		if _, ok := s.Devices[s.SelectedDevice]; !ok {
			s.SelectedDevice = ""
		}

	case worker.WirelessEnabled:
		s.Wireless = outcome(res.Err)

	case worker.DevMode:
		s.DevMode = &DevMode{Outcome: *outcome(res.Err), Enabled: res.Enabled}

	case worker.Mounted:
		s.Mount = outcome(res.Err)

	case worker.PairingFileResult:
		if res.Err != nil {
			s.PairingFileMessage = res.Err.Error()

			break
		}

		text, err := pairing.Pretty(res.PairingFile)
		if err != nil {
			s.PairingFileMessage = err.Error()

			break
		}

		s.PairingFile = res.PairingFile
		s.PairingFileText = text
		s.PairingFileMessage = ""

	case worker.Validated:
		s.Validation = outcome(res.Err)

	case worker.InstalledAppsResult:
		if res.Err != nil {
			s.InstalledApps = nil
			s.AppsError = res.Err.Error()

			break
		}

		s.InstalledApps = maps.Clone(res.Apps)
		s.AppsError = ""

	case worker.Installed:
		if _, ok := s.Installs[res.App]; ok {
			s.Installs[res.App] = outcome(res.Err)
		}
	}

	return s
}
