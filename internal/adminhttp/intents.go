package adminhttp

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/pairing"
	"github.com/bavix/devpair/internal/state"
	"github.com/bavix/devpair/internal/worker"
)

// Request types accepted by POST /api/v1/intents. Besides the worker
// intents, "select" picks a device and refreshes everything shown for it.
const (
	RequestSelect = "select"
)

var (
	errUnknownRequest = errors.New("unknown request type")
	errNoDevice       = errors.New("no device selected")
)

// IntentRequest is the body of POST /api/v1/intents. Device defaults to the
// selected device; Addr is only used by validate.
type IntentRequest struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
	Addr   string `json:"addr,omitempty"`
	App    string `json:"app,omitempty"`
}

func target(st state.State, name string) (worker.Target, error) {
	if name == "" {
		name = st.SelectedDevice
	}

	if name == "" {
		return worker.Target{}, errNoDevice
	}

	dev, ok := st.Devices[name]
	if !ok {
		return worker.Target{}, customerrors.ErrDeviceNotFoundWithName(name)
	}

	return worker.Target{Device: dev, Name: name}, nil
}

// deviceScoped lists the request types that act on one device.
var deviceScoped = map[string]struct{}{ //nolint:gochecknoglobals // lookup table
	RequestSelect:                    {},
	worker.IntentEnableWireless:      {},
	worker.IntentCheckDevMode:        {},
	worker.IntentAutoMount:           {},
	worker.IntentLoadPairingFile:     {},
	worker.IntentGeneratePairingFile: {},
	worker.IntentInstalledApps:       {},
	worker.IntentInstallPairingFile:  {},
}

// selectIntents is what picking a device starts, in send order.
func selectIntents(t worker.Target, apps *pairing.Apps) []worker.Intent {
	return []worker.Intent{
		worker.EnableWireless{Target: t},
		worker.CheckDevMode{Target: t},
		worker.AutoMount{Target: t},
		worker.InstalledApps{Target: t, Names: apps.Names()},
	}
}

// plan turns a request into the next state and the intents to send, in
// order. No intents means the request only changes state.
//
//nolint:cyclop,funlen // one case per request type
func plan(st state.State, apps *pairing.Apps, req IntentRequest) (state.State, []worker.Intent, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Type))

	switch kind {
	case worker.IntentGetDevices:
		return st, []worker.Intent{worker.GetDevices{}}, nil

	case worker.IntentValidate:
		if st.PairingFile == nil {
			return st, nil, customerrors.ErrPairingFileRequired
		}

		in := worker.Validate{PairingFile: st.PairingFile}

		if req.Addr != "" {
			addr, err := netip.ParseAddr(req.Addr)
			if err != nil {
				return st, nil, fmt.Errorf("%w: %s", customerrors.ErrInvalidAddress, req.Addr)
			}

			in.Addr = addr
		}

		return state.BeginValidate(st), []worker.Intent{in}, nil
	}

	if _, ok := deviceScoped[kind]; !ok {
		return st, nil, fmt.Errorf("%w: %q", errUnknownRequest, req.Type)
	}

	t, err := target(st, req.Device)
	if err != nil {
		return st, nil, err
	}

	var in worker.Intent

	switch kind {
	case RequestSelect:
		return state.Select(st, t.Name), selectIntents(t, apps), nil
	case worker.IntentEnableWireless:
		in = worker.EnableWireless{Target: t}
	case worker.IntentCheckDevMode:
		in = worker.CheckDevMode{Target: t}
	case worker.IntentAutoMount:
		in = worker.AutoMount{Target: t}
	case worker.IntentLoadPairingFile:
		in = worker.LoadPairingFile{Target: t}
	case worker.IntentGeneratePairingFile:
		in = worker.GeneratePairingFile{Target: t}
	case worker.IntentInstalledApps:
		in = worker.InstalledApps{Target: t, Names: apps.Names()}
	case worker.IntentInstallPairingFile:
		app, err := apps.Lookup(req.App)
		if err != nil {
			return st, nil, err
		}

		bundleID, ok := st.InstalledApps[app.Name]
		if !ok {
			return st, nil, customerrors.ErrAppNotFoundWithName(app.Name)
		}

		if st.PairingFile == nil {
			return st, nil, customerrors.ErrPairingFileRequired
		}

		return state.BeginInstall(st, app.Name), []worker.Intent{worker.InstallPairingFile{
			Target:      t,
			App:         app,
			BundleID:    bundleID,
			PairingFile: st.PairingFile,
		}}, nil
	}

	return st, []worker.Intent{in}, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, customerrors.ErrDeviceNotFound),
		errors.Is(err, customerrors.ErrAppNotFound):
		return http.StatusNotFound
	case errors.Is(err, customerrors.ErrPairingFileRequired),
		errors.Is(err, errNoDevice):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

