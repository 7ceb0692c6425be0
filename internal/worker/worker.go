package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/bavix/devpair/internal/automount"
	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
	"github.com/bavix/devpair/internal/metrics"
	"github.com/bavix/devpair/internal/pairing"
)

// Operation names carried by OpError.
const (
	opConnectMux   = "connect mux"
	opListDevices  = "list devices"
	opEnable       = "enable wireless"
	opDevMode      = "check developer mode"
	opMount        = "mount image"
	opLoad         = "load pairing file"
	opGenerate     = "generate pairing file"
	opValidate     = "validate pairing file"
	opInstalledApp = "list installed apps"
	opInstall      = "install pairing file"
)

// MuxHint tells the operator how to get the multiplexing service running on goos.
func MuxHint(goos string) string {
	switch goos {
	case "windows":
		return "Make sure you have iTunes installed from Apple's website, and that it's running."
	case "darwin":
		return "usbmuxd should be running by default on MacOS. Please raise an issue on GitHub."
	default:
		return "Make sure usbmuxd is installed and running."
	}
}

// Options wires a Worker.
type Options struct {
	Link devicelink.Link
	// Dialer reaches devices over the network. Defaults to net.Dialer.
	Dialer devicelink.Dialer
	// Images supplies the disk image for AutoMount.
	Images automount.ImageSource
	// IntentTimeout bounds each intent; zero disables it.
	IntentTimeout time.Duration
	// GOOS selects the MuxUnavailable hint. Defaults to runtime.GOOS.
	GOOS string
}

// Worker is the single consumer of intents.
type Worker struct {
	link    devicelink.Link
	dialer  devicelink.Dialer
	images  automount.ImageSource
	timeout time.Duration
	goos    string

	inbox  *Mailbox[Intent]
	outbox *Mailbox[Result]

	// presence is only touched by the Run goroutine.
	presence map[string]netip.Addr
}

// New creates a worker. Call Run to start processing.
func New(opts Options) *Worker {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}

	if opts.GOOS == "" {
		opts.GOOS = runtime.GOOS
	}

	return &Worker{
		link:     opts.Link,
		dialer:   opts.Dialer,
		images:   opts.Images,
		timeout:  opts.IntentTimeout,
		goos:     opts.GOOS,
		inbox:    NewMailbox[Intent](func(n int) { metrics.M.InboxDepth.Set(float64(n)) }),
		outbox:   NewMailbox[Result](nil),
		presence: make(map[string]netip.Addr),
	}
}

// Send queues an intent. It never blocks and reports false after Stop.
func (w *Worker) Send(i Intent) bool {
	return w.inbox.Push(i)
}

// Next waits for the next result. It returns ErrWorkerStopped once the
// worker has exited and every result was read.
func (w *Worker) Next(ctx context.Context) (Result, error) {
	return w.outbox.Pop(ctx)
}

// Stop closes the inbox. Queued intents are still processed.
func (w *Worker) Stop() {
	w.inbox.Close()
}

// Run processes intents one at a time until ctx is done or Stop was
// called and the inbox drained.
func (w *Worker) Run(ctx context.Context) error {
	defer w.outbox.Close()

	logger := zerolog.Ctx(ctx).With().Str("component", "worker").Logger()
	ctx = logger.WithContext(ctx)

	logger.Debug().Msg("command worker started")

	for {
		in, err := w.inbox.Pop(ctx)
		if err != nil {
			if errors.Is(err, customerrors.ErrWorkerStopped) || ctx.Err() != nil {
				logger.Debug().Msg("command worker stopped")

				return nil
			}

			return err
		}

		if res := w.process(ctx, in); res != nil {
			w.outbox.Push(res)
		}
	}
}

func (w *Worker) process(ctx context.Context, in Intent) Result {
	if d, ok := in.(DiscoveredDevice); ok {
		w.discovered(ctx, d)

		return nil
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	logger := zerolog.Ctx(ctx).With().Str("intent", in.IntentName()).Logger()
	ctx = logger.WithContext(ctx)

	start := time.Now()
	res := w.dispatch(ctx, in)

	metrics.ObserveIntent(in.IntentName(), time.Since(start), res.Failure())

	if err := res.Failure(); err != nil {
		logger.Warn().Err(err).Str("result", res.Kind()).Msg("intent failed")
	} else {
		logger.Debug().Str("result", res.Kind()).Dur("took", time.Since(start)).Msg("intent done")
	}

	return res
}

//nolint:cyclop // one case per intent
func (w *Worker) dispatch(ctx context.Context, in Intent) Result {
	switch i := in.(type) {
	case GetDevices:
		return w.getDevices(ctx)
	case EnableWireless:
		return w.enableWireless(ctx, i)
	case CheckDevMode:
		return w.checkDevMode(ctx, i)
	case AutoMount:
		return w.autoMount(ctx, i)
	case LoadPairingFile:
		return w.loadPairingFile(ctx, i)
	case GeneratePairingFile:
		return w.generatePairingFile(ctx, i)
	case Validate:
		return w.validate(ctx, i)
	case InstalledApps:
		return w.installedApps(ctx, i)
	case InstallPairingFile:
		return w.installPairingFile(ctx, i)
	default:
		panic(fmt.Sprintf("worker: unknown intent %T", in))
	}
}

func (w *Worker) connectMux(ctx context.Context) (devicelink.Mux, *MuxUnavailable) {
	mux, err := w.link.ConnectMux(ctx)
	if err != nil {
		return nil, &MuxUnavailable{
			Err:  customerrors.Op(opConnectMux, "", err),
			Hint: MuxHint(w.goos),
		}
	}

	return mux, nil
}

func (w *Worker) getDevices(ctx context.Context) Result {
	logger := zerolog.Ctx(ctx)

	mux, unavailable := w.connectMux(ctx)
	if unavailable != nil {
		return *unavailable
	}
	defer mux.Close()

	list, err := mux.Devices(ctx)
	if err != nil {
		return Devices{Err: customerrors.Op(opListDevices, "", err)}
	}

	devices := make(map[string]devicelink.Device, len(list))

	for _, dev := range list {
		if !dev.IsUSB() {
			continue
		}

		name, err := w.deviceName(ctx, dev)
		if err != nil {
			logger.Error().Err(err).Str("udid", dev.UDID).Msg("failed to read device name")

			continue
		}

		// Later duplicates overwrite earlier ones.
		devices[name] = dev
	}

	return Devices{Devices: devices}
}

func (w *Worker) deviceName(ctx context.Context, dev devicelink.Device) (string, error) {
	lc, err := w.link.ConnectLockdown(ctx, dev)
	if err != nil {
		return "", fmt.Errorf("connect lockdown: %w", err)
	}
	defer lc.Close()

	v, err := lc.Value(ctx, "", devicelink.KeyDeviceName)
	if err != nil {
		return "", err
	}

	name, ok := v.(string)
	if !ok {
		return "", customerrors.Unexpected(devicelink.KeyDeviceName)
	}

	return name, nil
}

// session opens lockdown on dev and authenticates with the stored pair record.
func (w *Worker) session(ctx context.Context, mux devicelink.Mux, dev devicelink.Device) (devicelink.Lockdown, error) {
	lc, err := w.link.ConnectLockdown(ctx, dev)
	if err != nil {
		return nil, fmt.Errorf("connect lockdown: %w", err)
	}

	pf, err := pairing.Load(ctx, mux, dev)
	if err != nil {
		_ = lc.Close()

		return nil, err
	}

	if err := lc.StartSession(ctx, pf); err != nil {
		_ = lc.Close()

		return nil, fmt.Errorf("start session: %w", err)
	}

	return lc, nil
}

func (w *Worker) enableWireless(ctx context.Context, i EnableWireless) Result {
	mux, unavailable := w.connectMux(ctx)
	if unavailable != nil {
		return *unavailable
	}
	defer mux.Close()

	fail := func(err error) Result {
		return WirelessEnabled{Device: i.subject(), Err: customerrors.Op(opEnable, i.subject(), err)}
	}

	lc, err := w.session(ctx, mux, i.Device)
	if err != nil {
		return fail(err)
	}
	defer lc.Close()

	if err := lc.SetValue(ctx, devicelink.DomainWirelessLockdown, devicelink.KeyEnableWifiDebugging, true); err != nil {
		return fail(fmt.Errorf("set %s: %w", devicelink.KeyEnableWifiDebugging, err))
	}

	zerolog.Ctx(ctx).Info().Str("device", i.subject()).Msg("wireless debugging enabled")

	return WirelessEnabled{Device: i.subject()}
}

func (w *Worker) checkDevMode(ctx context.Context, i CheckDevMode) Result {
	mux, unavailable := w.connectMux(ctx)
	if unavailable != nil {
		return *unavailable
	}
	defer mux.Close()

	fail := func(err error) Result {
		return DevMode{Device: i.subject(), Err: customerrors.Op(opDevMode, i.subject(), err)}
	}

	lc, err := w.session(ctx, mux, i.Device)
	if err != nil {
		return fail(err)
	}
	defer lc.Close()

	v, err := lc.Value(ctx, devicelink.DomainAMFI, devicelink.KeyDeveloperModeStatus)
	if err != nil {
		return fail(fmt.Errorf("get %s: %w", devicelink.KeyDeveloperModeStatus, err))
	}

	enabled, ok := v.(bool)
	if !ok {
		return fail(customerrors.Unexpected(devicelink.KeyDeveloperModeStatus))
	}

	return DevMode{Device: i.subject(), Enabled: enabled}
}

func (w *Worker) autoMount(ctx context.Context, i AutoMount) Result {
	var err error
	if w.images == nil {
		err = customerrors.ErrAssetsNotLoaded
	} else {
		err = automount.Mount(ctx, w.link, w.images, i.Device)
	}

	return Mounted{Device: i.subject(), Err: customerrors.Op(opMount, i.subject(), err)}
}

func (w *Worker) loadPairingFile(ctx context.Context, i LoadPairingFile) Result {
	mux, unavailable := w.connectMux(ctx)
	if unavailable != nil {
		return *unavailable
	}
	defer mux.Close()

	pf, err := pairing.Load(ctx, mux, i.Device)
	if err != nil {
		return PairingFileResult{Device: i.subject(), Err: customerrors.Op(opLoad, i.subject(), err)}
	}

	return PairingFileResult{Device: i.subject(), PairingFile: pf}
}

func (w *Worker) generatePairingFile(ctx context.Context, i GeneratePairingFile) Result {
	mux, unavailable := w.connectMux(ctx)
	if unavailable != nil {
		return *unavailable
	}
	defer mux.Close()

	pf, err := pairing.Generate(ctx, w.link, mux, i.Device)
	if err != nil {
		return PairingFileResult{
			Device:    i.subject(),
			Generated: true,
			Err:       customerrors.Op(opGenerate, i.subject(), err),
		}
	}

	zerolog.Ctx(ctx).Info().Str("device", i.subject()).Msg("pairing file generated")

	return PairingFileResult{Device: i.subject(), PairingFile: pf, Generated: true}
}

func (w *Worker) validate(ctx context.Context, i Validate) Result {
	var hwID string
	if i.PairingFile != nil {
		hwID = i.PairingFile.HardwareID()
	}

	fail := func(err error) Result {
		return Validated{Err: customerrors.Op(opValidate, hwID, err)}
	}

	if i.PairingFile == nil {
		return fail(customerrors.ErrPairingFileRequired)
	}

	addr := i.Addr
	if !addr.IsValid() {
		known, ok := w.presence[hwID]
		if !ok {
			return fail(customerrors.ErrAddressNotFoundWithMAC(i.PairingFile.WiFiMACAddress))
		}

		addr = known
	}

	zerolog.Ctx(ctx).Debug().Stringer("addr", addr).Str("hw_id", hwID).Msg("validating over network")

	if err := pairing.Validate(ctx, w.link, w.dialer, addr, i.PairingFile); err != nil {
		return fail(err)
	}

	return Validated{}
}

func (w *Worker) installedApps(ctx context.Context, i InstalledApps) Result {
	apps, err := pairing.InstalledApps(ctx, w.link, i.Device, i.Names)
	if err != nil {
		return InstalledAppsResult{Device: i.subject(), Err: customerrors.Op(opInstalledApp, i.subject(), err)}
	}

	return InstalledAppsResult{Device: i.subject(), Apps: apps}
}

func (w *Worker) installPairingFile(ctx context.Context, i InstallPairingFile) Result {
	if i.PairingFile == nil {
		return Installed{App: i.App.Name, Err: customerrors.Op(opInstall, i.App.Name, customerrors.ErrPairingFileRequired)}
	}

	err := pairing.Install(ctx, w.link, i.Device, i.BundleID, i.App, i.PairingFile)
	if err != nil {
		return Installed{App: i.App.Name, Err: customerrors.Op(opInstall, i.App.Name, err)}
	}

	zerolog.Ctx(ctx).Info().Str("app", i.App.Name).Str("device", i.subject()).Msg("pairing file installed")

	return Installed{App: i.App.Name}
}

func (w *Worker) discovered(ctx context.Context, d DiscoveredDevice) {
	id := devicelink.NormalizeHardwareID(d.HardwareID)
	if id == "" || !d.Addr.IsValid() {
		return
	}

	// Last write wins; entries never expire.
	w.presence[id] = d.Addr
	metrics.M.TrackedPresence.Set(float64(len(w.presence)))

	zerolog.Ctx(ctx).Trace().Str("hw_id", id).Stringer("addr", d.Addr).Msg("presence updated")
}
