package devicelink

import (
	"context"
	"errors"
	"fmt"
	"net"

	customerrors "github.com/bavix/devpair/internal/errors"
)

// DefaultLabel identifies this host to the multiplexing service and lockdown.
const DefaultLabel = "devpair"

// NativeOptions configures the built-in Link implementation.
type NativeOptions struct {
	// MuxAddress overrides the platform default, see ParseMuxAddress.
	MuxAddress   string
	Label        string
	Personalizer Personalizer
	Dialer       Dialer
}

// Native speaks the multiplexing and control protocols directly.
type Native struct {
	network      string
	address      string
	label        string
	personalizer Personalizer
	dialer       Dialer
}

var _ Link = (*Native)(nil)

func NewNative(opts NativeOptions) *Native {
	n := &Native{
		label:        opts.Label,
		personalizer: opts.Personalizer,
		dialer:       opts.Dialer,
	}

	if opts.MuxAddress != "" {
		n.network, n.address = ParseMuxAddress(opts.MuxAddress)
	} else {
		n.network, n.address = DefaultMuxAddress()
	}

	if n.label == "" {
		n.label = DefaultLabel
	}

	if n.dialer == nil {
		n.dialer = &net.Dialer{}
	}

	return n
}

func (n *Native) dialMux(ctx context.Context) (*muxConn, error) {
	conn, err := n.dialer.DialContext(ctx, n.network, n.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrServiceUnavailable, err)
	}

	return &muxConn{conn: conn, label: n.label}, nil
}

// ConnectMux opens a control connection to the multiplexing service.
func (n *Native) ConnectMux(ctx context.Context) (Mux, error) {
	m, err := n.dialMux(ctx)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (n *Native) connectPort(ctx context.Context, dev Device, port uint16) (net.Conn, error) {
	m, err := n.dialMux(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := m.connect(ctx, dev.ID, port)
	if err != nil {
		_ = m.Close()

		return nil, err
	}

	return conn, nil
}

func (n *Native) connectLockdown(ctx context.Context, dev Device) (*lockdownClient, error) {
	conn, err := n.connectPort(ctx, dev, LockdownPort)
	if err != nil {
		return nil, err
	}

	return newLockdown(conn, n.label), nil
}

func (n *Native) ConnectLockdown(ctx context.Context, dev Device) (Lockdown, error) {
	lc, err := n.connectLockdown(ctx, dev)
	if err != nil {
		return nil, err
	}

	return lc, nil
}

func (n *Native) LockdownOverConn(_ context.Context, conn net.Conn) (Lockdown, error) {
	if conn == nil {
		return nil, errors.New("nil connection")
	}

	return newLockdown(conn, n.label), nil
}

// startService opens an authenticated lockdown session, asks it to start
// service and returns a stream to the service port.
func (n *Native) startService(ctx context.Context, dev Device, service string) (net.Conn, error) {
	m, err := n.dialMux(ctx)
	if err != nil {
		return nil, err
	}

	pf, err := m.PairRecord(ctx, dev.UDID)
	_ = m.Close()

	if err != nil {
		return nil, err
	}

	ld, err := n.connectLockdown(ctx, dev)
	if err != nil {
		return nil, err
	}

	defer func() { _ = ld.Close() }()

	if err := ld.StartSession(ctx, pf); err != nil {
		return nil, err
	}

	port, ssl, err := ld.startService(ctx, service)
	if err != nil {
		return nil, err
	}

	conn, err := n.connectPort(ctx, dev, port)
	if err != nil {
		return nil, err
	}

	if !ssl {
		return conn, nil
	}

	tlsConn, err := upgradeTLS(ctx, conn, pf)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	return tlsConn, nil
}

func (n *Native) ConnectInstallationProxy(ctx context.Context, dev Device) (InstallationProxy, error) {
	conn, err := n.startService(ctx, dev, ServiceInstallationProxy)
	if err != nil {
		return nil, err
	}

	return &installProxy{pc: &plistConn{conn: conn}}, nil
}

func (n *Native) VendContainer(ctx context.Context, dev Device, bundleID string) (Container, error) {
	conn, err := n.startService(ctx, dev, ServiceHouseArrest)
	if err != nil {
		return nil, err
	}

	afc, err := vendContainer(ctx, &plistConn{conn: conn}, bundleID)
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	return afc, nil
}

func (n *Native) ConnectImageMounter(ctx context.Context, dev Device) (ImageMounter, error) {
	conn, err := n.startService(ctx, dev, ServiceImageMounter)
	if err != nil {
		return nil, err
	}

	return &imageMounter{pc: &plistConn{conn: conn}, personalizer: n.personalizer}, nil
}
