package devicelink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	customerrors "github.com/bavix/devpair/internal/errors"
)

// Well-known lockdown domains and keys.
const (
	DomainWirelessLockdown = "com.apple.mobile.wireless_lockdown"
	DomainAMFI             = "com.apple.security.mac.amfi"

	KeyDeviceName          = "DeviceName"
	KeyEnableWifiDebugging = "EnableWifiDebugging"
	KeyDeveloperModeStatus = "DeveloperModeStatus"
	KeyUniqueChipID        = "UniqueChipID"
	KeyDevicePublicKey     = "DevicePublicKey"
	KeyWiFiAddress         = "WiFiAddress"
)

type lockdownClient struct {
	pc      *plistConn
	label   string
	session string
	pf      *PairingFile
}

var _ Lockdown = (*lockdownClient)(nil)

func newLockdown(conn net.Conn, label string) *lockdownClient {
	return &lockdownClient{pc: &plistConn{conn: conn}, label: label}
}

// lockdownError translates an Error string from a lockdown response.
func lockdownError(resp map[string]any) error {
	code, ok := stringField(resp, "Error")
	if !ok {
		return nil
	}

	switch code {
	case "PairingDialogResponsePending":
		return customerrors.ErrPairingDialogPending
	case "PasswordProtected":
		return customerrors.ErrPasswordProtected
	case "UserDeniedPairing":
		return customerrors.ErrUserDeniedPairing
	case "InvalidHostID", "InvalidPairRecord":
		return fmt.Errorf("%w: %s", customerrors.ErrPairingFileInvalid, code)
	case "NoRunningSession", "SessionInactive":
		return customerrors.ErrSessionNotStarted
	default:
		return fmt.Errorf("%w: lockdown %s", customerrors.ErrUnexpectedResponse, code)
	}
}

func (l *lockdownClient) call(ctx context.Context, req map[string]any) (map[string]any, error) {
	req["Label"] = l.label

	resp, err := l.pc.request(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := lockdownError(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

func (l *lockdownClient) Value(ctx context.Context, domain, key string) (any, error) {
	req := map[string]any{"Request": "GetValue"}
	if domain != "" {
		req["Domain"] = domain
	}

	if key != "" {
		req["Key"] = key
	}

	resp, err := l.call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	v, ok := resp["Value"]
	if !ok {
		return nil, customerrors.Unexpected("Value")
	}

	return v, nil
}

func (l *lockdownClient) SetValue(ctx context.Context, domain, key string, value any) error {
	if l.session == "" {
		return customerrors.ErrSessionNotStarted
	}

	req := map[string]any{"Request": "SetValue", "Key": key, "Value": value}
	if domain != "" {
		req["Domain"] = domain
	}

	if _, err := l.call(ctx, req); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	return nil
}

func (l *lockdownClient) StartSession(ctx context.Context, pf *PairingFile) error {
	if err := pf.Validate(); err != nil {
		return err
	}

	resp, err := l.call(ctx, map[string]any{
		"Request":    "StartSession",
		"HostID":     pf.HostID,
		"SystemBUID": pf.SystemBUID,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	session, ok := stringField(resp, "SessionID")
	if !ok {
		return customerrors.Unexpected("SessionID")
	}

	if ssl, _ := resp["EnableSessionSSL"].(bool); ssl {
		conn, err := upgradeTLS(ctx, l.pc.conn, pf)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		l.pc.conn = conn
	}

	l.session = session
	l.pf = pf

	return nil
}

// startService asks lockdown for a service port. Requires a session.
func (l *lockdownClient) startService(ctx context.Context, name string) (uint16, bool, error) {
	if l.session == "" {
		return 0, false, customerrors.ErrSessionNotStarted
	}

	req := map[string]any{"Request": "StartService", "Service": name}
	if l.pf != nil && len(l.pf.EscrowBag) > 0 {
		req["EscrowBag"] = l.pf.EscrowBag
	}

	resp, err := l.call(ctx, req)
	if err != nil {
		return 0, false, fmt.Errorf("start service %s: %w", name, err)
	}

	port, ok := uintField(resp, "Port")
	if !ok || port == 0 || port > 0xFFFF {
		return 0, false, customerrors.Unexpected("Port")
	}

	ssl, _ := resp["EnableServiceSSL"].(bool)

	return uint16(port), ssl, nil
}

func (l *lockdownClient) Close() error {
	if l.session != "" {
		// Best effort; the device drops the session with the socket anyway.
		_ = l.pc.send(map[string]any{"Label": l.label, "Request": "StopSession", "SessionID": l.session})
	}

	return l.pc.Close()
}

func upgradeTLS(ctx context.Context, conn net.Conn, pf *PairingFile) (net.Conn, error) {
	cert, err := tls.X509KeyPair(pf.HostCertificate, pf.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: host key pair: %w", customerrors.ErrPairingFileInvalid, err)
	}

	tlsConn := tls.Client(conn, &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Device certificates are self-issued and carry no host name.
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	})

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		var recErr tls.RecordHeaderError
		if errors.As(err, &recErr) {
			return nil, fmt.Errorf("%w: tls: %w", customerrors.ErrUnexpectedResponse, err)
		}

		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	return tlsConn, nil
}
