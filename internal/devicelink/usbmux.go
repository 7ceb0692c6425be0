package devicelink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"

	"howett.net/plist"

	customerrors "github.com/bavix/devpair/internal/errors"
)

const (
	muxHeaderSize   = 16
	muxVersion      = 1
	muxPlistMessage = 8

	muxClientVersion = "devpair"
	muxLibVersion    = 3

	muxAddressEnv = "USBMUXD_SOCKET_ADDRESS"
)

// Mux result codes.
const (
	muxResultOK          = 0
	muxResultBadCommand  = 1
	muxResultBadDevice   = 2
	muxResultConnRefused = 3
	muxResultBadVersion  = 6
)

// DefaultMuxAddress returns the network and address of the platform's
// multiplexing service. USBMUXD_SOCKET_ADDRESS overrides it.
func DefaultMuxAddress() (network, address string) {
	if env := os.Getenv(muxAddressEnv); env != "" {
		return ParseMuxAddress(env)
	}

	if runtime.GOOS == "windows" {
		return "tcp", "127.0.0.1:27015"
	}

	return "unix", "/var/run/usbmuxd"
}

// ParseMuxAddress accepts "UNIX:/path", "unix:/path", an absolute socket path
// or host:port.
func ParseMuxAddress(s string) (network, address string) {
	switch {
	case strings.HasPrefix(strings.ToUpper(s), "UNIX:"):
		return "unix", s[len("UNIX:"):]
	case strings.HasPrefix(s, "/"):
		return "unix", s
	default:
		return "tcp", s
	}
}

type muxConn struct {
	conn  net.Conn
	label string
	tag   uint32
}

var _ Mux = (*muxConn)(nil)

func (m *muxConn) request(ctx context.Context, msgType string, fields map[string]any) (map[string]any, error) {
	defer bindContext(ctx, m.conn)()

	req := map[string]any{
		"MessageType":         msgType,
		"ClientVersionString": muxClientVersion,
		"ProgName":            m.label,
		"kLibUSBMuxVersion":   muxLibVersion,
	}
	for k, v := range fields {
		req[k] = v
	}

	body, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msgType, err)
	}

	m.tag++

	frame := make([]byte, muxHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(frame))) //nolint:gosec
	binary.LittleEndian.PutUint32(frame[4:], muxVersion)
	binary.LittleEndian.PutUint32(frame[8:], muxPlistMessage)
	binary.LittleEndian.PutUint32(frame[12:], m.tag)
	copy(frame[muxHeaderSize:], body)

	if _, err := m.conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write %s: %w", msgType, err)
	}

	var hdr [muxHeaderSize]byte
	if _, err := io.ReadFull(m.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("read %s header: %w", msgType, err)
	}

	size := binary.LittleEndian.Uint32(hdr[0:])
	if size < muxHeaderSize || size > maxMessageSize {
		return nil, customerrors.Unexpected(fmt.Sprintf("mux frame size %d", size))
	}

	payload := make([]byte, size-muxHeaderSize)
	if _, err := io.ReadFull(m.conn, payload); err != nil {
		return nil, fmt.Errorf("read %s body: %w", msgType, err)
	}

	var out map[string]any
	if _, err := plist.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrUnexpectedResponse, err)
	}

	return out, nil
}

// resultError converts a mux Result message into an error.
func resultError(resp map[string]any) error {
	code, ok := uintField(resp, "Number")
	if !ok {
		return nil
	}

	switch code {
	case muxResultOK:
		return nil
	case muxResultBadDevice:
		return customerrors.ErrDeviceNotFound
	case muxResultConnRefused:
		return fmt.Errorf("mux: connection refused by device")
	case muxResultBadCommand, muxResultBadVersion:
		return customerrors.Unexpected(fmt.Sprintf("mux result %d", code))
	default:
		return fmt.Errorf("mux: result %d", code)
	}
}

func (m *muxConn) Devices(ctx context.Context) ([]Device, error) {
	resp, err := m.request(ctx, "ListDevices", nil)
	if err != nil {
		return nil, err
	}

	list, ok := resp["DeviceList"].([]any)
	if !ok {
		return nil, customerrors.Unexpected("DeviceList")
	}

	devices := make([]Device, 0, len(list))

	for _, entry := range list {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		props, ok := item["Properties"].(map[string]any)
		if !ok {
			continue
		}

		id, ok := uintField(props, "DeviceID")
		if !ok {
			id, _ = uintField(item, "DeviceID")
		}

		udid, _ := stringField(props, "SerialNumber")
		conn, _ := stringField(props, "ConnectionType")

		devices = append(devices, Device{
			ID:         uint32(id), //nolint:gosec
			UDID:       udid,
			Connection: ConnectionType(conn),
		})
	}

	return devices, nil
}

func (m *muxConn) PairRecord(ctx context.Context, udid string) (*PairingFile, error) {
	resp, err := m.request(ctx, "ReadPairRecord", map[string]any{"PairRecordID": udid})
	if err != nil {
		return nil, err
	}

	data, ok := bytesField(resp, "PairRecordData")
	if !ok {
		if err := resultError(resp); err != nil {
			return nil, fmt.Errorf("read pair record: %w", err)
		}

		return nil, customerrors.Unexpected("PairRecordData")
	}

	pf, err := ParsePairingFile(data)
	if err != nil {
		return nil, err
	}

	// Stored records are keyed by UDID and usually omit it.
	if pf.UDID == "" {
		pf.UDID = udid
	}

	return pf, nil
}

func (m *muxConn) BUID(ctx context.Context) (string, error) {
	resp, err := m.request(ctx, "ReadBUID", nil)
	if err != nil {
		return "", err
	}

	buid, ok := stringField(resp, "BUID")
	if !ok {
		return "", customerrors.Unexpected("BUID")
	}

	return buid, nil
}

// connect turns the mux socket into a raw stream to port on the device.
// The muxConn must not be used afterwards.
func (m *muxConn) connect(ctx context.Context, deviceID uint32, port uint16) (net.Conn, error) {
	resp, err := m.request(ctx, "Connect", map[string]any{
		"DeviceID":   deviceID,
		"PortNumber": port<<8 | port>>8, // network byte order
	})
	if err != nil {
		return nil, err
	}

	if _, ok := resp["Number"]; !ok {
		return nil, customerrors.Unexpected("Connect result")
	}

	if err := resultError(resp); err != nil {
		return nil, fmt.Errorf("connect to port %d: %w", port, err)
	}

	return m.conn, nil
}

func (m *muxConn) Close() error {
	return m.conn.Close()
}
