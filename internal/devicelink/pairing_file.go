package devicelink

import (
	"bytes"
	"fmt"
	"strings"

	"howett.net/plist"

	customerrors "github.com/bavix/devpair/internal/errors"
)

// PairingFile is the trust record that authorizes a host to open
// authenticated sessions with one device.
type PairingFile struct {
	DeviceCertificate []byte `plist:"DeviceCertificate"`
	HostPrivateKey    []byte `plist:"HostPrivateKey"`
	HostCertificate   []byte `plist:"HostCertificate"`
	RootPrivateKey    []byte `plist:"RootPrivateKey"`
	RootCertificate   []byte `plist:"RootCertificate"`
	SystemBUID        string `plist:"SystemBUID"`
	HostID            string `plist:"HostID"`
	EscrowBag         []byte `plist:"EscrowBag,omitempty"`
	WiFiMACAddress    string `plist:"WiFiMACAddress,omitempty"`
	UDID              string `plist:"UDID,omitempty"`
}

// ParsePairingFile decodes a serialized pairing record (XML or binary plist).
func ParsePairingFile(data []byte) (*PairingFile, error) {
	var pf PairingFile
	if _, err := plist.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrPairingFileInvalid, err)
	}

	if err := pf.Validate(); err != nil {
		return nil, err
	}

	return &pf, nil
}

// Validate checks that the record can authenticate a session.
func (pf *PairingFile) Validate() error {
	switch {
	case pf == nil:
		return customerrors.ErrPairingFileRequired
	case pf.HostID == "":
		return fmt.Errorf("%w: missing HostID", customerrors.ErrPairingFileInvalid)
	case len(pf.HostCertificate) == 0 || len(pf.HostPrivateKey) == 0:
		return fmt.Errorf("%w: missing host credentials", customerrors.ErrPairingFileInvalid)
	}

	return nil
}

// Serialize encodes the record as an XML property list.
func (pf *PairingFile) Serialize() ([]byte, error) {
	if pf == nil {
		return nil, customerrors.ErrPairingFileRequired
	}

	var buf bytes.Buffer

	enc := plist.NewEncoderForFormat(&buf, plist.XMLFormat)
	enc.Indent("\t")

	if err := enc.Encode(pf); err != nil {
		return nil, fmt.Errorf("serialize pairing file: %w", err)
	}

	return buf.Bytes(), nil
}

// WithUDID returns a copy of the record carrying udid.
func (pf *PairingFile) WithUDID(udid string) *PairingFile {
	out := pf.Clone()
	out.UDID = udid

	return out
}

// Clone returns a deep copy.
func (pf *PairingFile) Clone() *PairingFile {
	if pf == nil {
		return nil
	}

	return &PairingFile{
		DeviceCertificate: bytes.Clone(pf.DeviceCertificate),
		HostPrivateKey:    bytes.Clone(pf.HostPrivateKey),
		HostCertificate:   bytes.Clone(pf.HostCertificate),
		RootPrivateKey:    bytes.Clone(pf.RootPrivateKey),
		RootCertificate:   bytes.Clone(pf.RootCertificate),
		SystemBUID:        pf.SystemBUID,
		HostID:            pf.HostID,
		EscrowBag:         bytes.Clone(pf.EscrowBag),
		WiFiMACAddress:    pf.WiFiMACAddress,
		UDID:              pf.UDID,
	}
}

// HardwareID returns the normalized WiFi MAC used to match discovery records.
func (pf *PairingFile) HardwareID() string {
	if pf == nil {
		return ""
	}

	return NormalizeHardwareID(pf.WiFiMACAddress)
}

// NormalizeHardwareID lowercases a MAC-like identifier and trims whitespace,
// so records from the pairing store and from discovery compare equal.
func NormalizeHardwareID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
