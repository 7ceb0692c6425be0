package devicelink

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	customerrors "github.com/bavix/devpair/internal/errors"
)

const (
	pairKeyBits      = 2048
	pairCertValidity = 10 * 365 * 24 * time.Hour
	pairProtocol     = "2"
)

type pairCredentials struct {
	rootKey    []byte
	rootCert   []byte
	hostKey    []byte
	hostCert   []byte
	deviceCert []byte
}

func (l *lockdownClient) Pair(ctx context.Context, hostID, buid string) (*PairingFile, error) {
	if buid == "" {
		return nil, customerrors.ErrBUIDEmpty
	}

	rawKey, err := l.Value(ctx, "", KeyDevicePublicKey)
	if err != nil {
		return nil, err
	}

	pubPEM, ok := rawKey.([]byte)
	if !ok {
		return nil, customerrors.Unexpected(KeyDevicePublicKey)
	}

	wifi, err := l.Value(ctx, "", KeyWiFiAddress)
	if err != nil {
		return nil, err
	}

	wifiMAC, _ := wifi.(string)

	devicePub, err := parseDevicePublicKey(pubPEM)
	if err != nil {
		return nil, err
	}

	creds, err := issueCredentials(devicePub)
	if err != nil {
		return nil, err
	}

	resp, err := l.call(ctx, map[string]any{
		"Request": "Pair",
		"PairRecord": map[string]any{
			"DeviceCertificate": creds.deviceCert,
			"HostCertificate":   creds.hostCert,
			"RootCertificate":   creds.rootCert,
			"HostID":            hostID,
			"SystemBUID":        buid,
		},
		"ProtocolVersion": pairProtocol,
		"PairingOptions":  map[string]any{"ExtendedPairingErrors": true},
	})
	if err != nil {
		return nil, fmt.Errorf("pair: %w", err)
	}

	escrow, _ := bytesField(resp, "EscrowBag")

	return &PairingFile{
		DeviceCertificate: creds.deviceCert,
		HostPrivateKey:    creds.hostKey,
		HostCertificate:   creds.hostCert,
		RootPrivateKey:    creds.rootKey,
		RootCertificate:   creds.rootCert,
		SystemBUID:        buid,
		HostID:            hostID,
		EscrowBag:         escrow,
		WiFiMACAddress:    wifiMAC,
	}, nil
}

func parseDevicePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, customerrors.Unexpected(KeyDevicePublicKey)
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrUnexpectedResponse, err)
	}

	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, customerrors.Unexpected("device key type")
	}

	return key, nil
}

// issueCredentials creates a root CA, a host certificate and a device
// certificate for devicePub, all signed by the root.
func issueCredentials(devicePub *rsa.PublicKey) (*pairCredentials, error) {
	rootKey, err := rsa.GenerateKey(rand.Reader, pairKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}

	hostKey, err := rsa.GenerateKey(rand.Reader, pairKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	now := time.Now().Add(-time.Minute)

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{},
		NotBefore:             now,
		NotAfter:              now.Add(pairCertValidity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		SubjectKeyId:          keyID(&rootKey.PublicKey),
	}

	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("issue root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}

	leaf := func(serial int64, pub *rsa.PublicKey) ([]byte, error) {
		tmpl := &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			NotBefore:             now,
			NotAfter:              now.Add(pairCertValidity),
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			SubjectKeyId:          keyID(pub),
		}

		der, err := x509.CreateCertificate(rand.Reader, tmpl, rootCert, pub, rootKey)
		if err != nil {
			return nil, err
		}

		return pemEncode("CERTIFICATE", der), nil
	}

	hostCert, err := leaf(2, &hostKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("issue host certificate: %w", err)
	}

	deviceCert, err := leaf(3, devicePub)
	if err != nil {
		return nil, fmt.Errorf("issue device certificate: %w", err)
	}

	return &pairCredentials{
		rootKey:    pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rootKey)),
		rootCert:   pemEncode("CERTIFICATE", rootDER),
		hostKey:    pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(hostKey)),
		hostCert:   hostCert,
		deviceCert: deviceCert,
	}, nil
}

func keyID(pub crypto.PublicKey) []byte {
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil
	}

	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(rsaPub)) //nolint:gosec

	return sum[:]
}

func pemEncode(kind string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: kind, Bytes: der})
}
