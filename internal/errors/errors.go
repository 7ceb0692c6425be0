package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
)

// Common errors.
var (
	ErrServiceUnavailable     = errors.New("device multiplexing service unavailable")
	ErrUnexpectedResponse     = errors.New("unexpected response from device")
	ErrDeviceNotFound         = errors.New("device not found")
	ErrAddressNotFound        = errors.New("no discovered address for device")
	ErrAppNotFound            = errors.New("app not found")
	ErrAppNotSupported        = errors.New("app does not accept pairing files")
	ErrPairingFileRequired    = errors.New("pairing file required")
	ErrPairingFileInvalid     = errors.New("pairing file is invalid")
	ErrBUIDEmpty              = errors.New("build identifier is empty")
	ErrSessionNotStarted      = errors.New("lockdown session not started")
	ErrPairingDialogPending   = errors.New("trust dialog pending on device")
	ErrPasswordProtected      = errors.New("device is locked with a passcode")
	ErrUserDeniedPairing      = errors.New("user denied pairing on device")
	ErrPersonalizationMissing = errors.New("image personalization is not available")
	ErrTicketRejected         = errors.New("signing server rejected the request")
	ErrNoBuildIdentity        = errors.New("no build identity matches the device")
	ErrAssetsNotLoaded        = errors.New("developer disk image assets not loaded")
	ErrWorkerStopped          = errors.New("command worker stopped")
	ErrInvalidAddress         = errors.New("invalid device address")
	ErrInterfaceNotFound      = errors.New("network interface not found")
	ErrInterfaceUnsuitable    = errors.New("network interface cannot receive multicast")
)

// Kind classifies a failure for the interactive layer.
type Kind string

const (
	KindTransport Kind = "transport"
	KindProtocol  Kind = "protocol"
	KindNotFound  Kind = "not_found"
	KindIO        Kind = "io"
)

// OpError carries the operation and subject (device or app name) a failure belongs to.
type OpError struct {
	Op      string
	Subject string
	Kind    Kind
	Err     error
}

func (e *OpError) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Op wraps err with operation context. A nil err stays nil.
func Op(op, subject string, err error) error {
	if err == nil {
		return nil
	}

	var existing *OpError
	if errors.As(err, &existing) && existing.Op == op && existing.Subject == subject {
		return err
	}

	return &OpError{Op: op, Subject: subject, Kind: Classify(err), Err: err}
}

// Classify maps err onto the error taxonomy.
func Classify(err error) Kind {
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Kind != "" {
		return opErr.Kind
	}

	switch {
	case errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrAddressNotFound),
		errors.Is(err, ErrAppNotFound),
		errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrUnexpectedResponse),
		errors.Is(err, ErrPairingFileInvalid),
		errors.Is(err, ErrBUIDEmpty),
		errors.Is(err, ErrTicketRejected),
		errors.Is(err, ErrNoBuildIdentity):
		return KindProtocol
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransport
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindIO
	}

	return KindTransport
}

// Unexpected reports a malformed device response for the given field.
func Unexpected(field string) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, field)
}

func ErrDeviceNotFoundWithName(name string) error {
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
}

func ErrAddressNotFoundWithMAC(mac string) error {
	return fmt.Errorf("%w: %s", ErrAddressNotFound, mac)
}

func ErrAppNotFoundWithName(name string) error {
	return fmt.Errorf("%w: %s", ErrAppNotFound, name)
}

func ErrAppNotSupportedWithName(name string) error {
	return fmt.Errorf("%w: %s", ErrAppNotSupported, name)
}

func ErrInterfaceNotFoundWithName(name string) error {
	return fmt.Errorf("%w: %s", ErrInterfaceNotFound, name)
}
