package devicelink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"howett.net/plist"

	customerrors "github.com/bavix/devpair/internal/errors"
)

const maxMessageSize = 16 << 20

// bindContext applies ctx's deadline to conn and unblocks pending I/O when
// ctx is cancelled. The returned func must be called when the exchange ends.
func bindContext(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// plistConn exchanges big-endian length-prefixed property lists, the framing
// used by the control protocol and by most device services.
type plistConn struct {
	conn net.Conn
}

func (p *plistConn) send(v any) error {
	body, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body))) //nolint:gosec
	copy(frame[4:], body)

	if _, err := p.conn.Write(frame); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	return nil
}

func (p *plistConn) recv() (map[string]any, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size == 0 || size > maxMessageSize {
		return nil, customerrors.Unexpected(fmt.Sprintf("frame size %d", size))
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(p.conn, body); err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	var out map[string]any
	if _, err := plist.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", customerrors.ErrUnexpectedResponse, err)
	}

	return out, nil
}

func (p *plistConn) request(ctx context.Context, req any) (map[string]any, error) {
	defer bindContext(ctx, p.conn)()

	if err := p.send(req); err != nil {
		return nil, err
	}

	return p.recv()
}

func (p *plistConn) Close() error {
	return p.conn.Close()
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)

	return s, ok
}

func bytesField(m map[string]any, key string) ([]byte, bool) {
	b, ok := m[key].([]byte)

	return b, ok
}

// uintField accepts any integer representation the plist decoder may produce.
func uintField(m map[string]any, key string) (uint64, bool) {
	return AsUint(m[key])
}

// AsUint converts an integer-valued property into uint64.
// Negative and non-integer values are rejected.
func AsUint(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}

		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}

		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}

		return uint64(n), true
	default:
		return 0, false
	}
}
