package devicelink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"net"

	customerrors "github.com/bavix/devpair/internal/errors"
)

const (
	afcMagic      = "CFA6LPAA"
	afcHeaderSize = 40
	afcChunkSize  = 64 << 10
)

// AFC operations used by the container client.
const (
	afcOpStatus      = 0x01
	afcOpFileOpen    = 0x0D
	afcOpFileOpenRes = 0x0E
	afcOpFileWrite   = 0x10
	afcOpFileClose   = 0x14
)

const afcStatusObjectNotFound = 8

type afcClient struct {
	conn   net.Conn
	packet uint64
}

var _ Container = (*afcClient)(nil)

func (a *afcClient) send(op uint64, header, payload []byte) error {
	thisLen := uint64(afcHeaderSize + len(header))

	frame := make([]byte, afcHeaderSize, int(thisLen)+len(payload))
	copy(frame, afcMagic)
	binary.LittleEndian.PutUint64(frame[8:], thisLen+uint64(len(payload)))
	binary.LittleEndian.PutUint64(frame[16:], thisLen)
	binary.LittleEndian.PutUint64(frame[24:], a.packet)
	binary.LittleEndian.PutUint64(frame[32:], op)
	frame = append(frame, header...)
	frame = append(frame, payload...)

	a.packet++

	if _, err := a.conn.Write(frame); err != nil {
		return fmt.Errorf("afc write: %w", err)
	}

	return nil
}

func (a *afcClient) recv() (uint64, []byte, error) {
	var hdr [afcHeaderSize]byte
	if _, err := io.ReadFull(a.conn, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("afc read header: %w", err)
	}

	if string(hdr[:8]) != afcMagic {
		return 0, nil, customerrors.Unexpected("afc magic")
	}

	entire := binary.LittleEndian.Uint64(hdr[8:])
	if entire < afcHeaderSize || entire > maxMessageSize {
		return 0, nil, customerrors.Unexpected(fmt.Sprintf("afc frame size %d", entire))
	}

	op := binary.LittleEndian.Uint64(hdr[32:])

	body := make([]byte, entire-afcHeaderSize)
	if _, err := io.ReadFull(a.conn, body); err != nil {
		return 0, nil, fmt.Errorf("afc read body: %w", err)
	}

	return op, body, nil
}

// expectStatus reads one reply and fails unless it is a zero status.
func (a *afcClient) expectStatus() error {
	op, body, err := a.recv()
	if err != nil {
		return err
	}

	if op != afcOpStatus || len(body) < 8 {
		return customerrors.Unexpected(fmt.Sprintf("afc op %#x", op))
	}

	return afcStatusError(binary.LittleEndian.Uint64(body))
}

func afcStatusError(code uint64) error {
	switch code {
	case 0:
		return nil
	case afcStatusObjectNotFound:
		return fmt.Errorf("afc: %w", fs.ErrNotExist)
	default:
		return fmt.Errorf("afc: status %d", code)
	}
}

func (a *afcClient) Open(ctx context.Context, path string, mode OpenMode) (File, error) {
	defer bindContext(ctx, a.conn)()

	header := make([]byte, 8, 8+len(path)+1)
	binary.LittleEndian.PutUint64(header, uint64(mode))
	header = append(header, path...)
	header = append(header, 0)

	if err := a.send(afcOpFileOpen, header, nil); err != nil {
		return nil, err
	}

	op, body, err := a.recv()
	if err != nil {
		return nil, err
	}

	switch {
	case op == afcOpFileOpenRes && len(body) >= 8:
		return &afcFile{client: a, handle: binary.LittleEndian.Uint64(body)}, nil
	case op == afcOpStatus && len(body) >= 8:
		if err := afcStatusError(binary.LittleEndian.Uint64(body)); err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}

		return nil, customerrors.Unexpected("afc open without handle")
	default:
		return nil, customerrors.Unexpected(fmt.Sprintf("afc op %#x", op))
	}
}

func (a *afcClient) Close() error {
	return a.conn.Close()
}

type afcFile struct {
	client *afcClient
	handle uint64
}

func (f *afcFile) handleBytes() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, f.handle)

	return b
}

func (f *afcFile) Write(ctx context.Context, p []byte) error {
	defer bindContext(ctx, f.client.conn)()

	for len(p) > 0 {
		n := min(len(p), afcChunkSize)

		if err := f.client.send(afcOpFileWrite, f.handleBytes(), p[:n]); err != nil {
			return err
		}

		if err := f.client.expectStatus(); err != nil {
			return fmt.Errorf("write: %w", err)
		}

		p = p[n:]
	}

	return nil
}

func (f *afcFile) Close() error {
	if err := f.client.send(afcOpFileClose, f.handleBytes(), nil); err != nil {
		return err
	}

	return f.client.expectStatus()
}
