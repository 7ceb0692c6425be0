// Package linktest provides an in-memory devicelink.Link for tests.
package linktest

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/bavix/devpair/internal/devicelink"
)

// SetValueCall records one SetValue invocation.
type SetValueCall struct {
	UDID   string
	Domain string
	Key    string
	Value  any
}

// Fake is a scriptable Link. Zero-value fields mean success with empty data.
// Every method appends to Calls so tests can assert ordering.
type Fake struct {
	mu sync.Mutex

	MuxErr        error
	Devices       []devicelink.Device
	DevicesErr    error
	PairRecords   map[string]*devicelink.PairingFile
	PairRecordErr error
	BUID          string
	BUIDErr       error

	LockdownErr map[string]error
	Names       map[string]string
	NameErr     map[string]error
	Values      map[string]any // "domain/key"
	SessionErr  error
	SetValueErr error
	Paired      *devicelink.PairingFile
	PairErr     error

	Apps     map[string]map[string]any
	AppsErr  error
	VendErr  error
	OpenErr  error
	WriteErr error
	Files    map[string][]byte // "bundle:path"

	Mounted    []map[string]any
	MountedErr error
	MountErr   error
	MountChips []uint64

	Calls     []string
	SetValues []SetValueCall
	PairArgs  [][2]string
	Sessions  []*devicelink.PairingFile
	OverConns []net.Conn
}

var _ devicelink.Link = (*Fake)(nil)

func (f *Fake) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// CallLog returns a snapshot of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.Calls...)
}

// File returns what was written to path inside bundleID's container.
func (f *Fake) File(bundleID, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.Files[bundleID+":"+path]

	return data, ok
}

func (f *Fake) ConnectMux(context.Context) (devicelink.Mux, error) {
	f.record("mux")

	if f.MuxErr != nil {
		return nil, f.MuxErr
	}

	return &fakeMux{f: f}, nil
}

func (f *Fake) ConnectLockdown(_ context.Context, dev devicelink.Device) (devicelink.Lockdown, error) {
	f.record("lockdown:%s", dev.UDID)

	if err := f.LockdownErr[dev.UDID]; err != nil {
		return nil, err
	}

	return &fakeLockdown{f: f, udid: dev.UDID}, nil
}

func (f *Fake) LockdownOverConn(_ context.Context, conn net.Conn) (devicelink.Lockdown, error) {
	f.record("lockdown_conn")

	f.mu.Lock()
	f.OverConns = append(f.OverConns, conn)
	f.mu.Unlock()

	return &fakeLockdown{f: f, conn: conn}, nil
}

func (f *Fake) ConnectInstallationProxy(_ context.Context, dev devicelink.Device) (devicelink.InstallationProxy, error) {
	f.record("instproxy:%s", dev.UDID)

	return &fakeProxy{f: f}, nil
}

func (f *Fake) VendContainer(_ context.Context, dev devicelink.Device, bundleID string) (devicelink.Container, error) {
	f.record("vend:%s:%s", dev.UDID, bundleID)

	if f.VendErr != nil {
		return nil, f.VendErr
	}

	return &fakeContainer{f: f, bundleID: bundleID}, nil
}

func (f *Fake) ConnectImageMounter(_ context.Context, dev devicelink.Device) (devicelink.ImageMounter, error) {
	f.record("mounter:%s", dev.UDID)

	return &fakeMounter{f: f}, nil
}

type fakeMux struct{ f *Fake }

func (m *fakeMux) Devices(context.Context) ([]devicelink.Device, error) {
	m.f.record("devices")

	if m.f.DevicesErr != nil {
		return nil, m.f.DevicesErr
	}

	return append([]devicelink.Device(nil), m.f.Devices...), nil
}

func (m *fakeMux) PairRecord(_ context.Context, udid string) (*devicelink.PairingFile, error) {
	m.f.record("pair_record:%s", udid)

	if m.f.PairRecordErr != nil {
		return nil, m.f.PairRecordErr
	}

	pf, ok := m.f.PairRecords[udid]
	if !ok {
		return nil, fmt.Errorf("no pair record for %s", udid)
	}

	return pf.Clone(), nil
}

func (m *fakeMux) BUID(context.Context) (string, error) {
	m.f.record("buid")

	return m.f.BUID, m.f.BUIDErr
}

func (m *fakeMux) Close() error { return nil }

type fakeLockdown struct {
	f       *Fake
	udid    string
	conn    net.Conn
	session bool
}

func (l *fakeLockdown) Value(_ context.Context, domain, key string) (any, error) {
	l.f.record("value:%s/%s", domain, key)

	if domain == "" && key == devicelink.KeyDeviceName {
		if err := l.f.NameErr[l.udid]; err != nil {
			return nil, err
		}

		if name, ok := l.f.Names[l.udid]; ok {
			return name, nil
		}
	}

	v, ok := l.f.Values[domain+"/"+key]
	if !ok {
		return nil, fmt.Errorf("no value %s/%s", domain, key)
	}

	return v, nil
}

func (l *fakeLockdown) SetValue(_ context.Context, domain, key string, value any) error {
	l.f.record("set_value:%s/%s", domain, key)

	if l.f.SetValueErr != nil {
		return l.f.SetValueErr
	}

	l.f.mu.Lock()
	l.f.SetValues = append(l.f.SetValues, SetValueCall{UDID: l.udid, Domain: domain, Key: key, Value: value})
	l.f.mu.Unlock()

	return nil
}

func (l *fakeLockdown) StartSession(_ context.Context, pf *devicelink.PairingFile) error {
	l.f.record("session")

	if l.f.SessionErr != nil {
		return l.f.SessionErr
	}

	l.f.mu.Lock()
	l.f.Sessions = append(l.f.Sessions, pf)
	l.f.mu.Unlock()

	l.session = true

	return nil
}

func (l *fakeLockdown) Pair(_ context.Context, hostID, buid string) (*devicelink.PairingFile, error) {
	l.f.record("pair")

	l.f.mu.Lock()
	l.f.PairArgs = append(l.f.PairArgs, [2]string{hostID, buid})
	l.f.mu.Unlock()

	if l.f.PairErr != nil {
		return nil, l.f.PairErr
	}

	if l.f.Paired != nil {
		return l.f.Paired.Clone(), nil
	}

	return &devicelink.PairingFile{
		HostID:          hostID,
		SystemBUID:      buid,
		HostCertificate: []byte("host-cert"),
		HostPrivateKey:  []byte("host-key"),
		WiFiMACAddress:  "aa:bb:cc:dd:ee:ff",
	}, nil
}

func (l *fakeLockdown) Close() error {
	if l.conn != nil {
		return l.conn.Close()
	}

	return nil
}

type fakeProxy struct{ f *Fake }

func (p *fakeProxy) Apps(_ context.Context, appType string) (map[string]map[string]any, error) {
	p.f.record("apps:%s", appType)

	if p.f.AppsErr != nil {
		return nil, p.f.AppsErr
	}

	return p.f.Apps, nil
}

func (p *fakeProxy) Close() error { return nil }

type fakeContainer struct {
	f        *Fake
	bundleID string
}

func (c *fakeContainer) Open(_ context.Context, path string, mode devicelink.OpenMode) (devicelink.File, error) {
	c.f.record("open:%s:%d", path, mode)

	if c.f.OpenErr != nil {
		return nil, c.f.OpenErr
	}

	return &fakeFile{c: c, path: path}, nil
}

func (c *fakeContainer) Close() error { return nil }

type fakeFile struct {
	c    *fakeContainer
	path string
}

func (w *fakeFile) Write(_ context.Context, p []byte) error {
	w.c.f.record("write:%s", w.path)

	if w.c.f.WriteErr != nil {
		return w.c.f.WriteErr
	}

	w.c.f.mu.Lock()
	defer w.c.f.mu.Unlock()

	if w.c.f.Files == nil {
		w.c.f.Files = make(map[string][]byte)
	}

	key := w.c.bundleID + ":" + w.path
	w.c.f.Files[key] = append(w.c.f.Files[key], p...)

	return nil
}

func (w *fakeFile) Close() error { return nil }

type fakeMounter struct{ f *Fake }

func (m *fakeMounter) MountedImages(context.Context) ([]map[string]any, error) {
	m.f.record("mounted_images")

	if m.f.MountedErr != nil {
		return nil, m.f.MountedErr
	}

	return m.f.Mounted, nil
}

func (m *fakeMounter) MountPersonalized(_ context.Context, _ devicelink.PersonalizedImage, chipID uint64) error {
	m.f.record("mount:%d", chipID)

	if m.f.MountErr != nil {
		return m.f.MountErr
	}

	m.f.mu.Lock()
	m.f.MountChips = append(m.f.MountChips, chipID)
	m.f.Mounted = append(m.f.Mounted, map[string]any{"ImageSignature": []byte("sig")})
	m.f.mu.Unlock()

	return nil
}

func (m *fakeMounter) Close() error { return nil }
