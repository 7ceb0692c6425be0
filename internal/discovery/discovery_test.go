package discovery_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bavix/devpair/internal/discovery"
	customerrors "github.com/bavix/devpair/internal/errors"
)

const (
	service  = discovery.DefaultService
	instance = "aa:bb:cc:dd:ee:ff@fe80::1." + service
)

func hdr(name string, rrtype uint16) dns.RR_Header {
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: dns.ClassINET, Ttl: 120}
}

func aRecord(name, ip string) *dns.A {
	return &dns.A{Hdr: hdr(name, dns.TypeA), A: net.ParseIP(ip).To4()}
}

func aaaaRecord(name, ip string) *dns.AAAA {
	return &dns.AAAA{Hdr: hdr(name, dns.TypeAAAA), AAAA: net.ParseIP(ip)}
}

func response(rrs ...dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	m.Answer = rrs

	return m
}

func ptr() *dns.PTR {
	return &dns.PTR{Hdr: hdr(service, dns.TypePTR), Ptr: instance}
}

func srv() *dns.SRV {
	return &dns.SRV{Hdr: hdr(instance, dns.TypeSRV), Port: 32498, Target: "phone.local."}
}

func TestParseResponse_FirstAddressAndHardwareID(t *testing.T) {
	t.Parallel()

	msg := response(ptr(), srv())
	msg.Extra = []dns.RR{aaaaRecord("phone.local.", "fe80::1")}

	ev, reason, ok := discovery.ParseResponse(msg, service)
	require.True(t, ok, reason)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", ev.HardwareID)
	assert.Equal(t, netip.MustParseAddr("fe80::1"), ev.Addr)
}

func TestParseResponse_ARecordOverridesAAAA(t *testing.T) {
	t.Parallel()

	msg := response(aaaaRecord("phone.local.", "fe80::1"), srv())
	msg.Extra = []dns.RR{aRecord("phone.local.", "192.168.1.20")}

	ev, _, ok := discovery.ParseResponse(msg, service)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), ev.Addr)
}

func TestParseResponse_LaterARecordWins(t *testing.T) {
	t.Parallel()

	msg := response(aRecord("phone.local.", "10.0.0.1"), srv(), aRecord("phone.local.", "10.0.0.2"))

	ev, _, ok := discovery.ParseResponse(msg, service)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), ev.Addr)
}

func TestParseResponse_NoAddress(t *testing.T) {
	t.Parallel()

	_, reason, ok := discovery.ParseResponse(response(ptr(), srv()), service)
	assert.False(t, ok)
	assert.Equal(t, discovery.ReasonNoAddress, reason)
}

func TestParseResponse_NoHardwareID(t *testing.T) {
	t.Parallel()

	msg := response(ptr(), aRecord("phone.local.", "10.0.0.1"))

	_, reason, ok := discovery.ParseResponse(msg, service)
	assert.False(t, ok)
	assert.Equal(t, discovery.ReasonNoHardwareID, reason)
}

func TestParseResponse_OtherServiceIgnored(t *testing.T) {
	t.Parallel()

	other := &dns.SRV{Hdr: hdr("printer@host._ipp._tcp.local.", dns.TypeSRV), Target: "printer.local."}
	msg := response(other, aRecord("printer.local.", "10.0.0.9"))

	_, reason, ok := discovery.ParseResponse(msg, service)
	assert.False(t, ok)
	assert.Equal(t, discovery.ReasonNoHardwareID, reason)
}

func TestQuery_IsPTRQuestion(t *testing.T) {
	t.Parallel()

	b, err := discovery.Query(service)
	require.NoError(t, err)

	var msg dns.Msg
	require.NoError(t, msg.Unpack(b))
	require.Len(t, msg.Question, 1)
	assert.Equal(t, service, msg.Question[0].Name)
	assert.Equal(t, dns.TypePTR, msg.Question[0].Qtype)
	assert.False(t, msg.Response)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type fakeConn struct {
	packets chan []byte
	failOn  chan error
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	deadline time.Time
	writes   int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		packets: make(chan []byte, 8),
		failOn:  make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	wait := time.Until(c.deadline)
	c.mu.Unlock()

	select {
	case b := <-c.packets:
		return copy(p, b), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5353}, nil
	case err := <-c.failOn:
		return 0, nil, err
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-time.After(wait):
		return 0, nil, timeoutErr{}
	}
}

func (c *fakeConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes++

	return len(p), nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deadline = t

	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })

	return nil
}

func (c *fakeConn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.writes
}

func packed(t *testing.T, msg *dns.Msg) []byte {
	t.Helper()

	b, err := msg.Pack()
	require.NoError(t, err)

	return b
}

type collector struct {
	mu     sync.Mutex
	events []discovery.Event
}

func (c *collector) emit(ev discovery.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []discovery.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]discovery.Event(nil), c.events...)
}

func TestWatcher_EmitsEventsAndQueries(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	listen := func(context.Context, *net.Interface) (discovery.PacketConn, net.Addr, error) {
		return conn, &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: 5353}, nil
	}

	var got collector

	w := discovery.New(discovery.Config{QueryInterval: 20 * time.Millisecond}, got.emit, discovery.WithListener(listen))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	query := new(dns.Msg)
	query.SetQuestion(service, dns.TypePTR)
	conn.packets <- packed(t, query)
	conn.packets <- packed(t, response(ptr(), srv(), aRecord("phone.local.", "192.168.1.5")))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, discovery.Event{
		Addr:       netip.MustParseAddr("192.168.1.5"),
		HardwareID: "aa:bb:cc:dd:ee:ff",
	}, got.snapshot()[0])

	require.Eventually(t, func() bool { return conn.Writes() >= 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_FirstListenFailureIsReturned(t *testing.T) {
	t.Parallel()

	boom := errors.New("address in use")
	listen := func(context.Context, *net.Interface) (discovery.PacketConn, net.Addr, error) {
		return nil, nil, boom
	}

	w := discovery.New(discovery.Config{}, func(discovery.Event) {}, discovery.WithListener(listen))
	require.ErrorIs(t, w.Run(t.Context()), boom)
}

func TestWatcher_RestartsAfterReadFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	first := newFakeConn()
	first.failOn <- errors.New("network down")

	second := newFakeConn()

	listen := func(context.Context, *net.Interface) (discovery.PacketConn, net.Addr, error) {
		if calls.Add(1) == 1 {
			return first, &net.UDPAddr{}, nil
		}

		return second, &net.UDPAddr{}, nil
	}

	var got collector

	w := discovery.New(discovery.Config{RestartDelay: 10 * time.Millisecond}, got.emit, discovery.WithListener(listen))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	second.packets <- packed(t, response(srv(), aRecord("phone.local.", "10.1.1.1")))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	cancel()
	require.NoError(t, <-done)
}

func TestResolveInterface(t *testing.T) {
	t.Parallel()

	iface, err := discovery.ResolveInterface("")
	require.NoError(t, err)
	assert.Nil(t, iface)

	_, err = discovery.ResolveInterface("devpair-missing0")
	require.ErrorIs(t, err, customerrors.ErrInterfaceNotFound)
}

func TestInterfaces_SortedWithoutLoopback(t *testing.T) {
	t.Parallel()

	list, err := discovery.Interfaces(t.Context())
	require.NoError(t, err)

	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, list[i-1].Name, list[i].Name)
	}

	for _, iface := range list {
		assert.NotEqual(t, "lo", iface.Name)
	}
}

func TestWatcher_UnknownInterface(t *testing.T) {
	t.Parallel()

	w := discovery.New(discovery.Config{Interface: "devpair-missing0"}, func(discovery.Event) {})
	require.ErrorIs(t, w.Run(t.Context()), customerrors.ErrInterfaceNotFound)
}
