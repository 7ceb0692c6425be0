// Package discovery watches the local network for devices advertising the
// wireless pairing service over mDNS.
package discovery

import (
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// DefaultService is the mDNS service devices advertise while wireless
// pairing is enabled.
const DefaultService = "_apple-mobdev2._tcp.local."

// Event reports that the device with HardwareID was seen at Addr.
type Event struct {
	Addr       netip.Addr `json:"addr"`
	HardwareID string     `json:"hardware_id"`
}

// Drop reasons reported by ParseResponse.
const (
	ReasonNoAddress    = "no address record"
	ReasonNoHardwareID = "no hardware id"
)

func records(msg *dns.Msg) []dns.RR {
	all := make([]dns.RR, 0, len(msg.Answer)+len(msg.Ns)+len(msg.Extra))
	all = append(all, msg.Answer...)
	all = append(all, msg.Ns...)
	all = append(all, msg.Extra...)

	return all
}

func recordAddr(rr dns.RR) (netip.Addr, bool) {
	switch r := rr.(type) {
	case *dns.A:
		return netip.AddrFromSlice(r.A.To4())
	case *dns.AAAA:
		return netip.AddrFromSlice(r.AAAA.To16())
	default:
		return netip.Addr{}, false
	}
}

// ParseResponse extracts a presence event from one mDNS response.
//
// The address is the first A or AAAA record, replaced by any A record that
// follows. The hardware id is the part before '@' of a record name that
// belongs to service. On failure the drop reason is returned instead.
func ParseResponse(msg *dns.Msg, service string) (Event, string, bool) {
	rrs := records(msg)

	var (
		addr  netip.Addr
		found bool
	)

	for _, rr := range rrs {
		if a, ok := recordAddr(rr); ok {
			addr, found = a, true

			break
		}
	}

	if !found {
		return Event{}, ReasonNoAddress, false
	}

	service = strings.TrimSuffix(service, ".")

	var hwID string

	for _, rr := range rrs {
		if a, ok := rr.(*dns.A); ok {
			if v4, ok := netip.AddrFromSlice(a.A.To4()); ok {
				addr = v4
			}
		}

		name := rr.Header().Name
		if strings.Contains(name, service) && strings.Contains(name, "@") {
			// Unpacked names are presentation-escaped: '@' arrives as `\@`.
			hwID, _, _ = strings.Cut(name, "@")
			hwID = strings.TrimSuffix(hwID, `\`)
		}
	}

	if hwID == "" {
		return Event{}, ReasonNoHardwareID, false
	}

	return Event{Addr: addr.Unmap(), HardwareID: hwID}, "", true
}

// Query builds the PTR question sent to the multicast group.
func Query(service string) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(service), dns.TypePTR)
	m.Id = 0
	m.RecursionDesired = false

	return m.Pack()
}
