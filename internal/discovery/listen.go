package discovery

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

const (
	mdnsGroup = "224.0.0.251"
	mdnsPort  = 5353
)

// ListenMulticast binds 0.0.0.0:5353 with address reuse and joins the mDNS
// group. Binding the group address directly does not receive on every
// platform, so the socket is bound wide and joined afterwards.
func ListenMulticast(ctx context.Context, iface *net.Interface) (PacketConn, net.Addr, error) {
	group := &net.UDPAddr{IP: net.ParseIP(mdnsGroup), Port: mdnsPort}

	lc := net.ListenConfig{Control: reuseControl}

	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", mdnsPort))
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp4 :%d: %w", mdnsPort, err)
	}

	p4 := ipv4.NewPacketConn(pc)
	if err := p4.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = pc.Close()

		return nil, nil, fmt.Errorf("join %s: %w", mdnsGroup, err)
	}

	if iface != nil {
		if err := p4.SetMulticastInterface(iface); err != nil {
			_ = pc.Close()

			return nil, nil, fmt.Errorf("multicast interface %s: %w", iface.Name, err)
		}
	}

	return pc, group, nil
}
