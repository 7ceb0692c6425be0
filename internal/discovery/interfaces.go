package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	customerrors "github.com/bavix/devpair/internal/errors"
)

// Interface describes a network interface the watcher could listen on.
type Interface struct {
	Name         string   `json:"name"`
	Index        int      `json:"index"`
	HardwareAddr string   `json:"hardware_addr"`
	IPs          []string `json:"ips"`
	IsUp         bool     `json:"is_up"`
	Multicast    bool     `json:"multicast"`
}

// Usable reports whether mDNS can be received on the interface.
func (i Interface) Usable() bool {
	return i.IsUp && i.Multicast && len(i.IPs) > 0
}

// Interfaces lists non-loopback interfaces with their IPv4 addresses,
// sorted by name.
func Interfaces(ctx context.Context) ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	result := make([]Interface, 0, len(ifaces))

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		info, err := describe(iface)
		if err != nil {
			zerolog.Ctx(ctx).Warn().
				Str("interface", iface.Name).
				Err(err).
				Msg("failed to process interface")

			continue
		}

		result = append(result, info)
	}

	slices.SortFunc(result, func(a, b Interface) int { return strings.Compare(a.Name, b.Name) })

	return result, nil
}

func describe(iface net.Interface) (Interface, error) {
	info := Interface{
		Name:         iface.Name,
		Index:        iface.Index,
		HardwareAddr: iface.HardwareAddr.String(),
		IsUp:         iface.Flags&net.FlagUp != 0,
		Multicast:    iface.Flags&net.FlagMulticast != 0,
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return info, fmt.Errorf("failed to get interface addresses: %w", err)
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil {
			continue
		}

		info.IPs = append(info.IPs, ipNet.IP.String())
	}

	return info, nil
}

// ResolveInterface looks up name and checks it can join the mDNS group.
// An empty name selects the system default and returns nil.
func ResolveInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil //nolint:nilnil // nil selects the default route
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, customerrors.ErrInterfaceNotFoundWithName(name)
	}

	info, err := describe(*iface)
	if err != nil {
		return nil, err
	}

	if !info.Usable() {
		return nil, fmt.Errorf("%w: %s", customerrors.ErrInterfaceUnsuitable, name)
	}

	return iface, nil
}
