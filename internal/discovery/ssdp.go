// Package discovery implements the Device Lister (component F): a per-
// interface SSDP control point that searches for MediaRenderers, fans
// in their NOTIFY/M-SEARCH-response announcements, and hands newly-seen
// devices off to the Renderer Device introspection chain.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

const ssdpAddr = "239.255.255.250:1900"

// buildSearch renders an M-SEARCH datagram for searchTarget, grounded on
// wysentanu-dlna-movie-cast's searchForDevices.
func buildSearch(searchTarget string, mx time.Duration) string {
	secs := int(mx / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: %d\r\n"+
			"ST: %s\r\n"+
			"\r\n",
		ssdpAddr, secs, searchTarget,
	)
}

// ssdpHeaders parses the header lines of an SSDP datagram (NOTIFY,
// M-SEARCH, or an HTTP/1.1 200 search response all share this shape).
func ssdpHeaders(message string) map[string]string {
	lines := strings.Split(message, "\r\n")
	headers := make(map[string]string, len(lines))
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToUpper(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return headers
}

// udnFromUSN extracts the UDN from a USN header of the form
// "uuid:XXXX::urn:...".
func udnFromUSN(usn string) string {
	udn, _, _ := strings.Cut(usn, "::")
	return udn
}

// listenOn binds a multicast UDP socket on iface for receiving NOTIFY
// announcements and M-SEARCH responses. It additionally wraps the socket
// in an ipv4.PacketConn so each per-interface control point can pin its
// own outbound multicast interface and disable loopback (§4.F: Korva
// discovers across *all* interfaces, unlike a single-socket control
// point that only ever advertises on one implicit interface).
func listenOn(iface *net.Interface) (*net.UDPConn, *ipv4.PacketConn, error) {
	group, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", iface, group)
	if err != nil {
		return nil, nil, err
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("set multicast interface %s: %w", iface.Name, err)
	}
	if err := pc.SetMulticastLoopback(false); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("disable multicast loopback on %s: %w", iface.Name, err)
	}

	return conn, pc, nil
}

// searchableInterfaces returns the multicast-capable, up interfaces to
// run a control point on, restricted to names in only when it is
// non-empty.
func searchableInterfaces(only []string) ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate network interfaces: %w", err)
	}

	wanted := make(map[string]struct{}, len(only))
	for _, name := range only {
		wanted[name] = struct{}{}
	}

	var out []net.Interface
	for _, iface := range all {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[iface.Name]; !ok {
				continue
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// ifaceContains reports whether iface carries an address whose subnet
// contains ip, used by the Push Coordinator to pick an outbound
// interface reachable from a given renderer (§4.G step 4).
func ifaceContains(iface net.Interface, ip net.IP) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// InterfaceFor returns the name of the first up, non-loopback interface
// whose subnet contains deviceIP, or "" if none qualifies.
func InterfaceFor(deviceIP net.IP) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("enumerate network interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifaceContains(iface, deviceIP) {
			return iface.Name, nil
		}
	}
	return "", nil
}

// LocalAddrFor resolves the first IPv4 address bound to the named
// interface, for use as the host component of an outward /item/ URL.
func LocalAddrFor(name string) (string, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("lookup interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("addrs for interface %s: %w", name, err)
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("interface %s has no IPv4 address", name)
}
