package networking

import (
	"fmt"
	"math/rand/v2"
	"net"
)

const (
	// MinPort is the lowest port FindAvailable hands out.
	MinPort = 10000
	// MaxPort is the highest usable port number.
	MaxPort = 65535
	// MaxAttempts bounds the random probe phase of FindAvailable.
	MaxAttempts = 10
)

// IsAvailable reports whether the port can be bound for both TCP and UDP.
// Port 0 is the OS wildcard and always counts as available.
func IsAvailable(port int) bool {
	tcpAddr, err := net.ResolveTCPAddr("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	tcpListener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return false
	}
	tcpListener.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return false
	}
	udpConn.Close()

	return true
}

// FindAvailable returns a free port between MinPort and MaxPort, probing
// randomly first and then sequentially. It returns 0 when the whole range
// is exhausted.
func FindAvailable() int {
	for i := 0; i < MaxAttempts; i++ {
		port := rand.IntN(MaxPort-MinPort) + MinPort
		if IsAvailable(port) {
			return port
		}
	}

	for port := MinPort; port <= MaxPort; port++ {
		if IsAvailable(port) {
			return port
		}
	}

	return 0
}

// FindOrUsePort returns port unchanged when it is valid and free to bind.
// A zero, out-of-range, or occupied port falls back to FindAvailable; a
// zero result means no port could be found.
func FindOrUsePort(port int) (int, error) {
	if port > 0 && port <= MaxPort && IsAvailable(port) {
		return port, nil
	}
	return FindAvailable(), nil
}

// IsIPv6Available reports whether any up interface carries a non-loopback
// IPv6 address.
func IsIPv6Available() bool {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.To4() == nil && !ipNet.IP.IsLoopback() {
				return true
			}
		}
	}
	return false
}
