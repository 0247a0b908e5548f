package lifecycle

import "net"

// AdvertisedAddr turns a listen address into the address remote senders
// should dial. Wildcard hosts are replaced with the machine's primary
// LAN address, since a multicast advertisement pointing at 0.0.0.0 is
// useless to a phone.
func AdvertisedAddr(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = outboundIP()
	}
	return net.JoinHostPort(host, port)
}

// outboundIP finds the local address the default route would use. No
// packets are sent; the dial only resolves a source address.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
