package config

import (
	"fmt"
	"net"

	"github.com/AndrewLester/netclock/pkg/netclock"
)

// ResolveEndpoint turns a configured server address into an "ip:port"
// endpoint, adding defaultPort when the address has none.
func ResolveEndpoint(address, defaultPort string) (string, error) {
	hostport := address
	if ip := net.ParseIP(address); ip != nil {
		hostport = net.JoinHostPort(address, defaultPort)
	} else if _, _, err := net.SplitHostPort(address); err != nil {
		hostport = net.JoinHostPort(address, defaultPort)
	}

	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", address, err)
	}
	return addr.String(), nil
}

// ResolveServers resolves every server in config. Servers that resolve to an
// endpoint already listed are dropped.
func ResolveServers(config *netclock.Config, defaultPort string) error {
	seen := map[string]bool{}
	servers := make([]netclock.ServerConfig, 0, len(config.Servers))
	for _, server := range config.Servers {
		endpoint, err := ResolveEndpoint(server.Address, defaultPort)
		if err != nil {
			return err
		}
		if seen[endpoint] {
			continue
		}
		seen[endpoint] = true
		server.Address = endpoint
		servers = append(servers, server)
	}
	config.Servers = servers
	return nil
}
