package backend

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/docker/go-connections/nat"

	"quiver/internal/process"
)

// Endpoint is a listening port of the target and where to reach it.
type Endpoint struct {
	Port     int    `json:"port"`
	Proto    string `json:"proto"`
	Host     string `json:"host"`
	HostPort int    `json:"host_port"`
	Declared bool   `json:"declared"`
	// Observed is set when a listening socket was seen on the port.
	Observed bool `json:"observed"`
}

// Address returns host:port for dialing the endpoint.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.HostPort))
}

// Key returns the "port/proto" form the endpoint is keyed by.
func (e Endpoint) Key() nat.Port {
	return nat.Port(fmt.Sprintf("%d/%s", e.Port, e.Proto))
}

// ParsePorts parses "8080", "8080/tcp" or "53/udp" port declarations.
func ParsePorts(specs []string) ([]nat.Port, error) {
	ports := make([]nat.Port, 0, len(specs))
	for _, spec := range specs {
		proto, port := nat.SplitProtoPort(spec)
		if port == "" {
			return nil, fmt.Errorf("invalid port %q", spec)
		}
		p, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", spec, err)
		}
		if p.Int() <= 0 {
			return nil, fmt.Errorf("invalid port %q", spec)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// resolveFunc maps a container port to the address reachable from the host.
type resolveFunc func(port nat.Port) (host string, hostPort int)

// mergeEndpoints lists declared ports in declaration order followed by
// observed sockets not already declared, in port order.
func mergeEndpoints(declared []nat.Port, observed []process.Socket, resolve resolveFunc) []Endpoint {
	listening := make(map[nat.Port]bool, len(observed))
	for _, s := range observed {
		listening[nat.Port(fmt.Sprintf("%d/%s", s.Port, s.Proto))] = true
	}

	var endpoints []Endpoint
	seen := make(map[nat.Port]bool)
	for _, p := range declared {
		if seen[p] {
			continue
		}
		seen[p] = true
		host, hostPort := resolve(p)
		endpoints = append(endpoints, Endpoint{
			Port:     p.Int(),
			Proto:    p.Proto(),
			Host:     host,
			HostPort: hostPort,
			Declared: true,
			Observed: listening[p],
		})
	}

	sorted := append([]process.Socket(nil), observed...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Port != sorted[j].Port {
			return sorted[i].Port < sorted[j].Port
		}
		return sorted[i].Proto < sorted[j].Proto
	})
	for _, s := range sorted {
		p := nat.Port(fmt.Sprintf("%d/%s", s.Port, s.Proto))
		if seen[p] {
			continue
		}
		seen[p] = true
		host, hostPort := resolve(p)
		endpoints = append(endpoints, Endpoint{
			Port:     s.Port,
			Proto:    s.Proto,
			Host:     host,
			HostPort: hostPort,
			Observed: true,
		})
	}
	return endpoints
}

// reachableHost turns a wildcard bind address into loopback.
func reachableHost(ip string) string {
	switch ip {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return ip
}
