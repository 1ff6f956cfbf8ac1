package backend

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"

	"quiver/internal/process"
)

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts([]string{"8080", "53/udp", "443/tcp"})
	require.NoError(t, err)
	require.Equal(t, []nat.Port{"8080/tcp", "53/udp", "443/tcp"}, ports)

	for _, bad := range []string{"", "abc", "0", "/tcp"} {
		_, err := ParsePorts([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestMergeEndpointsOrder(t *testing.T) {
	declared := []nat.Port{"9000/tcp", "53/udp", "9000/tcp"}
	observed := []process.Socket{
		{Proto: "tcp", Port: 8080},
		{Proto: "tcp", Port: 9000},
		{Proto: "tcp", Port: 22},
		{Proto: "udp", Port: 22},
	}
	endpoints := mergeEndpoints(declared, observed, func(p nat.Port) (string, int) {
		return "10.0.0.2", p.Int() + 1
	})

	var keys []nat.Port
	for _, e := range endpoints {
		keys = append(keys, e.Key())
	}
	require.Equal(t, []nat.Port{"9000/tcp", "53/udp", "22/tcp", "22/udp", "8080/tcp"}, keys)
	require.True(t, endpoints[0].Declared)
	require.True(t, endpoints[0].Observed)
	require.False(t, endpoints[1].Observed)
	require.False(t, endpoints[2].Declared)
	require.True(t, endpoints[2].Observed)
	require.Equal(t, "10.0.0.2:9001", endpoints[0].Address())
}

func TestMergeEndpointsEmpty(t *testing.T) {
	require.Empty(t, mergeEndpoints(nil, nil, nil))
}

func TestPortResolver(t *testing.T) {
	settings := &container.NetworkSettings{
		NetworkSettingsBase: container.NetworkSettingsBase{
			Ports: nat.PortMap{
				"80/tcp":  {{HostIP: "0.0.0.0", HostPort: "32768"}, {HostIP: "::", HostPort: "32768"}},
				"443/tcp": {{HostIP: "192.168.1.5", HostPort: "40443"}},
				"53/udp":  nil,
			},
		},
		Networks: map[string]*network.EndpointSettings{
			"zeta":   {IPAddress: "172.18.0.9"},
			"bridge": {IPAddress: "172.17.0.4"},
		},
	}
	resolve := portResolver(settings)

	tests := []struct {
		port     nat.Port
		host     string
		hostPort int
	}{
		{"80/tcp", "127.0.0.1", 32768},
		{"443/tcp", "192.168.1.5", 40443},
		{"53/udp", "172.17.0.4", 53},
		{"9999/tcp", "172.17.0.4", 9999},
	}
	for _, tt := range tests {
		host, hostPort := resolve(tt.port)
		require.Equal(t, tt.host, host, tt.port)
		require.Equal(t, tt.hostPort, hostPort, tt.port)
	}

	host, hostPort := portResolver(&container.NetworkSettings{})("8080/tcp")
	require.Equal(t, "127.0.0.1", host)
	require.Equal(t, 8080, hostPort)
}
