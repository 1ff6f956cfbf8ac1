package process

import (
	"context"
	"fmt"
	"slices"

	gpnet "github.com/shirou/gopsutil/v4/net"
	gpprocess "github.com/shirou/gopsutil/v4/process"
)

// Socket is a listening socket observed in a process' network namespace.
type Socket struct {
	Proto string // "tcp" or "udp"
	IP    string
	Port  int
	PID   int
}

// OpenFiles returns the paths of the files pid holds open.
func OpenFiles(ctx context.Context, pid int) ([]string, error) {
	p, err := gpprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("lookup process %d: %w", pid, err)
	}
	files, err := p.OpenFilesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("open files of %d: %w", pid, err)
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

// Children returns the PIDs of the direct children of pid.
func Children(ctx context.Context, pid int) ([]int, error) {
	p, err := gpprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("lookup process %d: %w", pid, err)
	}
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		// gopsutil reports "no children" as an error.
		return nil, nil
	}
	pids := make([]int, 0, len(children))
	for _, c := range children {
		pids = append(pids, int(c.Pid))
	}
	return pids, nil
}

// Stopped reports whether pid is in a stopped (group-stop or traced) state.
func Stopped(ctx context.Context, pid int) (bool, error) {
	p, err := gpprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, fmt.Errorf("lookup process %d: %w", pid, err)
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("status of %d: %w", pid, err)
	}
	return slices.Contains(status, gpprocess.Stop), nil
}

// Alive reports whether pid still exists.
func Alive(ctx context.Context, pid int) bool {
	ok, err := gpprocess.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// ListeningSockets returns the TCP and UDP sockets bound for listening by
// pid and its direct children, as seen from pid's network namespace.
func ListeningSockets(ctx context.Context, pid int) ([]Socket, error) {
	pids := []int{pid}
	if children, err := Children(ctx, pid); err == nil {
		pids = append(pids, children...)
	}

	var sockets []Socket
	seen := make(map[string]bool)
	for _, p := range pids {
		conns, err := gpnet.ConnectionsPidWithContext(ctx, "inet", int32(p))
		if err != nil {
			if p == pid {
				return nil, fmt.Errorf("connections of %d: %w", p, err)
			}
			continue
		}
		for _, c := range conns {
			proto, ok := listeningProto(c)
			if !ok {
				continue
			}
			key := fmt.Sprintf("%s/%d", proto, c.Laddr.Port)
			if seen[key] {
				continue
			}
			seen[key] = true
			sockets = append(sockets, Socket{
				Proto: proto,
				IP:    c.Laddr.IP,
				Port:  int(c.Laddr.Port),
				PID:   int(c.Pid),
			})
		}
	}
	return sockets, nil
}

// listeningProto classifies a connection as a listening TCP socket or a
// bound, unconnected UDP socket.
func listeningProto(c gpnet.ConnectionStat) (string, bool) {
	const (
		sockStream = 1
		sockDgram  = 2
	)
	switch c.Type {
	case sockStream:
		return "tcp", c.Status == "LISTEN"
	case sockDgram:
		return "udp", c.Laddr.Port != 0 && c.Raddr.Port == 0
	}
	return "", false
}
