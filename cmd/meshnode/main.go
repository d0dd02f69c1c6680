// Command meshnode runs one node of the mesh: it binds the datagram and
// stream transports, loads persisted identity and routing state, dials
// the configured peer directory, and optionally serves the §6 HTTP
// control plane. Flag parsing and signal-driven shutdown follow
// server/main.go's shape (flag.String/Duration/Int, signal.Notify on
// os.Interrupt, context cancellation fans out to every goroutine).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"meshnode/internal/discovery"
	"meshnode/internal/mesh"
	"meshnode/internal/midiio"
	"meshnode/internal/wire"
)

// peerList accumulates repeated -peer flags into a discovery.PeerAddr
// slice. Each value has the form name=host:streamPort:datagramPort:nodeId.
type peerList struct {
	peers []discovery.PeerAddr
}

func (p *peerList) String() string {
	parts := make([]string, len(p.peers))
	for i, a := range p.peers {
		parts[i] = a.Name
	}
	return strings.Join(parts, ",")
}

func (p *peerList) Set(value string) error {
	nameAndRest := strings.SplitN(value, "=", 2)
	if len(nameAndRest) != 2 {
		return fmt.Errorf("peer %q: expected name=host:streamPort:datagramPort:nodeId", value)
	}
	fields := strings.Split(nameAndRest[1], ":")
	if len(fields) != 4 {
		return fmt.Errorf("peer %q: expected host:streamPort:datagramPort:nodeId", value)
	}
	streamPort, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("peer %q: bad stream port: %w", value, err)
	}
	datagramPort, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("peer %q: bad datagram port: %w", value, err)
	}
	node, err := wire.ParseNodeID(fields[3])
	if err != nil {
		return fmt.Errorf("peer %q: bad node id: %w", value, err)
	}
	p.peers = append(p.peers, discovery.PeerAddr{
		Node:         node,
		Name:         nameAndRest[0],
		Address:      fields[0],
		StreamPort:   streamPort,
		DatagramPort: datagramPort,
	})
	return nil
}

func main() {
	stateDir := flag.String("state-dir", "meshnode-state", "directory holding identity.json, routes.json, audit.db")
	nodeName := flag.String("name", "", "human-readable node name (defaults to a generated name on first run)")
	datagramAddr := flag.String("datagram-addr", ":7400", "UDP bind address for real-time MIDI and heartbeats")
	streamAddr := flag.String("stream-addr", ":7401", "TCP bind address for SysEx and control records")
	controlAddr := flag.String("control-addr", "", "HTTP control-plane listen address (empty disables it)")
	heartbeatInterval := flag.Duration("heartbeat-interval", 0, "interval between heartbeat datagrams (0 = package default)")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 0, "peer unresponsiveness duration before it is marked failed (0 = package default)")
	var peers peerList
	flag.Var(&peers, "peer", "peer directory entry name=host:streamPort:datagramPort:nodeId (repeatable)")
	flag.Parse()

	if *nodeName == "" {
		*nodeName = "meshnode-" + wire.NewNodeID().String()[:8]
	}

	m, err := mesh.New(mesh.Config{
		StateDir:          *stateDir,
		NodeName:          *nodeName,
		DatagramBindAddr:  *datagramAddr,
		StreamBindAddr:    *streamAddr,
		ControlPlaneAddr:  *controlAddr,
		Directory:         discovery.NewStaticDirectory(peers.peers),
		LocalBackend:      midiio.NewNullBackend(),
		HeartbeatInterval: *heartbeatInterval,
		HeartbeatTimeout:  *heartbeatTimeout,
	})
	if err != nil {
		slog.Error("failed to construct mesh manager", "err", err)
		os.Exit(1)
	}

	if err := m.Start(); err != nil {
		// spec.md §6: exit code 2 is reserved for transient startup
		// failures (port in use, etc.), distinct from the configuration
		// errors that exit 1 above.
		slog.Error("failed to start mesh manager", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutdown signal received, stopping mesh manager")
	m.Stop()
}
