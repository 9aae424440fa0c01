package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Peer is a logical stage name and the address it is reached at.
type Peer struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	Address string `json:"address" yaml:"address" toml:"address"`
}

// PeerMode selects which address set is active.
type PeerMode string

const (
	// PeerModeAuto probes the runtime environment once at startup.
	PeerModeAuto PeerMode = "auto"
	// PeerModeLocal uses addresses reachable from a developer machine.
	PeerModeLocal PeerMode = "local"
	// PeerModeFleet uses addresses inside the container network.
	PeerModeFleet PeerMode = "fleet"
)

// IsValid reports whether the mode is known.
func (m PeerMode) IsValid() bool {
	switch m {
	case PeerModeAuto, PeerModeLocal, PeerModeFleet:
		return true
	default:
		return false
	}
}

// PeerSet is the configured address mapping for both environments.
type PeerSet struct {
	Mode  PeerMode `json:"mode" yaml:"mode" toml:"mode"`
	Local []Peer   `json:"local" yaml:"local" toml:"local"`
	Fleet []Peer   `json:"fleet" yaml:"fleet" toml:"fleet"`
	// ProbeHost is resolved in auto mode; success means fleet.
	ProbeHost string `json:"probe_host" yaml:"probe_host" toml:"probe_host"`
}

// EnvProbe inspects the runtime environment in auto mode.
type EnvProbe struct {
	Getenv       func(string) string
	LookupHost   func(ctx context.Context, host string) ([]string, error)
	Stat         func(string) (os.FileInfo, error)
	SentinelFile string
	Timeout      time.Duration
}

// DefaultEnvProbe returns a probe backed by the real environment.
func DefaultEnvProbe() EnvProbe {
	return EnvProbe{
		Getenv:       os.Getenv,
		LookupHost:   net.DefaultResolver.LookupHost,
		Stat:         os.Stat,
		SentinelFile: "/.dockerenv",
		Timeout:      2 * time.Second,
	}
}

// fleetEnvVars are checked in order; "true" selects fleet mode.
var fleetEnvVars = []string{"AGENTRELAY_DOCKER_ENV", "DOCKER_ENV"}

// DetectMode resolves auto mode: env flag, then host probe, then sentinel file.
func (p EnvProbe) DetectMode(probeHost string) PeerMode {
	if p.Getenv != nil {
		for _, key := range fleetEnvVars {
			if strings.EqualFold(strings.TrimSpace(p.Getenv(key)), "true") {
				return PeerModeFleet
			}
		}
	}
	if probeHost != "" && p.LookupHost != nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		addrs, err := p.LookupHost(ctx, probeHost)
		cancel()
		if err == nil && len(addrs) > 0 {
			return PeerModeFleet
		}
	}
	if p.SentinelFile != "" && p.Stat != nil {
		if _, err := p.Stat(p.SentinelFile); err == nil {
			return PeerModeFleet
		}
	}
	return PeerModeLocal
}

// ResolvePeers picks the active peer list. It runs once at startup; the
// result is passed to the discovery client explicitly.
func ResolvePeers(set PeerSet, probe EnvProbe) ([]Peer, PeerMode, error) {
	mode := set.Mode
	if mode == "" {
		mode = PeerModeAuto
	}
	if !mode.IsValid() {
		return nil, "", fmt.Errorf("invalid peer mode %q", set.Mode)
	}
	if mode == PeerModeAuto {
		mode = probe.DetectMode(set.ProbeHost)
	}

	var peers []Peer
	if mode == PeerModeFleet {
		peers = set.Fleet
	} else {
		peers = set.Local
	}

	out := make([]Peer, 0, len(peers))
	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		addr := strings.TrimRight(strings.TrimSpace(p.Address), "/")
		if addr == "" {
			return nil, "", fmt.Errorf("peer %q has empty address", p.Name)
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, Peer{Name: p.Name, Address: addr})
	}
	return out, mode, nil
}

// Without returns peers excluding the given address, so a stage never
// discovers itself.
func Without(peers []Peer, self string) []Peer {
	self = strings.TrimRight(self, "/")
	if self == "" {
		return peers
	}
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.Address != self {
			out = append(out, p)
		}
	}
	return out
}
