package infra

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// DefaultResolvConf is where nameservers are read from on Unix hosts.
const DefaultResolvConf = "/etc/resolv.conf"

// tunnelPrefixes identify interfaces created by VPN and tunnel software.
var tunnelPrefixes = []string{"tun", "utun", "wg", "tap", "ppp", "ipsec", "tailscale", "zt"}

// NetworkCollector implements domain.NetworkSignalCollector from coarse host
// signals: process list, proxy environment, resolv.conf and interfaces.
type NetworkCollector struct {
	inventory  domain.ProcessInventory
	vpnNames   mapset.Set[string]
	fs         afero.Fs
	resolvPath string
	proxyEnv   func() *httpproxy.Config
	interfaces func(ctx context.Context) (net.InterfaceStatList, error)
	logger     *zap.Logger
}

// NewNetworkCollector creates a collector. vpnNames are lowercased process
// names of VPN and tunnel clients.
func NewNetworkCollector(inventory domain.ProcessInventory, vpnNames []string, logger *zap.Logger) *NetworkCollector {
	return NewNetworkCollectorWithDeps(inventory, vpnNames, afero.NewOsFs(), DefaultResolvConf,
		httpproxy.FromEnvironment, net.InterfacesWithContext, logger)
}

// NewNetworkCollectorWithDeps creates a collector with injectable dependencies (for testing)
func NewNetworkCollectorWithDeps(
	inventory domain.ProcessInventory,
	vpnNames []string,
	fs afero.Fs,
	resolvPath string,
	proxyEnv func() *httpproxy.Config,
	interfaces func(ctx context.Context) (net.InterfaceStatList, error),
	logger *zap.Logger,
) *NetworkCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := mapset.NewThreadUnsafeSet[string]()
	for _, n := range vpnNames {
		names.Add(strings.ToLower(n))
	}
	return &NetworkCollector{
		inventory:  inventory,
		vpnNames:   names,
		fs:         fs,
		resolvPath: resolvPath,
		proxyEnv:   proxyEnv,
		interfaces: interfaces,
		logger:     logger,
	}
}

// Collect gathers one observation. Individual sources that fail leave their
// fields empty (or Known=false); it errors only when every source failed.
func (c *NetworkCollector) Collect(ctx context.Context) (domain.NetworkObservation, error) {
	var obs domain.NetworkObservation
	var failures int

	vpn, err := c.vpnProcesses(ctx)
	if err != nil {
		failures++
		c.logger.Debug("vpn process scan failed", zap.Error(err))
	}
	obs.VPNProcesses = vpn

	obs.ProxyDetail = c.proxyDetail()

	servers, err := c.nameservers()
	if err != nil {
		failures++
		c.logger.Debug("resolv.conf unavailable", zap.String("path", c.resolvPath), zap.Error(err))
	} else {
		obs.DNSServers = servers
		obs.DNSKnown = true
	}

	up, tunnels, err := c.upInterfaces(ctx)
	if err != nil {
		failures++
		c.logger.Debug("interface list unavailable", zap.Error(err))
	} else {
		obs.UpInterfaces = up
		obs.TunnelInterfaces = tunnels
		obs.InterfacesKnown = true
	}

	if failures == 3 {
		return obs, errors.New("network signals unavailable")
	}
	return obs, nil
}

func (c *NetworkCollector) vpnProcesses(ctx context.Context) ([]string, error) {
	if c.inventory == nil || c.vpnNames.Cardinality() == 0 {
		return nil, nil
	}
	snap, err := c.inventory.Snapshot(ctx)
	if err != nil && snap.Len() == 0 {
		return nil, err
	}
	found := mapset.NewThreadUnsafeSet[string]()
	for rec := range snap.All() {
		if name := strings.ToLower(rec.Name); c.vpnNames.Contains(name) {
			found.Add(name)
		}
	}
	names := found.ToSlice()
	slices.Sort(names)
	return names, nil
}

func (c *NetworkCollector) proxyDetail() string {
	if c.proxyEnv == nil {
		return ""
	}
	cfg := c.proxyEnv()
	if cfg == nil {
		return ""
	}
	var parts []string
	if cfg.HTTPProxy != "" {
		parts = append(parts, "http="+cfg.HTTPProxy)
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, "https="+cfg.HTTPSProxy)
	}
	return strings.Join(parts, " ")
}

func (c *NetworkCollector) nameservers() ([]string, error) {
	data, err := afero.ReadFile(c.fs, c.resolvPath)
	if err != nil {
		return nil, err
	}
	return parseResolvConf(data), nil
}

func parseResolvConf(data []byte) []string {
	var servers []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "nameserver" {
			servers = append(servers, fields[1])
		}
	}
	return servers
}

func (c *NetworkCollector) upInterfaces(ctx context.Context) (up, tunnels []string, err error) {
	if c.interfaces == nil {
		return nil, nil, fmt.Errorf("no interface source")
	}
	list, err := c.interfaces(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, iface := range list {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		up = append(up, iface.Name)
		if isTunnelInterface(iface.Name) {
			tunnels = append(tunnels, iface.Name)
		}
	}
	slices.Sort(up)
	slices.Sort(tunnels)
	return up, tunnels, nil
}

func isTunnelInterface(name string) bool {
	n := strings.ToLower(name)
	for _, p := range tunnelPrefixes {
		if strings.HasPrefix(n, p) {
			return true
		}
	}
	return false
}

var _ domain.NetworkSignalCollector = (*NetworkCollector)(nil)
