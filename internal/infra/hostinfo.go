package infra

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

const unknownLabel = "unknown"

// GopsutilHost implements domain.HostDescriber using gopsutil.
type GopsutilHost struct {
	logger *zap.Logger
}

// NewHostDescriber creates a host describer.
func NewHostDescriber(logger *zap.Logger) *GopsutilHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GopsutilHost{logger: logger}
}

// DescribeHost returns CPU, memory and OS labels. Each part that cannot be
// read is reported as "unknown".
func (h *GopsutilHost) DescribeHost(ctx context.Context) domain.HostDescriptor {
	d := domain.HostDescriptor{CPULabel: unknownLabel, RAMLabel: unknownLabel, OSLabel: unknownLabel}

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		if label := strings.TrimSpace(infos[0].VendorID + " " + infos[0].ModelName); label != "" {
			d.CPULabel = label
		}
	} else if err != nil {
		h.logger.Debug("cpu info unavailable", zap.Error(err))
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		d.RAMBytes = vm.Total
		d.RAMLabel = humanize.IBytes(vm.Total)
	} else {
		h.logger.Debug("memory info unavailable", zap.Error(err))
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		d.OSLabel = osLabel(info.Platform, info.PlatformVersion, info.OS)
	} else {
		h.logger.Debug("host info unavailable", zap.Error(err))
	}

	return d
}

// osLabel builds "distro release", falling back to the OS family.
func osLabel(platform, version, family string) string {
	label := strings.TrimSpace(platform + " " + version)
	if label == "" {
		label = family
	}
	if label == "" {
		return unknownLabel
	}
	return label
}

var _ domain.HostDescriber = (*GopsutilHost)(nil)
