package infra

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// HostVMProbe implements domain.VMProbe. It asks gopsutil for the
// virtualization role and, where available, checks the CPU hypervisor flag.
type HostVMProbe struct {
	virtualization func(ctx context.Context) (system, role string, err error)
	hypervisorFlag func() (bool, error)
}

// NewVMProbe creates the default probe.
func NewVMProbe() *HostVMProbe {
	return &HostVMProbe{
		virtualization: host.VirtualizationWithContext,
		hypervisorFlag: cpuHypervisorFlag,
	}
}

// DetectVirtualization reports a finding if either hint says "guest". It
// only fails when neither hint could be read.
func (p *HostVMProbe) DetectVirtualization(ctx context.Context) (domain.VMFinding, error) {
	system, role, virtErr := p.virtualization(ctx)
	if virtErr == nil && role == "guest" {
		detail := "virtualization role guest"
		if system != "" {
			detail = fmt.Sprintf("%s guest", system)
		}
		return domain.VMFinding{Detected: true, Detail: detail}, nil
	}

	flag, flagErr := p.hypervisorFlag()
	if flagErr == nil && flag {
		return domain.VMFinding{Detected: true, Detail: "cpu hypervisor flag set"}, nil
	}

	if virtErr != nil && flagErr != nil {
		return domain.VMFinding{}, fmt.Errorf("vm probe: %w", virtErr)
	}
	return domain.VMFinding{}, nil
}

var _ domain.VMProbe = (*HostVMProbe)(nil)
