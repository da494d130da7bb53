package infra

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// ErrTopologyUnsupported means display topology is unknown on this platform.
var ErrTopologyUnsupported = fmt.Errorf("display topology: %w", domain.ErrCheckUnsupported)

// CommandTopology implements domain.TopologyProvider with platform tools:
// xrandr and wmctrl on Linux, system_profiler on macOS.
type CommandTopology struct {
	cmdRunner CommandRunner
	goos      string
}

// NewTopologyProvider creates the default topology provider.
func NewTopologyProvider(cmdRunner CommandRunner) *CommandTopology {
	return &CommandTopology{cmdRunner: cmdRunner, goos: runtime.GOOS}
}

// NewTopologyProviderForOS creates a provider for a specific platform (for testing).
func NewTopologyProviderForOS(cmdRunner CommandRunner, goos string) *CommandTopology {
	return &CommandTopology{cmdRunner: cmdRunner, goos: goos}
}

// CountActiveDisplays returns the number of active monitors.
func (t *CommandTopology) CountActiveDisplays(ctx context.Context) (int, error) {
	switch t.goos {
	case "linux":
		monitors, err := t.xrandrMonitors(ctx)
		if err != nil {
			return 0, err
		}
		return len(monitors), nil
	case "darwin":
		displays, err := t.macDisplays(ctx)
		if err != nil {
			return 0, err
		}
		return len(displays), nil
	default:
		return 0, ErrTopologyUnsupported
	}
}

// ListCaptureSources returns every screen and window that could be captured.
// Screens come first, then windows, as "screen:N" and "window:ID".
func (t *CommandTopology) ListCaptureSources(ctx context.Context) ([]domain.CaptureSource, error) {
	switch t.goos {
	case "linux":
		monitors, err := t.xrandrMonitors(ctx)
		if err != nil {
			return nil, err
		}
		sources := make([]domain.CaptureSource, 0, len(monitors))
		for i, m := range monitors {
			sources = append(sources, domain.CaptureSource{ID: "screen:" + strconv.Itoa(i), Name: m})
		}
		out, err := t.cmdRunner.Output(ctx, "wmctrl", "-l")
		if err != nil {
			// Screens alone are still a useful answer.
			return sources, nil
		}
		return append(sources, parseWMCtrlWindows(out)...), nil
	case "darwin":
		displays, err := t.macDisplays(ctx)
		if err != nil {
			return nil, err
		}
		sources := make([]domain.CaptureSource, 0, len(displays))
		for i, name := range displays {
			sources = append(sources, domain.CaptureSource{ID: "screen:" + strconv.Itoa(i), Name: name})
		}
		return sources, nil
	default:
		return nil, ErrTopologyUnsupported
	}
}

// xrandrMonitors parses `xrandr --listmonitors`:
//
//	Monitors: 2
//	 0: +*eDP-1 1920/344x1080/194+0+0  eDP-1
//	 1: +HDMI-1 1920/531x1080/299+1920+0  HDMI-1
func (t *CommandTopology) xrandrMonitors(ctx context.Context) ([]string, error) {
	out, err := t.cmdRunner.Output(ctx, "xrandr", "--listmonitors")
	if err != nil {
		return nil, fmt.Errorf("xrandr: %w", err)
	}
	return parseXrandrMonitors(out)
}

func parseXrandrMonitors(out []byte) ([]string, error) {
	var (
		monitors []string
		header   bool
	)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Monitors:") {
			header = true
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasSuffix(fields[0], ":") {
			continue
		}
		monitors = append(monitors, fields[len(fields)-1])
	}
	if !header {
		return nil, errors.New("xrandr: unexpected output")
	}
	return monitors, nil
}

type macDisplayReport struct {
	SPDisplays []struct {
		Name    string `json:"_name"`
		Screens []struct {
			Name string `json:"_name"`
		} `json:"spdisplays_ndrvs"`
	} `json:"SPDisplaysDataType"`
}

func (t *CommandTopology) macDisplays(ctx context.Context) ([]string, error) {
	out, err := t.cmdRunner.Output(ctx, "system_profiler", "SPDisplaysDataType", "-json")
	if err != nil {
		return nil, fmt.Errorf("system_profiler: %w", err)
	}
	return parseMacDisplays(out)
}

func parseMacDisplays(out []byte) ([]string, error) {
	var report macDisplayReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("system_profiler: %w", err)
	}
	var names []string
	for _, gpu := range report.SPDisplays {
		for _, s := range gpu.Screens {
			names = append(names, s.Name)
		}
	}
	return names, nil
}

// parseWMCtrlWindows parses `wmctrl -l`:
//
//	0x03a00003  0 hostname Window title
func parseWMCtrlWindows(out []byte) []domain.CaptureSource {
	var sources []domain.CaptureSource
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		sources = append(sources, domain.CaptureSource{
			ID:   "window:" + fields[0],
			Name: strings.Join(fields[3:], " "),
		})
	}
	return sources
}

var _ domain.TopologyProvider = (*CommandTopology)(nil)
