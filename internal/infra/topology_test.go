package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

const xrandrTwoMonitors = `Monitors: 2
 0: +*eDP-1 1920/344x1080/194+0+0  eDP-1
 1: +HDMI-1 1920/531x1080/299+1920+0  HDMI-1
`

const wmctrlList = `0x03a00003  0 laptop Exam Portal - Firefox
0x04200007  0 laptop OBS 30.0.2 - Profile: Untitled
`

func TestCommandTopology_Linux(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.set("xrandr --listmonitors", xrandrTwoMonitors, nil)
	runner.set("wmctrl -l", wmctrlList, nil)
	topo := NewTopologyProviderForOS(runner, "linux")
	ctx := context.Background()

	n, err := topo.CountActiveDisplays(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sources, err := topo.ListCaptureSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.CaptureSource{
		{ID: "screen:0", Name: "eDP-1"},
		{ID: "screen:1", Name: "HDMI-1"},
		{ID: "window:0x03a00003", Name: "Exam Portal - Firefox"},
		{ID: "window:0x04200007", Name: "OBS 30.0.2 - Profile: Untitled"},
	}, sources)
}

func TestCommandTopology_LinuxWithoutWMCtrl(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.set("xrandr --listmonitors", "Monitors: 1\n 0: +*eDP-1 1920/344x1080/194+0+0  eDP-1\n", nil)
	topo := NewTopologyProviderForOS(runner, "linux")

	sources, err := topo.ListCaptureSources(context.Background())

	require.NoError(t, err)
	assert.Len(t, sources, 1)
}

func TestCommandTopology_XrandrFailureIsUnknown(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.set("xrandr --listmonitors", "", errors.New("Can't open display"))
	topo := NewTopologyProviderForOS(runner, "linux")

	_, err := topo.CountActiveDisplays(context.Background())

	assert.Error(t, err)
}

func TestCommandTopology_Darwin(t *testing.T) {
	runner := newFakeCommandRunner()
	runner.set("system_profiler SPDisplaysDataType -json", `{
  "SPDisplaysDataType": [
    {"_name": "Apple M2", "spdisplays_ndrvs": [
      {"_name": "Color LCD"},
      {"_name": "DELL U2720Q"}
    ]}
  ]
}`, nil)
	topo := NewTopologyProviderForOS(runner, "darwin")

	n, err := topo.CountActiveDisplays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sources, err := topo.ListCaptureSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DELL U2720Q", sources[1].Name)
}

func TestCommandTopology_Unsupported(t *testing.T) {
	topo := NewTopologyProviderForOS(newFakeCommandRunner(), "windows")

	_, err := topo.CountActiveDisplays(context.Background())
	assert.ErrorIs(t, err, ErrTopologyUnsupported)

	_, err = topo.ListCaptureSources(context.Background())
	assert.ErrorIs(t, err, ErrTopologyUnsupported)
	assert.ErrorIs(t, err, domain.ErrCheckUnsupported)
}

func TestParseXrandrMonitors_Garbage(t *testing.T) {
	_, err := parseXrandrMonitors([]byte("something else entirely"))
	assert.Error(t, err)
}
