package infra

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// ErrTitlesUnsupported is returned where no window title source exists.
var ErrTitlesUnsupported = errors.New("window titles not supported on this platform")

// WMCtrlTitleSource reads top-level window titles with `wmctrl -lp` (X11).
type WMCtrlTitleSource struct {
	cmdRunner CommandRunner
	goos      string
}

// NewWindowTitleSource creates the default title source for this platform.
func NewWindowTitleSource(cmdRunner CommandRunner) *WMCtrlTitleSource {
	return &WMCtrlTitleSource{cmdRunner: cmdRunner, goos: runtime.GOOS}
}

// WindowTitles maps PIDs to the titles of the windows they own.
func (s *WMCtrlTitleSource) WindowTitles(ctx context.Context) (map[int][]string, error) {
	if s.goos != "linux" {
		return nil, ErrTitlesUnsupported
	}
	out, err := s.cmdRunner.Output(ctx, "wmctrl", "-lp")
	if err != nil {
		return nil, err
	}
	return parseWMCtrlPIDs(out), nil
}

// parseWMCtrlPIDs parses lines of the form
//
//	0x03a00003  0 12345  hostname Window title
func parseWMCtrlPIDs(out []byte) map[int][]string {
	titles := make(map[int][]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		pid, err := strconv.Atoi(fields[2])
		if err != nil || pid <= 0 {
			continue
		}
		titles[pid] = append(titles[pid], strings.Join(fields[4:], " "))
	}
	return titles
}

var _ domain.WindowTitleSource = (*WMCtrlTitleSource)(nil)
