package infra

import (
	"context"
	"fmt"
	"strings"

	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
)

// fakeCommandRunner returns canned output keyed by "name arg1 arg2".
type fakeCommandRunner struct {
	outputs map[string][]byte
	errs    map[string]error
	calls   []string
}

func newFakeCommandRunner() *fakeCommandRunner {
	return &fakeCommandRunner{
		outputs: make(map[string][]byte),
		errs:    make(map[string]error),
	}
}

func (f *fakeCommandRunner) set(cmd string, out string, err error) {
	f.outputs[cmd] = []byte(out)
	if err != nil {
		f.errs[cmd] = err
	}
}

func (f *fakeCommandRunner) lookup(name string, args ...string) ([]byte, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	out, ok := f.outputs[key]
	if !ok {
		return nil, fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return out, f.errs[key]
}

func (f *fakeCommandRunner) Run(_ context.Context, name string, args ...string) error {
	_, err := f.lookup(name, args...)
	return err
}

func (f *fakeCommandRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	return f.lookup(name, args...)
}

func (f *fakeCommandRunner) CombinedOutput(_ context.Context, name string, args ...string) ([]byte, error) {
	return f.lookup(name, args...)
}

// exitError mimics *exec.ExitError for exit code extraction.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }
func (e *exitError) ExitCode() int { return e.code }

// fakeInventory returns a fixed snapshot.
type fakeInventory struct {
	snap domain.Snapshot
	err  error
}

func (f *fakeInventory) Snapshot(context.Context) (domain.Snapshot, error) {
	return f.snap, f.err
}

var (
	_ CommandRunner           = (*fakeCommandRunner)(nil)
	_ domain.ProcessInventory = (*fakeInventory)(nil)
)
