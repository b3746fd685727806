package backtest

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

// killTree kills pid and all of its descendants, children first, then the
// whole process group as a fallback for anything that was reparented.
func killTree(pid int) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	var firstErr error
	for _, p := range descendants(root) {
		if err := p.Kill(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := root.Kill(); err != nil && firstErr == nil {
		firstErr = err
	}
	killProcessGroup(pid)
	return firstErr
}

func descendants(p *process.Process) []*process.Process {
	children, err := p.Children()
	if err != nil {
		return nil
	}
	var out []*process.Process
	for _, c := range children {
		out = append(out, descendants(c)...)
		out = append(out, c)
	}
	return out
}
