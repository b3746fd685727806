//go:build !unix

package backtest

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(int) {}
