//go:build windows

package mcptransport

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func signalProcess(p *os.Process, _ bool) error {
	return p.Kill()
}
