//go:build !unix

package cliproc

import (
	"errors"
	"os"
	"os/exec"
)

func configureProcess(*exec.Cmd) {}

// terminateProcess has no graceful variant off unix; the process is killed.
func terminateProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
