package launcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

const shell = "/bin/bash"

// execute runs the built command and waits for it. Interrupts are forwarded
// to the child; cancelling ctx terminates it.
func (l *Launcher) execute(ctx context.Context) (int, error) {
	if l.command == "" {
		return -1, errors.New("command was not built")
	}
	cmd := exec.Command(shell, "-c", l.command)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	// own process group so signals reach every process the script starts
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 10 * time.Second

	signals := make(chan os.Signal, 5)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	wait := make(chan error, 1)
	go func() {
		wait <- cmd.Wait()
		close(wait)
	}()

	done := ctx.Done()
	for {
		select {
		case sig := <-signals:
			klog.Infof("forwarding %v to training script", sig)
			signalGroup(cmd, sig.(syscall.Signal))
		case <-done:
			klog.Infof("terminating training script: %v", ctx.Err())
			signalGroup(cmd, syscall.SIGTERM)
			done = nil
		case err := <-wait:
			code := cmd.ProcessState.ExitCode()
			if ctx.Err() != nil {
				return code, fmt.Errorf("training script stopped: %w", ctx.Err())
			}
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return code, fmt.Errorf("training script exited with status %d: %w", code, err)
				}
				return code, err
			}
			return code, nil
		}
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}
