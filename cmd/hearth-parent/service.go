package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kardianos/service"
)

// program runs the parent under the OS service manager.
type program struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		if err := runParent(ctx); err != nil {
			slog.Error("Parent stopped with error", "error", err)
			os.Exit(1)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}

	select {
	case <-p.done:
	case <-time.After(2 * shutdownTimeout):
		slog.Warn("Parent service stop timed out")
	}
	return nil
}

func serviceConfig() *service.Config {
	workingDir, _ := os.Getwd()
	if exe, err := os.Executable(); err == nil {
		workingDir = filepath.Dir(exe)
	}

	return &service.Config{
		Name:             "hearth-parent",
		DisplayName:      "Hearth Parent",
		Description:      "Coordinates parental-control agents on the local network.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"-service", "run"},
		Option: service.KeyValue{
			"StartType":  "automatic",
			"OnFailure":  "restart",
			"Restart":    "on-failure",
			"RestartSec": 5,
			"KillSignal": "SIGTERM",
			"RunAtLoad":  true,
			"KeepAlive":  true,
		},
	}
}

// controlService installs, removes or drives the OS service. "run" is the
// entry point used by the service manager itself.
func controlService(action string) error {
	svc, err := service.New(&program{}, serviceConfig())
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if action == "run" {
		return svc.Run()
	}

	if err := service.Control(svc, action); err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	slog.Info("Service command completed", "action", action)
	return nil
}
