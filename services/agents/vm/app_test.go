package vm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func logEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func fatalEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	for _, entry := range logEntries(t, buf) {
		if entry["level"] == "fatal" {
			return entry
		}
	}
	t.Fatalf("no fatal log entry in %s", buf.String())
	return nil
}

func TestAppRunEndToEnd(t *testing.T) {
	tests := []struct {
		name         string
		env          map[string]string
		provisioning toolResult
		sysinfo      toolResult
		wantEndpoint string
	}{
		{
			name:         "scenario without override",
			provisioning: toolResult{stdout: scenarioProvisioning},
			sysinfo:      toolResult{stdout: scenarioSysinfo},
			wantEndpoint: "http://vmapi.example.com",
		},
		{
			name:         "scenario with override",
			env:          map[string]string{"VMAPI_URL": "https://override.example.com"},
			provisioning: toolResult{stdout: scenarioProvisioning},
			sysinfo:      toolResult{stdout: scenarioSysinfo},
			wantEndpoint: "https://override.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := &spyCollaborators{}
			app := &App{
				Settings: testSettings(t, tt.env),
				Logger:   zerolog.Nop(),
				Runner:   newFakeRunner(tt.provisioning, tt.sysinfo),
				Wiring:   spy.wiring(),
			}

			err := app.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if ExitCode(err) != 0 {
				t.Fatalf("ExitCode() = %d, want 0", ExitCode(err))
			}
			if spy.vmConfig.MachineID != "abc-123" {
				t.Fatalf("MachineID = %q, want abc-123", spy.vmConfig.MachineID)
			}
			if got := spy.vmConfig.ServiceEndpoint.String(); got != tt.wantEndpoint {
				t.Fatalf("ServiceEndpoint = %q, want %q", got, tt.wantEndpoint)
			}
		})
	}
}

func TestAppRunMissingIdentity(t *testing.T) {
	var buf bytes.Buffer
	spy := &spyCollaborators{}
	app := &App{
		Settings: testSettings(t, nil),
		Logger:   zerolog.New(&buf),
		Runner:   newFakeRunner(toolResult{stdout: scenarioProvisioning}, toolResult{stdout: `{}`}),
		Wiring:   spy.wiring(),
	}

	err := app.Run(context.Background())

	if !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("Run() error = %v, want ErrMissingIdentity", err)
	}
	if ExitCode(err) == 0 {
		t.Fatal("ExitCode() = 0, want nonzero")
	}
	if spy.updateBuilt != 0 || spy.vmBuilt != 0 {
		t.Fatalf("collaborators constructed: update=%d vm=%d", spy.updateBuilt, spy.vmBuilt)
	}

	entry := fatalEntry(t, &buf)
	if entry["stage"] != string(StageValidate) {
		t.Fatalf("stage = %v, want validate", entry["stage"])
	}
	if msg, _ := entry["message"].(string); !strings.Contains(msg, `"UUID"`) {
		t.Fatalf("message = %q, want mention of UUID", msg)
	}
}

func TestAppRunConfigScriptFails(t *testing.T) {
	var buf bytes.Buffer
	spy := &spyCollaborators{}
	runner := newFakeRunner(toolResult{exitCode: 1, stderr: "permission denied"}, toolResult{stdout: scenarioSysinfo})
	app := &App{
		Settings: testSettings(t, nil),
		Logger:   zerolog.New(&buf),
		Runner:   runner,
		Wiring:   spy.wiring(),
	}

	err := app.Run(context.Background())

	if ExitCode(err) == 0 {
		t.Fatalf("ExitCode() = 0 for %v", err)
	}
	if runner.called("/usr/bin/sysinfo") {
		t.Fatal("sysinfo invoked after config failure")
	}
	if spy.updateBuilt != 0 || spy.vmBuilt != 0 {
		t.Fatal("collaborators constructed after config failure")
	}

	entry := fatalEntry(t, &buf)
	if entry["stage"] != "config" {
		t.Fatalf("stage = %v, want config", entry["stage"])
	}
	if entry["stderr"] != "permission denied" {
		t.Fatalf("stderr = %v, want permission denied", entry["stderr"])
	}
	if entry["message"] != "could not load config" {
		t.Fatalf("message = %v", entry["message"])
	}
}

func TestAppRunMissingEndpoint(t *testing.T) {
	var buf bytes.Buffer
	spy := &spyCollaborators{}
	app := &App{
		Settings: testSettings(t, nil),
		Logger:   zerolog.New(&buf),
		Runner:   newFakeRunner(toolResult{stdout: `{}`}, toolResult{stdout: scenarioSysinfo}),
		Wiring:   spy.wiring(),
	}

	err := app.Run(context.Background())
	if !errors.Is(err, ErrMissingEndpoint) {
		t.Fatalf("Run() error = %v, want ErrMissingEndpoint", err)
	}
	if spy.vmBuilt != 0 {
		t.Fatal("vm agent constructed without an endpoint")
	}
	if entry := fatalEntry(t, &buf); entry["message"] != "VMAPI endpoint is required" {
		t.Fatalf("message = %v", entry["message"])
	}
}

func TestAppRunCollaboratorFailure(t *testing.T) {
	spy := &spyCollaborators{runErr: errors.New("vmadm vanished")}
	app := &App{
		Settings: testSettings(t, nil),
		Logger:   zerolog.Nop(),
		Runner:   newFakeRunner(toolResult{stdout: scenarioProvisioning}, toolResult{stdout: scenarioSysinfo}),
		Wiring:   spy.wiring(),
	}

	err := app.Run(context.Background())
	if err == nil || ExitCode(err) != 1 {
		t.Fatalf("Run() error = %v, exit %d", err, ExitCode(err))
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "shutdown", err: context.Canceled, want: 0},
		{name: "stage failure", err: &StageError{Stage: StageConfig, Err: errors.New("boom")}, want: 1},
		{name: "cancelled during init", err: &StageError{Stage: StageIdentity, Err: context.Canceled}, want: 1},
		{name: "other", err: errors.New("boom"), want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
