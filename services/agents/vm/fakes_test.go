package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sethvargo/go-envconfig"

	"vmagent/pkg/hostexec"
)

type toolResult struct {
	stdout   string
	exitCode int
	stderr   string
}

// fakeRunner answers tool invocations by command name and records every
// call it sees.
type fakeRunner struct {
	results map[string]toolResult
	calls   [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))

	res, ok := f.results[name]
	if !ok {
		return nil, &hostexec.ExitError{Cmd: name, ExitCode: -1, Err: errors.New("executable file not found")}
	}
	if res.exitCode != 0 {
		return nil, &hostexec.ExitError{
			Cmd:      name,
			ExitCode: res.exitCode,
			Stderr:   res.stderr,
			Err:      fmt.Errorf("exit status %d", res.exitCode),
		}
	}
	return []byte(res.stdout), nil
}

func (f *fakeRunner) called(name string) bool {
	for _, call := range f.calls {
		if call[0] == name {
			return true
		}
	}
	return false
}

func newFakeRunner(provisioning, sysinfo toolResult) *fakeRunner {
	return &fakeRunner{results: map[string]toolResult{
		"/bin/bash":        provisioning,
		"/usr/bin/sysinfo": sysinfo,
	}}
}

func mapLookuper(env map[string]string) envconfig.Lookuper {
	if env == nil {
		env = map[string]string{}
	}
	return envconfig.MapLookuper(env)
}

func testSettings(t *testing.T, env map[string]string) Settings {
	t.Helper()
	s, err := LoadSettings(context.Background(), mapLookuper(env))
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	return s
}

// spyCollaborators counts constructor calls and records what the VM agent
// was given.
type spyCollaborators struct {
	mu          sync.Mutex
	updateBuilt int
	vmBuilt     int
	vmConfig    AgentConfig
	runErr      error
	runPanic    any
}

func (s *spyCollaborators) wiring() *Wiring {
	return &Wiring{
		NewUpdateAgent: func(cfg AgentConfig) (UpdateAgent, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.updateBuilt++
			return &stubUpdateAgent{}, nil
		},
		NewVmAgent: func(cfg AgentConfig) (VmAgent, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.vmBuilt++
			s.vmConfig = cfg
			return stubVmAgent{err: s.runErr, panicValue: s.runPanic}, nil
		},
	}
}

type stubUpdateAgent struct{}

func (*stubUpdateAgent) Queue(context.Context, VMUpdate) error { return nil }
func (*stubUpdateAgent) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type stubVmAgent struct {
	err        error
	panicValue any
}

func (s stubVmAgent) Run(context.Context) error {
	if s.panicValue != nil {
		panic(s.panicValue)
	}
	return s.err
}

func joinCall(call []string) string {
	return strings.Join(call, " ")
}
