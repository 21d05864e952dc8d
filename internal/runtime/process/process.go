package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/warden/internal/runtime"
)

const outputWaitDelay = 2 * time.Second

type runtimeImpl struct{}

// New constructs a runtime that executes commands as local processes.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("process runtime requires a command")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The child must outlive the start context; termination is explicit.
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// Bounds the wait for output copying when a grandchild keeps the pipes open.
	cmd.WaitDelay = outputWaitDelay
	configureCmdSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", displayName(spec), err)
	}

	inst := &processInstance{
		name:        displayName(spec),
		cmd:         cmd,
		stopTimeout: spec.StopTimeout,
		waitDone:    make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		inst.mu.Lock()
		inst.waitErr = err
		inst.mu.Unlock()
		close(inst.waitDone)
	}()

	return inst, nil
}

func displayName(spec runtime.StartSpec) string {
	if spec.Name != "" {
		return spec.Name
	}
	return spec.Command
}

func mergeEnv(base []string, overrides map[string]string) []string {
	env := append([]string(nil), base...)
	if len(overrides) == 0 {
		return env
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return env
}

type processInstance struct {
	name        string
	cmd         *exec.Cmd
	stopTimeout time.Duration

	waitDone chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (p *processInstance) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *processInstance) Running() bool {
	select {
	case <-p.waitDone:
		return false
	default:
		return true
	}
}

func (p *processInstance) Done() <-chan struct{} {
	return p.waitDone
}

func (p *processInstance) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// exitError reports the exit result of a process that was terminated on
// request. Signal-induced exits are expected and not treated as failures.
func (p *processInstance) exitError() error {
	err := p.ExitErr()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

var _ runtime.Handle = (*processInstance)(nil)
