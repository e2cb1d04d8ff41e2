package bridge

import (
	"context"

	"github.com/xkilldash9x/uia-bridge/internal/relay"
	"github.com/xkilldash9x/uia-bridge/internal/supervisor"
)

type idleProcess struct{ done chan struct{} }

func newIdleProcess() *idleProcess { return &idleProcess{done: make(chan struct{})} }

func (p *idleProcess) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
func (p *idleProcess) Done() <-chan struct{} { return p.done }

type launcherFunc func() Process

func (f launcherFunc) Launch(context.Context, supervisor.Spec, *relay.Relay) (Process, error) {
	return f(), nil
}

type launcherFuncSpec func(setup string)

func (f launcherFuncSpec) Launch(_ context.Context, spec supervisor.Spec, _ *relay.Relay) (Process, error) {
	f(spec.SetupScript)
	return newIdleProcess(), nil
}
