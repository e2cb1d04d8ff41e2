// File: cmd/helpers_test.go
package cmd

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/xkilldash9x/uia-bridge/internal/bridge"
	"github.com/xkilldash9x/uia-bridge/internal/endpoint"
	"github.com/xkilldash9x/uia-bridge/internal/relay"
	"github.com/xkilldash9x/uia-bridge/internal/supervisor"
)

var logMessageRe = regexp.MustCompile(`^UIALogger\.logMessage\('(.*)'\);$`)

// fakeInstruments pulls fragments through the execution endpoint like the injected script and
// answers with canned output.
type fakeInstruments struct {
	// outputs maps a script body to the lines it prints.
	outputs map[string][]string

	mu    sync.Mutex
	specs []supervisor.Spec
}

func (f *fakeInstruments) Launch(_ context.Context, spec supervisor.Spec, out *relay.Relay) (bridge.Process, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProcess{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		for ctx.Err() == nil {
			script, err := endpoint.Fetch(ctx, endpoint.FetchOptions{
				ExecPort:     spec.ExecPort,
				CallbackPort: spec.CallbackPort,
				Wait:         200 * time.Millisecond,
			})
			if err != nil || script == "" {
				continue
			}
			lines := f.outputs[script]
			if m := logMessageRe.FindStringSubmatch(script); m != nil {
				lines = []string{m[1]}
			}
			for _, l := range lines {
				if out.Handle(relay.StreamStdout, l) != nil {
					return
				}
			}
		}
	}()
	return p, nil
}

func (f *fakeInstruments) launched() []supervisor.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.Spec(nil), f.specs...)
}

type fakeProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *fakeProcess) Stop()                 { p.cancel() }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
