package bridge

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/uia-bridge/internal/endpoint"
	"github.com/xkilldash9x/uia-bridge/internal/relay"
	"github.com/xkilldash9x/uia-bridge/internal/supervisor"
)

var logMessageRe = regexp.MustCompile(`^UIALogger\.logMessage\('(.*)'\);$`)

// fakeAutomation stands in for the automation process. It polls the execution endpoint exactly
// like the injected script does and "evaluates" what it receives.
type fakeAutomation struct {
	// atLaunch is printed before the first fragment is pulled.
	atLaunch []string
	// silent pulls fragments but never prints anything.
	silent bool
	// evaluate maps a script body to its output. Nil prints nothing.
	evaluate func(script string) []string
	// echoStartTwice prints every start marker twice.
	echoStartTwice bool
	// echoFragments behaves like the engine: every fragment is first echoed as a debug line,
	// and logged messages carry the timestamp and "Default:" prefix.
	echoFragments bool
	// launchErr makes Launch fail.
	launchErr error

	mu      sync.Mutex
	scripts []string
}

func (f *fakeAutomation) Launch(_ context.Context, spec supervisor.Spec, out *relay.Relay) (Process, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProcess{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(p.done)
		for _, l := range f.atLaunch {
			if out.Handle(relay.StreamStderr, l) != nil {
				return
			}
		}
		for ctx.Err() == nil {
			script, err := endpoint.Fetch(ctx, endpoint.FetchOptions{
				ExecPort:     spec.ExecPort,
				CallbackPort: spec.CallbackPort,
				Wait:         200 * time.Millisecond,
			})
			if err != nil || script == "" {
				continue
			}
			f.record(script)
			if f.silent {
				continue
			}
			for _, l := range f.eval(script) {
				if out.Handle(relay.StreamStdout, l) != nil {
					return
				}
			}
		}
	}()
	return p, nil
}

// engineStamp is the prefix the automation engine puts in front of every logged line.
const engineStamp = "2016-03-01 10:00:00 +0000"

func (f *fakeAutomation) eval(script string) []string {
	if !f.echoFragments {
		return f.evalBody(script)
	}
	var out []string
	for i, l := range strings.Split(script, "\n") {
		if i == 0 {
			l = engineStamp + " Debug: " + l
		}
		out = append(out, l)
	}
	for _, l := range f.evalBody(script) {
		if logMessageRe.MatchString(script) {
			l = engineStamp + " Default: " + l
		}
		out = append(out, l)
	}
	return out
}

func (f *fakeAutomation) evalBody(script string) []string {
	if m := logMessageRe.FindStringSubmatch(script); m != nil {
		if f.echoStartTwice && len(m[1]) > 6 && m[1][len(m[1])-6:] == " start" {
			return []string{m[1], m[1]}
		}
		return []string{m[1]}
	}
	if f.evaluate == nil {
		return nil
	}
	return f.evaluate(script)
}

func (f *fakeAutomation) record(script string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, script)
}

func (f *fakeAutomation) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

type fakeProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *fakeProcess) Stop()                 { p.cancel() }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
