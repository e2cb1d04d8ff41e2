// File: internal/supervisor/script.go
package supervisor

import (
	"bytes"
	_ "embed"
	"fmt"
	"strconv"
	"text/template"
	"time"

	jsoniter "github.com/json-iterator/go"
)

//go:embed injected.js.tmpl
var injectedTemplate string

var scriptTmpl = template.Must(template.New("injected").Funcs(template.FuncMap{
	"jsstr": quoteJS,
}).Parse(injectedTemplate))

// InjectedScript is the UIAutomation script handed to the automation process. After the setup
// code it loops forever: run the host task that pulls the next fragment, log it and evaluate it.
type InjectedScript struct {
	Setup        string
	FetchBinary  string
	ExecPort     int
	CallbackPort int
	// FetchWait is how long the host task waits for a fragment; it must stay below HostTaskTimeout
	// or the automation engine kills the task before it answers.
	FetchWait       time.Duration
	HostTaskTimeout time.Duration
}

// FetchArgs are the arguments of the host task.
func (s InjectedScript) FetchArgs() []string {
	return []string{
		"fetch",
		"--exec-port", strconv.Itoa(s.ExecPort),
		"--callback-port", strconv.Itoa(s.CallbackPort),
		"--wait", s.FetchWait.String(),
	}
}

// TimeoutMillis is the host task timeout as the automation engine expects it.
func (s InjectedScript) TimeoutMillis() int64 {
	return s.HostTaskTimeout.Milliseconds()
}

// Render produces the script source.
func (s InjectedScript) Render() (string, error) {
	if s.FetchBinary == "" {
		return "", fmt.Errorf("injected script needs a fetch binary")
	}
	if s.HostTaskTimeout <= 0 {
		return "", fmt.Errorf("host task timeout must be positive, got %s", s.HostTaskTimeout)
	}
	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, s); err != nil {
		return "", fmt.Errorf("failed to render injected script: %w", err)
	}
	return buf.String(), nil
}

// quoteJS renders s as a JavaScript string literal. A JSON string is valid JavaScript.
func quoteJS(s string) (string, error) {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
