// File: internal/bridge/protocol.go
package bridge

import "strings"

// LogMessageCall is the script statement that makes the automation process print msg.
func LogMessageCall(msg string) string {
	return "UIALogger.logMessage('" + escapeSingleQuoted(msg) + "');"
}

// Request is one call on the wire: the body wrapped between two marker fragments.
type Request struct {
	Token  string
	Script string
}

// StartMarker is the text the automation process prints when it begins the request.
func (r Request) StartMarker() string { return r.Token + " start" }

// StopMarker is the text printed once the body has been evaluated.
func (r Request) StopMarker() string { return r.Token + " stop" }

// Fragments returns the three handoffs of the request in order.
func (r Request) Fragments() []string {
	return []string{
		LogMessageCall(r.StartMarker()),
		r.Script,
		LogMessageCall(r.StopMarker()),
	}
}

func escapeSingleQuoted(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`).Replace(s)
}
