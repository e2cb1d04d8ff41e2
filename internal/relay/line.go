package relay

import "time"

// Class is the classification of one line of automation output.
type Class int

const (
	// ClassNormal is ordinary progress output.
	ClassNormal Class = iota
	// ClassWarning carries the generic error marker: an application-level failure
	// that does not take the automation process down.
	ClassWarning
	// ClassFatal means the automation process cannot continue.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassWarning:
		return "warning"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Stream identifies where a line was read from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamTerminal is the merged output of a process attached to a pseudo-terminal.
	StreamTerminal Stream = "pty"
)

// Line is a single classified line of output.
type Line struct {
	Text   string
	Class  Class
	Stream Stream
	At     time.Time
}

// Kind tags a Response.
type Kind int

const (
	KindContent Kind = iota
	KindPoison
)

// Response is the tagged variant carried by the response buffer: either a line of
// content or the poison marker. The poison variant never collides with real output.
type Response struct {
	Kind Kind
	Line Line
}

// IsPoison reports whether r is the poison variant.
func (r Response) IsPoison() bool { return r.Kind == KindPoison }
