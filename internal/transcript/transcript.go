// File: internal/transcript/transcript.go
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/uia-bridge/internal/relay"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path is the transcript file of a device inside dir.
func Path(dir, deviceID string) string {
	name := unsafeChars.ReplaceAllString(deviceID, "_")
	if name == "" {
		name = "default"
	}
	return filepath.Join(dir, "transcript-"+name+".log")
}

// Format renders a line as one transcript record: time, stream, class, text.
func Format(l relay.Line) string {
	return fmt.Sprintf("%s %s %s %s", l.At.Format(timeLayout), l.Stream, l.Class, l.Text)
}

// Parse reverses Format.
func Parse(record string) (relay.Line, error) {
	parts := strings.SplitN(record, " ", 4)
	if len(parts) < 3 {
		return relay.Line{}, fmt.Errorf("malformed transcript record %q", record)
	}
	at, err := time.Parse(timeLayout, parts[0])
	if err != nil {
		return relay.Line{}, fmt.Errorf("malformed transcript time: %w", err)
	}
	class, err := parseClass(parts[2])
	if err != nil {
		return relay.Line{}, err
	}
	l := relay.Line{At: at, Stream: relay.Stream(parts[1]), Class: class}
	if len(parts) == 4 {
		l.Text = parts[3]
	}
	return l, nil
}

func parseClass(s string) (relay.Class, error) {
	for _, c := range []relay.Class{relay.ClassNormal, relay.ClassWarning, relay.ClassFatal} {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown line class %q", s)
}

// Writer is a relay subscriber that appends every line it receives to a transcript file.
type Writer struct {
	logger *zap.Logger
	path   string
	file   *os.File
	ch     chan relay.Line

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewWriter opens (appending) the transcript of deviceID in dir and starts consuming.
func NewWriter(logger *zap.Logger, dir, deviceID string, buffer int) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	path := Path(dir, deviceID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}

	w := &Writer{
		logger: logger.Named("transcript"),
		path:   path,
		file:   f,
		ch:     make(chan relay.Line, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// C is the subscriber channel to hand to the relay.
func (w *Writer) C() chan<- relay.Line { return w.ch }

// Path of the transcript file.
func (w *Writer) Path() string { return w.path }

func (w *Writer) run() {
	defer close(w.done)
	bw := bufio.NewWriter(w.file)

	write := func(l relay.Line) {
		bw.WriteString(Format(l))
		bw.WriteByte('\n')
	}

	for {
		select {
		case l := <-w.ch:
			write(l)
			// Flush once the burst is consumed so followers see complete records promptly.
			if len(w.ch) == 0 {
				if err := bw.Flush(); err != nil {
					w.logger.Warn("Failed to write transcript", zap.String("path", w.path), zap.Error(err))
				}
			}
		case <-w.stop:
			for {
				select {
				case l := <-w.ch:
					write(l)
				default:
					if err := bw.Flush(); err != nil {
						w.logger.Warn("Failed to write transcript", zap.String("path", w.path), zap.Error(err))
					}
					return
				}
			}
		}
	}
}

// Close writes what is still queued and closes the file. The subscriber channel is left open;
// lines sent afterwards are never written.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.done
		w.closeErr = w.file.Close()
	})
	return w.closeErr
}
