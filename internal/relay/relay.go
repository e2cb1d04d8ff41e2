package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxLineSize bounds a single output line; element tree dumps can be long.
const maxLineSize = 1 << 20

// Relay reads the automation process output, classifies every line, feeds the response
// buffer and publishes the line to a fixed set of subscribers.
type Relay struct {
	logger      *zap.Logger
	classifier  *Classifier
	buffer      *Buffer
	subscribers []chan<- Line
	dropped     atomic.Int64
	now         func() time.Time
}

// New creates a relay. The subscriber set is fixed for the relay's lifetime; sends to
// subscribers never block, a subscriber that falls behind misses lines.
func New(logger *zap.Logger, classifier *Classifier, buffer *Buffer, subscribers ...chan<- Line) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	subs := make([]chan<- Line, 0, len(subscribers))
	for _, s := range subscribers {
		if s != nil {
			subs = append(subs, s)
		}
	}
	return &Relay{
		logger:      logger.Named("relay"),
		classifier:  classifier,
		buffer:      buffer,
		subscribers: subs,
		now:         time.Now,
	}
}

// Run consumes stdout and stderr concurrently until both reach end of stream.
// A nil reader is skipped, which is how the merged pseudo-terminal stream is handled.
func (r *Relay) Run(stdout, stderr io.Reader) error {
	var g errgroup.Group
	if stdout != nil {
		g.Go(func() error { return r.Consume(StreamStdout, stdout) })
	}
	if stderr != nil {
		g.Go(func() error { return r.Consume(StreamStderr, stderr) })
	}
	return g.Wait()
}

// Consume relays one stream line by line. End of stream is not an error. A line longer than
// maxLineSize is truncated and reading goes on with the next one.
func (r *Relay) Consume(stream Stream, rd io.Reader) error {
	br := bufio.NewReaderSize(rd, 64*1024)

	for {
		text, truncated, err := readLine(br)
		if err != nil {
			if isEndOfStream(err) {
				r.logger.Debug("Stream reached end", zap.String("stream", string(stream)))
				return nil
			}
			return fmt.Errorf("reading %s: %w", stream, err)
		}
		if truncated {
			r.logger.Warn("Output line too long, truncated",
				zap.String("stream", string(stream)),
				zap.Int("limit", maxLineSize))
		}
		if err := r.Handle(stream, text); err != nil {
			if errors.Is(err, ErrClosed) {
				r.logger.Debug("Response buffer closed, stop relaying", zap.String("stream", string(stream)))
				return nil
			}
			return err
		}
	}
}

// readLine returns the next line without its terminator, keeping at most maxLineSize bytes.
// The rest of an overlong line is read and discarded.
func readLine(br *bufio.Reader) (string, bool, error) {
	var (
		buf       []byte
		truncated bool
	)
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if len(buf) > 0 || truncated {
				return string(buf), truncated, nil
			}
			return "", false, err
		}
		if room := maxLineSize - len(buf); len(chunk) > room {
			chunk, truncated = chunk[:room], true
		}
		buf = append(buf, chunk...)
		if !more {
			return string(buf), truncated, nil
		}
	}
}

// Handle classifies and relays a single line.
func (r *Relay) Handle(stream Stream, text string) error {
	line := Line{
		Text:   text,
		Class:  r.classifier.Classify(text),
		Stream: stream,
		At:     r.now(),
	}
	r.log(line)

	if line.Class == ClassFatal {
		r.buffer.Poison(line)
	}
	if err := r.buffer.Push(line); err != nil {
		return err
	}
	r.publish(line)
	return nil
}

// Dropped is the number of lines subscribers missed because they were not keeping up.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

func (r *Relay) publish(line Line) {
	for _, sub := range r.subscribers {
		select {
		case sub <- line:
		default:
			if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
				r.logger.Debug("Subscriber is lagging, dropping output lines", zap.Int64("dropped", n))
			}
		}
	}
}

func (r *Relay) log(line Line) {
	fields := []zap.Field{zap.String("stream", string(line.Stream))}
	switch {
	case line.Class == ClassFatal:
		r.logger.Error(line.Text, append(fields, zap.String("class", line.Class.String()))...)
	case line.Class == ClassWarning:
		r.logger.Error(line.Text, fields...)
	case line.Stream == StreamStderr:
		r.logger.Warn(line.Text, fields...)
	default:
		r.logger.Debug(line.Text, fields...)
	}
}

// isEndOfStream treats the errors a killed process or a closed pseudo-terminal produce
// like a regular EOF.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EIO)
}
