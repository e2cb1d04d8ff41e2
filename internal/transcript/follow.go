// File: internal/transcript/follow.go
package transcript

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uia-bridge/internal/relay"
)

// FollowOptions control Follow.
type FollowOptions struct {
	// FromStart replays the existing transcript before following; otherwise only new records show.
	FromStart bool
	// Poll uses polling instead of file system notifications.
	Poll bool
}

// Follow streams transcript records of path to fn until ctx ends. Records that do not parse are
// passed through as normal lines so nothing is hidden.
func Follow(ctx context.Context, logger *zap.Logger, path string, opts FollowOptions, fn func(relay.Line)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transcript")

	whence := io.SeekEnd
	if opts.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      opts.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to follow transcript: %w", err)
	}
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				logger.Warn("Error reading transcript", zap.Error(line.Err))
				continue
			}
			l, err := Parse(line.Text)
			if err != nil {
				l = relay.Line{Text: line.Text, At: line.Time}
			}
			fn(l)
		}
	}
}
