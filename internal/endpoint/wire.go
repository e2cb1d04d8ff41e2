// File: internal/endpoint/wire.go
package endpoint

import (
	"fmt"
	"io"

	json "github.com/json-iterator/go"
)

// maxFrameSize bounds one fragment on the callback connection.
const maxFrameSize = 4 << 20

// Frame is the single message the callback endpoint writes per connection.
type Frame struct {
	Script string `json:"script"`
}

// WriteFrame encodes one frame followed by a newline.
func WriteFrame(w io.Writer, f Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("failed to encode fragment frame: %w", err)
	}
	return nil
}

// ReadFrame decodes one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame
	if err := json.NewDecoder(io.LimitReader(r, maxFrameSize)).Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("failed to decode fragment frame: %w", err)
	}
	return f, nil
}
