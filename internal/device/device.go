// File: internal/device/device.go
package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/uia-bridge/internal/config"
)

var (
	ErrNoDevices      = errors.New("no device attached")
	ErrDeviceNotFound = errors.New("device not attached")
)

// Lister enumerates attached device UDIDs.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// StaticLister always reports the same devices.
type StaticLister []string

// List implements Lister.
func (s StaticLister) List(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// CommandLister runs a listing tool that prints one UDID per line, like `idevice_id -l`.
type CommandLister struct {
	Binary string
	Args   []string
}

// List implements Lister.
func (c CommandLister) List(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("device detection timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w: %s", c.Binary, err, strings.TrimSpace(stderr.String()))
	}
	return parseList(out), nil
}

func parseList(out []byte) []string {
	seen := map[string]bool{}
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		// Some versions append the connection type, e.g. "<udid> (USB)".
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		ids = append(ids, fields[0])
	}
	return ids
}

// Access is the device discovery boundary of the bridge.
type Access struct {
	logger        *zap.Logger
	lister        Lister
	detectTimeout time.Duration
	pollInterval  time.Duration
}

// NewAccess uses the configured UUID list when there is one and the listing tool otherwise.
func NewAccess(logger *zap.Logger, cfg config.DeviceConfig) *Access {
	var lister Lister = CommandLister{Binary: cfg.ListBinary, Args: []string{"-l"}}
	if len(cfg.UUIDs) > 0 {
		lister = StaticLister(cfg.UUIDs)
	}
	return NewAccessWithLister(logger, cfg, lister)
}

// NewAccessWithLister is NewAccess with an explicit lister.
func NewAccessWithLister(logger *zap.Logger, cfg config.DeviceConfig, lister Lister) *Access {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Access{
		logger:        logger.Named("device"),
		lister:        lister,
		detectTimeout: cfg.DetectTimeout,
		pollInterval:  poll,
	}
}

// List returns the attached devices, sorted. Detection is bounded by the configured timeout.
func (a *Access) List(ctx context.Context) ([]string, error) {
	if a.detectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.detectTimeout)
		defer cancel()
	}
	ids, err := a.lister.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Resolve checks that id is attached. An empty id picks the first attached device.
func (a *Access) Resolve(ctx context.Context, id string) (string, error) {
	ids, err := a.List(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", ErrNoDevices
	}
	if id == "" {
		a.logger.Info("No device given, using the first attached one", zap.String("device", ids[0]))
		return ids[0], nil
	}
	for _, candidate := range ids {
		if candidate == id {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// EventKind tells attach from detach.
type EventKind int

const (
	Attached EventKind = iota
	Detached
)

func (k EventKind) String() string {
	if k == Attached {
		return "attached"
	}
	return "detached"
}

// Event is one attach or detach.
type Event struct {
	Kind EventKind
	UUID string
}

// Watch polls for devices and reports every change until ctx ends. Devices present when the
// watch starts are reported as attached. The returned channel is closed when the watch stops.
func (a *Access) Watch(ctx context.Context) <-chan Event {
	events := make(chan Event)
	limiter := rate.NewLimiter(rate.Every(a.pollInterval), 1)

	go func() {
		defer close(events)
		known := map[string]bool{}
		failures := 0

		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			ids, err := a.List(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				failures++
				if failures == 1 || failures%30 == 0 {
					a.logger.Warn("Device detection failed", zap.Int("failures", failures), zap.Error(err))
				}
				continue
			}
			failures = 0

			current := make(map[string]bool, len(ids))
			for _, id := range ids {
				current[id] = true
				if !known[id] {
					if !send(ctx, events, Event{Kind: Attached, UUID: id}) {
						return
					}
				}
			}
			var gone []string
			for id := range known {
				if !current[id] {
					gone = append(gone, id)
				}
			}
			sort.Strings(gone)
			for _, id := range gone {
				if !send(ctx, events, Event{Kind: Detached, UUID: id}) {
					return
				}
			}
			known = current
		}
	}()
	return events
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
