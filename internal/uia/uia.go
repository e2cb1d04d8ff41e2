// File: internal/uia/uia.go
package uia

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoMessage is returned when a call's output holds no logged message.
var ErrNoMessage = errors.New("no logged message in output")

const messagePrefix = "Default: "

// Runner executes a script and returns what it printed. *bridge.Session is the implementation.
type Runner interface {
	Run(ctx context.Context, script string) ([]string, error)
}

// LogMessage extracts the text of the first UIALogger.logMessage line of a call's output.
func LogMessage(lines []string) (string, error) {
	for _, l := range lines {
		if i := strings.Index(l, messagePrefix); i >= 0 {
			return l[i+len(messagePrefix):], nil
		}
	}
	return "", ErrNoMessage
}

// Point is a screen coordinate in points.
type Point struct {
	X, Y float64
}

func (p Point) js() string {
	return "{x:" + formatFloat(p.X) + ", y:" + formatFloat(p.Y) + "}"
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// Target wraps the UIATarget of the automation engine.
type Target struct {
	runner Runner
}

// NewTarget creates a target backed by r.
func NewTarget(r Runner) *Target { return &Target{runner: r} }

func (t *Target) query(ctx context.Context, expr string) (string, error) {
	lines, err := t.runner.Run(ctx, "UIALogger.logMessage("+expr+");")
	if err != nil {
		return "", fmt.Errorf("%s: %w", expr, err)
	}
	msg, err := LogMessage(lines)
	if err != nil {
		return "", fmt.Errorf("%s: %w", expr, err)
	}
	return msg, nil
}

func (t *Target) exec(ctx context.Context, script string) error {
	if _, err := t.runner.Run(ctx, script); err != nil {
		return fmt.Errorf("%s: %w", script, err)
	}
	return nil
}

// Model is the device model, e.g. "iPhone".
func (t *Target) Model(ctx context.Context) (string, error) { return t.query(ctx, "target.model()") }

// Name is the device name.
func (t *Target) Name(ctx context.Context) (string, error) { return t.query(ctx, "target.name()") }

func (t *Target) SystemName(ctx context.Context) (string, error) {
	return t.query(ctx, "target.systemName()")
}

func (t *Target) SystemVersion(ctx context.Context) (string, error) {
	return t.query(ctx, "target.systemVersion()")
}

// ElementTree dumps the element hierarchy of the main window.
func (t *Target) ElementTree(ctx context.Context) ([]string, error) {
	return t.runner.Run(ctx, "window.logElementTree();")
}

// LogElement logs the main window element itself.
func (t *Target) LogElement(ctx context.Context) ([]string, error) {
	return t.runner.Run(ctx, "window.logElement();")
}

func (t *Target) Tap(ctx context.Context, p Point) error {
	return t.exec(ctx, "target.tap("+p.js()+");")
}

// TapElement taps the element the expression evaluates to.
func (t *Target) TapElement(ctx context.Context, element string) error {
	return t.exec(ctx, "var e = "+element+"; e.tap();")
}

func (t *Target) DoubleTap(ctx context.Context, p Point) error {
	return t.exec(ctx, "target.doubleTap("+p.js()+");")
}

// DragFromToForDuration drags between two points; duration is in seconds.
func (t *Target) DragFromToForDuration(ctx context.Context, from, to Point, seconds float64) error {
	return t.exec(ctx, "target.dragFromToForDuration("+from.js()+", "+to.js()+", "+formatFloat(seconds)+");")
}

func (t *Target) TouchAndHold(ctx context.Context, p Point, seconds float64) error {
	return t.exec(ctx, "target.touchAndHold("+p.js()+", "+formatFloat(seconds)+");")
}

func (t *Target) SetLocation(ctx context.Context, latitude, longitude float64) error {
	return t.exec(ctx, "target.setLocation({latitude:"+formatFloat(latitude)+", longitude:"+formatFloat(longitude)+"});")
}

// DeactivateAppForDuration sends the app to the background and reports whether it came back.
func (t *Target) DeactivateAppForDuration(ctx context.Context, seconds int) (bool, error) {
	msg, err := t.query(ctx, "target.deactivateAppForDuration("+strconv.Itoa(seconds)+")")
	if err != nil {
		return false, err
	}
	return msg == "true", nil
}

func (t *Target) LockForDuration(ctx context.Context, seconds int) error {
	return t.exec(ctx, "target.lockForDuration("+strconv.Itoa(seconds)+");")
}

func (t *Target) Shake(ctx context.Context) error { return t.exec(ctx, "target.shake();") }

func (t *Target) ClickVolumeUp(ctx context.Context) error {
	return t.exec(ctx, "target.clickVolumeUp();")
}

func (t *Target) ClickVolumeDown(ctx context.Context) error {
	return t.exec(ctx, "target.clickVolumeDown();")
}

func (t *Target) HoldVolumeUp(ctx context.Context, seconds int) error {
	return t.exec(ctx, "target.holdVolumeUp("+strconv.Itoa(seconds)+");")
}

func (t *Target) HoldVolumeDown(ctx context.Context, seconds int) error {
	return t.exec(ctx, "target.holdVolumeDown("+strconv.Itoa(seconds)+");")
}

// CaptureScreenWithName saves a screenshot into the automation results directory.
func (t *Target) CaptureScreenWithName(ctx context.Context, name string) error {
	return t.exec(ctx, "target.captureScreenWithName("+strconv.Quote(name)+");")
}

// PushTimeout sets the engine's implicit element wait; PopTimeout restores the previous one.
func (t *Target) PushTimeout(ctx context.Context, seconds int) error {
	return t.exec(ctx, "target.pushTimeout("+strconv.Itoa(seconds)+");")
}

func (t *Target) PopTimeout(ctx context.Context) error { return t.exec(ctx, "target.popTimeout();") }
