// Package capture periodically records the screen and the window layout as
// encrypted activity records.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os/exec"
	"strings"

	"github.com/kalambet/localrecall/internal/storage"
)

// Screen grabs the current screen contents.
type Screen interface {
	Grab(ctx context.Context) (image.Image, error)
	Close() error
}

// Windows reports the foreground window and the visible application windows.
type Windows interface {
	Active(ctx context.Context) (*storage.Window, error)
	Visible(ctx context.Context) ([]storage.Window, error)
}

// ErrNoCommand is returned by the command adapters when none is configured.
var ErrNoCommand = errors.New("capture command not configured")

// CommandScreen runs an external program that writes one PNG or JPEG frame
// to stdout, e.g. "grim -" on Wayland or "screencapture -x -t png /dev/stdout"
// on macOS.
type CommandScreen struct {
	argv []string
}

func NewCommandScreen(cmdline string) (*CommandScreen, error) {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	return &CommandScreen{argv: argv}, nil
}

func (s *CommandScreen) Grab(ctx context.Context) (image.Image, error) {
	out, err := run(ctx, s.argv)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decoding frame from %s: %w", s.argv[0], err)
	}
	return img, nil
}

func (s *CommandScreen) Close() error { return nil }

// CommandWindows runs an external program that prints
// {"active": {"title", "process_name"} | null, "visible": [...]} as JSON.
type CommandWindows struct {
	argv []string
}

type windowReport struct {
	Active  *storage.Window  `json:"active"`
	Visible []storage.Window `json:"visible"`
}

func NewCommandWindows(cmdline string) (*CommandWindows, error) {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	return &CommandWindows{argv: argv}, nil
}

func (w *CommandWindows) report(ctx context.Context) (windowReport, error) {
	out, err := run(ctx, w.argv)
	if err != nil {
		return windowReport{}, err
	}
	var r windowReport
	if err := json.Unmarshal(out, &r); err != nil {
		return windowReport{}, fmt.Errorf("parsing output of %s: %w", w.argv[0], err)
	}
	return r, nil
}

func (w *CommandWindows) Active(ctx context.Context) (*storage.Window, error) {
	r, err := w.report(ctx)
	return r.Active, err
}

func (w *CommandWindows) Visible(ctx context.Context) ([]storage.Window, error) {
	r, err := w.report(ctx)
	return r.Visible, err
}

// NoWindows is used when no window source is configured.
type NoWindows struct{}

func (NoWindows) Active(context.Context) (*storage.Window, error)  { return nil, nil }
func (NoWindows) Visible(context.Context) ([]storage.Window, error) { return nil, nil }

func run(ctx context.Context, argv []string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running %s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
