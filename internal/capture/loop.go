package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/kalambet/localrecall/internal/events"
	"github.com/kalambet/localrecall/internal/storage"
	"github.com/kalambet/localrecall/internal/vault"
)

// maxSuffix bounds the _1, _2, ... disambiguation of same-second keys.
const maxSuffix = 99

// State is the lifecycle state of a loop.
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// Appender persists new activity records.
type Appender interface {
	AppendActivity(ctx context.Context, a storage.Activity) error
}

// Encrypter replaces a plaintext file with its encrypted form.
type Encrypter interface {
	EncryptFile(path string) (string, error)
}

// Options configures a Loop. Zero values pick the defaults.
type Options struct {
	Dir      string        // screenshot directory, required
	Interval time.Duration // default 30s
	Compress bool          // JPEG instead of PNG
	Quality  int           // JPEG quality, default 85
	Resize   float64       // scale factor in [0.1, 1], default 1
	Events   events.Publisher
	Log      *slog.Logger
	Now      func() time.Time
}

// Loop captures the screen on a fixed interval.
type Loop struct {
	screen  Screen
	windows Windows
	enc     Encrypter
	store   Appender
	opts    Options
	state   atomic.Int32
}

func NewLoop(screen Screen, windows Windows, enc Encrypter, store Appender, opts Options) *Loop {
	if windows == nil {
		windows = NoWindows{}
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Quality <= 0 {
		opts.Quality = 85
	}
	if opts.Resize <= 0 {
		opts.Resize = 1
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loop{screen: screen, windows: windows, enc: enc, store: store, opts: opts}
}

// State reports whether Run is active.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run captures immediately and then every interval until ctx is cancelled.
// A failed capture is logged and the loop carries on. The screen is closed
// on return.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Stopped), int32(Running)) {
		return errors.New("capture loop already running")
	}
	defer l.state.Store(int32(Stopped))
	defer l.screen.Close()

	l.opts.Log.Info("capture loop started", "interval", l.opts.Interval, "dir", l.opts.Dir)
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		if a, err := l.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			l.opts.Log.Error("capture failed", "error", err)
		} else {
			l.opts.Log.Debug("activity captured", "timestamp", a.Timestamp, "title", a.Title())
		}

		select {
		case <-ctx.Done():
			l.opts.Log.Info("capture loop stopped")
			return nil
		case <-ticker.C:
		}
	}
	l.opts.Log.Info("capture loop stopped")
	return nil
}

// Tick performs one capture: grab, downscale, encode, write, encrypt and
// append. Window lookups that fail are logged and recorded as unknown.
func (l *Loop) Tick(ctx context.Context) (storage.Activity, error) {
	img, err := l.screen.Grab(ctx)
	if err != nil {
		return storage.Activity{}, fmt.Errorf("grabbing screen: %w", err)
	}
	img = Downscale(img, l.opts.Resize)

	data, ext, err := l.encode(img)
	if err != nil {
		return storage.Activity{}, err
	}

	active, err := l.windows.Active(ctx)
	if err != nil {
		l.opts.Log.Warn("active window lookup failed", "error", err)
		active = nil
	}
	visible, err := l.windows.Visible(ctx)
	if err != nil {
		l.opts.Log.Warn("visible windows lookup failed", "error", err)
		visible = nil
	}

	if err := os.MkdirAll(l.opts.Dir, 0o700); err != nil {
		return storage.Activity{}, fmt.Errorf("creating screenshot dir: %w", err)
	}

	now := l.opts.Now()
	base := now.Format(storage.KeyLayout)
	for n := 0; n <= maxSuffix; n++ {
		key := base
		if n > 0 {
			key = base + "_" + strconv.Itoa(n)
		}
		plain := filepath.Join(l.opts.Dir, key+ext)
		if exists(plain) || exists(plain+vault.Suffix) {
			continue
		}

		if err := os.WriteFile(plain, data, 0o600); err != nil {
			return storage.Activity{}, fmt.Errorf("writing screenshot: %w", err)
		}
		ref, err := l.enc.EncryptFile(plain)
		if err != nil {
			os.Remove(plain)
			return storage.Activity{}, fmt.Errorf("encrypting screenshot: %w", err)
		}

		a := storage.Activity{
			Timestamp:     key,
			CreatedAt:     now,
			ScreenshotRef: ref,
			ActiveWindow:  active,
			UserApps:      visible,
		}
		err = l.store.AppendActivity(ctx, a)
		if errors.Is(err, storage.ErrDuplicateKey) {
			os.Remove(ref)
			continue
		}
		if err != nil {
			os.Remove(ref)
			return storage.Activity{}, fmt.Errorf("recording activity: %w", err)
		}

		ev := events.Event{Type: events.ActivityCaptured, Timestamp: key, ScreenshotRef: ref, Title: a.Title(), At: now}
		if err := l.opts.Events.Publish(ctx, ev); err != nil {
			l.opts.Log.Warn("event publish failed", "type", ev.Type, "error", err)
		}
		return a, nil
	}
	return storage.Activity{}, fmt.Errorf("no free key for %s after %d suffixes: %w", base, maxSuffix, storage.ErrDuplicateKey)
}

func (l *Loop) encode(img image.Image) ([]byte, string, error) {
	var buf bytes.Buffer
	if l.opts.Compress {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: l.opts.Quality}); err != nil {
			return nil, "", fmt.Errorf("encoding jpeg: %w", err)
		}
		return buf.Bytes(), ".jpg", nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), ".png", nil
}

// Downscale resizes img by factor with Catmull-Rom resampling. Factors of 1
// or more return img unchanged.
func Downscale(img image.Image, factor float64) image.Image {
	if factor >= 1 || factor <= 0 {
		return img
	}
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
