package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnreadable marks an activity row whose window metadata or creation
// time cannot be decoded.
var ErrUnreadable = errors.New("unreadable activity")

// ErrDuplicateKey is returned by AppendActivity when the timestamp key is taken.
var ErrDuplicateKey = errors.New("duplicate key")

// KeyLayout is the time layout of activity keys.
const KeyLayout = "20060102_150405"

// Window describes one on-screen application window.
type Window struct {
	Title       string `json:"title"`
	ProcessName string `json:"process_name"`
}

// Activity is one timestamped capture of screen and window state.
type Activity struct {
	Timestamp     string
	CreatedAt     time.Time
	ScreenshotRef string
	ActiveWindow  *Window
	UserApps      []Window
	Analysis      string
	Processed     bool

	// Err is set by ListUnprocessed on rows that wrap ErrUnreadable; only
	// Timestamp and ScreenshotRef are valid then.
	Err error
}

// Title returns the active window title, or "" when none was captured.
func (a Activity) Title() string {
	if a.ActiveWindow == nil {
		return ""
	}
	return a.ActiveWindow.Title
}

// FieldCipher encrypts window metadata columns at rest.
type FieldCipher interface {
	EncryptString(plain string) (string, error)
	DecryptString(cipher string) (string, error)
}
