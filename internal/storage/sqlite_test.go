package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testActivity(ts string) Activity {
	return Activity{
		Timestamp:     ts,
		CreatedAt:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		ScreenshotRef: "/data/screenshots/" + ts + ".png.enc",
		ActiveWindow:  &Window{Title: "Notes", ProcessName: "notes.exe"},
		UserApps: []Window{
			{Title: "Notes", ProcessName: "notes.exe"},
			{Title: "Inbox", ProcessName: "mail.exe"},
		},
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestAppendAndGetActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := testActivity("20240501_100000")
	if err := s.AppendActivity(ctx, in); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}

	got, err := s.GetActivity(ctx, in.Timestamp)
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.ScreenshotRef != in.ScreenshotRef {
		t.Errorf("ScreenshotRef = %q, want %q", got.ScreenshotRef, in.ScreenshotRef)
	}
	if got.ActiveWindow == nil || *got.ActiveWindow != *in.ActiveWindow {
		t.Errorf("ActiveWindow = %+v, want %+v", got.ActiveWindow, in.ActiveWindow)
	}
	if len(got.UserApps) != 2 || got.UserApps[1].ProcessName != "mail.exe" {
		t.Errorf("UserApps = %+v, want order preserved", got.UserApps)
	}
	if got.Processed {
		t.Error("new activity should not be processed")
	}
	if got.Analysis != "" {
		t.Errorf("Analysis = %q, want empty", got.Analysis)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
}

func TestAppendActivity_NilActiveWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := testActivity("20240501_100000")
	in.ActiveWindow = nil
	in.UserApps = nil
	if err := s.AppendActivity(ctx, in); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}

	got, err := s.GetActivity(ctx, in.Timestamp)
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.ActiveWindow != nil {
		t.Errorf("ActiveWindow = %+v, want nil", got.ActiveWindow)
	}
	if len(got.UserApps) != 0 {
		t.Errorf("UserApps = %+v, want empty", got.UserApps)
	}
}

func TestAppendActivity_DuplicateKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testActivity("20240501_100000")
	if err := s.AppendActivity(ctx, first); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}

	dup := testActivity("20240501_100000")
	dup.ScreenshotRef = "/other.enc"
	err := s.AppendActivity(ctx, dup)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("AppendActivity duplicate error = %v, want ErrDuplicateKey", err)
	}

	got, err := s.GetActivity(ctx, first.Timestamp)
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if got.ScreenshotRef != first.ScreenshotRef {
		t.Errorf("ScreenshotRef = %q after failed append, want %q", got.ScreenshotRef, first.ScreenshotRef)
	}
	total, _, err := s.CountActivities(ctx)
	if err != nil {
		t.Fatalf("CountActivities: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestGetActivity_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetActivity(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetActivity error = %v, want ErrNotFound", err)
	}
}

func TestListUnprocessed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 3; i >= 1; i-- {
		if err := s.AppendActivity(ctx, testActivity(fmt.Sprintf("20240501_10000%d", i))); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	if err := s.CompleteActivity(ctx, "20240501_100002", "done"); err != nil {
		t.Fatalf("CompleteActivity: %v", err)
	}

	list, err := s.ListUnprocessed(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Timestamp != "20240501_100001" || list[1].Timestamp != "20240501_100003" {
		t.Errorf("order = [%s %s], want key order", list[0].Timestamp, list[1].Timestamp)
	}

	limited, err := s.ListUnprocessed(ctx, 1)
	if err != nil {
		t.Fatalf("ListUnprocessed(limit=1): %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len = %d, want 1", len(limited))
	}
}

func TestCompleteActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendActivity(ctx, testActivity("20240501_100000")); err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	analysis := "Current Activity Title: Notes\nUser is editing a text document"
	if err := s.CompleteActivity(ctx, "20240501_100000", analysis); err != nil {
		t.Fatalf("CompleteActivity: %v", err)
	}

	got, err := s.GetActivity(ctx, "20240501_100000")
	if err != nil {
		t.Fatalf("GetActivity: %v", err)
	}
	if !got.Processed {
		t.Error("Processed = false, want true")
	}
	if got.Analysis != analysis {
		t.Errorf("Analysis = %q, want %q", got.Analysis, analysis)
	}

	// Second completion is a semantic no-op and never reverts processed.
	if err := s.CompleteActivity(ctx, "20240501_100000", analysis); err != nil {
		t.Fatalf("second CompleteActivity: %v", err)
	}
	got, _ = s.GetActivity(ctx, "20240501_100000")
	if !got.Processed || got.Analysis != analysis {
		t.Errorf("after second complete: processed=%v analysis=%q", got.Processed, got.Analysis)
	}

	_, processed, err := s.CountActivities(ctx)
	if err != nil {
		t.Fatalf("CountActivities: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
}

func TestCompleteActivity_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.CompleteActivity(context.Background(), "missing", "x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteActivity error = %v, want ErrNotFound", err)
	}
}

func TestLatestTimestamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestTimestamp(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestTimestamp on empty store error = %v, want ErrNotFound", err)
	}
	for _, ts := range []string{"20240501_100005", "20240501_100009", "20240501_100001"} {
		if err := s.AppendActivity(ctx, testActivity(ts)); err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
	}
	got, err := s.LatestTimestamp(ctx)
	if err != nil {
		t.Fatalf("LatestTimestamp: %v", err)
	}
	if got != "20240501_100009" {
		t.Errorf("LatestTimestamp = %q, want %q", got, "20240501_100009")
	}
}

// b64Cipher is a reversible stand-in for the vault.
type b64Cipher struct{}

func (b64Cipher) EncryptString(p string) (string, error) {
	return "enc:" + base64.StdEncoding.EncodeToString([]byte(p)), nil
}

func (b64Cipher) DecryptString(c string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(c, "enc:"))
	return string(raw), err
}

func TestFieldCipher(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendActivity(ctx, testActivity("20240501_100000")); err != nil {
		t.Fatalf("AppendActivity plain: %v", err)
	}
	s.SetFieldCipher(b64Cipher{})
	if err := s.AppendActivity(ctx, testActivity("20240501_100001")); err != nil {
		t.Fatalf("AppendActivity encrypted: %v", err)
	}

	var raw string
	if err := s.db.QueryRow(`SELECT active_window FROM activities WHERE timestamp = ?`, "20240501_100001").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if !strings.HasPrefix(raw, "enc:") {
		t.Errorf("stored active_window = %q, want ciphertext", raw)
	}

	list, err := s.ListUnprocessed(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessed: %v", err)
	}
	for _, a := range list {
		if a.Title() != "Notes" {
			t.Errorf("%s: Title() = %q, want %q", a.Timestamp, a.Title(), "Notes")
		}
	}

	s.SetFieldCipher(nil)
	if _, err := s.GetActivity(ctx, "20240501_100001"); !errors.Is(err, ErrUnreadable) {
		t.Errorf("GetActivity without cipher = %v, want ErrUnreadable", err)
	}

	// Listing keeps going past the unreadable row and flags it.
	list, err = s.ListUnprocessed(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnprocessed without cipher: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Err != nil {
		t.Errorf("plain row Err = %v, want nil", list[0].Err)
	}
	if !errors.Is(list[1].Err, ErrUnreadable) || list[1].Timestamp != "20240501_100001" {
		t.Errorf("encrypted row = %s, Err %v, want ErrUnreadable", list[1].Timestamp, list[1].Err)
	}
}
