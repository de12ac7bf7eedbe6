package retrieval

import (
	"testing"
	"time"
)

// rangeEpoch builds a TimeRange from epoch seconds.
func rangeEpoch(lo, hi int64) *TimeRange {
	return &TimeRange{Start: time.Unix(lo, 0), End: time.Unix(hi, 0)}
}

func TestTimeRangeContains(t *testing.T) {
	var nilRange *TimeRange
	if !nilRange.Contains(123) {
		t.Error("nil range should contain everything")
	}
	r := rangeEpoch(10, 20)
	cases := map[int64]bool{9: false, 10: true, 15: true, 20: true, 21: false}
	for epoch, want := range cases {
		if got := r.Contains(epoch); got != want {
			t.Errorf("Contains(%d) = %v, want %v", epoch, got, want)
		}
	}
	open := &TimeRange{End: time.Unix(20, 0)}
	if !open.Contains(-5) {
		t.Error("open start should contain early timestamps")
	}
}
