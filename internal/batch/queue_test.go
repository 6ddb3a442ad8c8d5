// File: internal/batch/queue_test.go
package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func att(name string, capturedAt time.Time) Attachment {
	return Attachment{Path: "/photos/" + name, Name: name, CapturedAt: capturedAt}
}

func TestFilterCandidates_Window(t *testing.T) {
	primary := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	inside := att("a.jpg", primary.Add(-5*time.Minute))
	atBoundary := att("b.jpg", primary.Add(-CandidateWindow))
	samePrimary := att("c.jpg", primary)
	tooOld := att("d.jpg", primary.Add(-CandidateWindow-time.Second))
	after := att("e.jpg", primary.Add(time.Second))

	got := FilterCandidates(primary, []Attachment{after, inside, tooOld, atBoundary, samePrimary})

	require.Len(t, got, 3)
	// Ascending capture order.
	assert.Equal(t, "b.jpg", got[0].Name)
	assert.Equal(t, "a.jpg", got[1].Name)
	assert.Equal(t, "c.jpg", got[2].Name)
}

func TestFilterCandidates_Empty(t *testing.T) {
	primary := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	assert.Empty(t, FilterCandidates(primary, nil))
	assert.Empty(t, FilterCandidates(primary, []Attachment{att("x.jpg", primary.Add(time.Hour))}))
}

func TestGapMinutes(t *testing.T) {
	primary := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name      string
		secondary time.Time
		want      int
	}{
		{"exact minutes", primary.Add(-4 * time.Minute), 4},
		{"rounds up", primary.Add(-3*time.Minute - 10*time.Second), 4},
		{"sub-minute rounds to one", primary.Add(-5 * time.Second), 1},
		{"same instant", primary, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GapMinutes(primary, tt.secondary))
		})
	}
}

func TestBuildQueue(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)

	write := func(name string, capturedAt time.Time) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("jpeg"), 0o644))
		require.NoError(t, os.Chtimes(p, capturedAt, capturedAt))
		return p
	}

	primary1 := write("truck1.jpg", now)
	primary2 := write("truck2.jpg", now.Add(time.Hour))
	sec1 := write("cam1.jpg", now.Add(-3*time.Minute))
	sec2 := write("cam2.jpg", now.Add(57*time.Minute))
	write("far.jpg", now.Add(-2*time.Hour)) // never passed in

	items, err := BuildQueue([]string{primary1, primary2}, []string{sec1, sec2})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.NotEmpty(t, items[0].ID)
	assert.NotEqual(t, items[0].ID, items[1].ID)
	assert.Equal(t, "truck1.jpg", items[0].Primary.Name)
	assert.True(t, filepath.IsAbs(items[0].Primary.Path))

	// cam1 is 3 minutes before truck1; cam2 is 3 minutes before truck2.
	require.Len(t, items[0].Candidates, 1)
	assert.Equal(t, "cam1.jpg", items[0].Candidates[0].Name)
	require.Len(t, items[1].Candidates, 1)
	assert.Equal(t, "cam2.jpg", items[1].Candidates[0].Name)
}

func TestBuildQueue_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := BuildQueue(nil, nil)
	require.Error(t, err)

	_, err = BuildQueue([]string{filepath.Join(dir, "missing.jpg")}, nil)
	require.Error(t, err)

	_, err = BuildQueue([]string{dir}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory")
}

func FuzzFilterCandidates(f *testing.F) {
	f.Add(int64(0), int64(-30), int64(-700), int64(100))
	f.Add(int64(1000), int64(0), int64(-600), int64(-601))
	f.Fuzz(func(t *testing.T, primaryOff, a, b, c int64) {
		base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
		primary := base.Add(time.Duration(primaryOff) * time.Second)
		secondaries := []Attachment{
			att("a.jpg", base.Add(time.Duration(a)*time.Second)),
			att("b.jpg", base.Add(time.Duration(b)*time.Second)),
			att("c.jpg", base.Add(time.Duration(c)*time.Second)),
		}

		got := FilterCandidates(primary, secondaries)

		for i, cand := range got {
			diff := primary.Sub(cand.CapturedAt)
			if diff < 0 || diff > CandidateWindow {
				t.Fatalf("candidate %s outside window: diff=%s", cand.Name, diff)
			}
			if i > 0 && got[i-1].CapturedAt.After(cand.CapturedAt) {
				t.Fatalf("candidates not in ascending capture order")
			}
		}
	})
}

func TestStateCursor(t *testing.T) {
	st := State{Queue: []WorkItem{{ID: "a"}, {ID: "b"}}}

	assert.False(t, st.Done())
	assert.Equal(t, "a", st.Current().ID)

	st.CurrentIndex = 2
	assert.True(t, st.Done())
}

func TestSettingsValidate(t *testing.T) {
	valid := Settings{ObservationAddress: "123 Clinton Street"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, Settings{}.Validate())

	badEmail := Settings{ObservationAddress: "123 Clinton Street", Email: "not-an-email"}
	assert.Error(t, badEmail.Validate())
}
