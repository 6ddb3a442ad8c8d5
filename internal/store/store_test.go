// File: internal/store/store_test.go
package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/citywatch/formrunner/internal/batch"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestLoadState_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadState()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAndLoadState(t *testing.T) {
	s := openTestStore(t)

	capture := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	st := &batch.State{
		Running: true,
		Queue: []batch.WorkItem{
			{
				ID:      "item-1",
				Primary: batch.Attachment{Path: "/photos/truck.jpg", Name: "truck.jpg", CapturedAt: capture},
				Candidates: []batch.Attachment{
					{Path: "/photos/cam.jpg", Name: "cam.jpg", CapturedAt: capture.Add(-3 * time.Minute)},
				},
			},
		},
		CurrentSurfaceID: "surface-1",
		Settings:         batch.Settings{ObservationAddress: "123 Clinton Street"},
	}
	require.NoError(t, s.SaveState(st))
	assert.Equal(t, int64(1), st.Version)

	got, err := s.LoadState()
	require.NoError(t, err)
	if diff := cmp.Diff(st, got); diff != "" {
		t.Fatalf("state roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveState_VersionBumps(t *testing.T) {
	s := openTestStore(t)

	st := &batch.State{Running: true}
	require.NoError(t, s.SaveState(st))
	require.NoError(t, s.SaveState(st))
	st.CurrentIndex = 1
	require.NoError(t, s.SaveState(st))

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, 1, got.CurrentIndex)
}

func TestSaveState_Overwrites(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.SaveState(&batch.State{Running: true, Queue: []batch.WorkItem{{ID: "a"}}}))
	require.NoError(t, s.SaveState(&batch.State{Running: false}))

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.False(t, got.Running)
	assert.Empty(t, got.Queue)
}

func TestSettingsRoundtrip(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LoadSettings()
	require.ErrorIs(t, err, ErrNotFound)

	in := &batch.Settings{
		FirstName:          "Jane",
		Email:              "jane@example.com",
		ObservationAddress: "123 Clinton Street",
		Description:        "Custom text.",
	}
	require.NoError(t, s.SaveSettings(in))

	got, err := s.LoadSettings()
	require.NoError(t, err)
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("settings roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.SaveState(&batch.State{Running: true, CurrentIndex: 2}))
	require.NoError(t, s.Close())

	s, err = Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.LoadState()
	require.NoError(t, err)
	assert.True(t, got.Running)
	assert.Equal(t, 2, got.CurrentIndex)
	assert.Equal(t, int64(1), got.Version)
}
