package perception

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net.labels")
	require.NoError(t, os.WriteFile(path, []byte("car\nperson  bike\n\ttruck\n"), 0o644))

	got, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"car", "person", "bike", "truck"}, got)

	missing, err := LoadLabels(filepath.Join(dir, "absent.labels"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	none, err := LoadLabels("")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestReconcileLabels(t *testing.T) {
	tests := []struct {
		name       string
		labels     []string
		numClasses int
		want       []string
	}{
		{"exact", []string{"bg", "car"}, 2, []string{"bg", "car"}},
		{"one short gets background", []string{"car", "person"}, 3, []string{"fake", "car", "person"}},
		{"too few", []string{"car"}, 3, nil},
		{"too many", []string{"a", "b", "c"}, 2, nil},
		{"empty", nil, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ReconcileLabels(tt.labels, tt.numClasses)); diff != "" {
				t.Errorf("ReconcileLabels() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLabelText(t *testing.T) {
	labels := ReconcileLabels([]string{"car", "person"}, 3)
	assert.Equal(t, "fake", LabelText(labels, 0))
	assert.Equal(t, "car", LabelText(labels, 1))
	assert.Equal(t, "label #3", LabelText(labels, 3))
	assert.Equal(t, "label #-1", LabelText(labels, -1))

	cleared := ReconcileLabels([]string{"car"}, 5)
	assert.Equal(t, "label #1", LabelText(cleared, 1))
}
