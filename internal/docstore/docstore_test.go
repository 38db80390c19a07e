package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"reviewtrail/internal/components/telemetry/telemetrytest"

	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root, &telemetrytest.Recorder{})
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "journal", "MS-1/R1", "review", "report.pdf", []byte("v1")))
	require.NoError(t, store.Save(ctx, "journal", "MS-1/R1", "review", "report.pdf", []byte("v2")))

	data, err := store.Load("journal", "MS-1/R1", "review", "report.pdf")
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))
	require.FileExists(t, filepath.Join(root, "journal", "MS-1_R1", "review", "report.pdf"))

	_, err = store.Load("journal", "MS-2", "review", "report.pdf")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveObservesCancellation(t *testing.T) {
	store := NewFileStore(t.TempDir(), &telemetrytest.Recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, store.Save(ctx, "journal", "MS-1", "manuscript", "a.pdf", nil), context.Canceled)
}
