package log

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddContextSticksForJob(t *testing.T) {
	prev := os.Stderr
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = w
	t.Cleanup(func() { os.Stderr = prev })

	// the first log line caches the job's base logger; AddContext must
	// replace it, not leave it as-is
	Log("job-ctx-1", "before context")
	AddContext("job-ctx-1", "source_url", "https://cdn.example.com/index.m3u8")
	Log("job-ctx-1", "after context")

	require.NoError(t, w.Close())
	os.Stderr = prev
	out, err := io.ReadAll(r)
	require.NoError(t, err)

	require.Contains(t, string(out), "job_id=job-ctx-1")
	require.Contains(t, string(out), "source_url=https://cdn.example.com/index.m3u8")
}
