package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getsentry/traceprof/internal/profile"
)

func TestRunProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, os.WriteFile(path, traceBody(t), 0o600))

	tests := []struct {
		format string
		check  func(t *testing.T, out []byte)
	}{
		{
			format: "summary",
			check: func(t *testing.T, out []byte) {
				var summary profile.Summary
				require.NoError(t, json.Unmarshal(out, &summary))
				require.Equal(t, 3, summary.SampleCount)
			},
		},
		{
			format: "tree",
			check: func(t *testing.T, out []byte) {
				// Without symbols every frame is a placeholder of app.exe.
				require.Contains(t, string(out), "app.exe!")
			},
		},
		{
			format: "speedscope",
			check: func(t *testing.T, out []byte) {
				require.Contains(t, string(out), `"type":"sampled"`)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var out bytes.Buffer
			err := runProcess(context.Background(), path, processFlags{format: tt.format, pids: []int{42}}, &out)
			require.NoError(t, err)
			tt.check(t, out.Bytes())
		})
	}
}

func TestRunProcessUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	require.NoError(t, os.WriteFile(path, traceBody(t), 0o600))

	err := runProcess(context.Background(), path, processFlags{format: "svg"}, &bytes.Buffer{})
	require.Error(t, err)
}
