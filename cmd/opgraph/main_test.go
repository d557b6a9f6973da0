package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/gguf"
	"github.com/born-ml/opgraph/internal/tensor"
)

const testGraph = `
input "x" {
  shape = [hparams.embedding_length, 1]
}

op "y" {
  kind   = "mul_mat"
  inputs = ["x", "blk.0.w"]
}

outputs = ["y"]
`

func writeFixtures(t *testing.T) (modelPath, graphPath string) {
	t.Helper()
	dir := t.TempDir()

	w := tensor.Desc{Name: "blk.0.w", Type: dtype.F32, Shape: tensor.MustShape(2, 2)}
	w.Data = make([]byte, w.ByteSize())
	copy(tensor.Float32s(w.Data), []float32{1, 2, 3, 4})

	var buf bytes.Buffer
	require.NoError(t, gguf.Write(&buf, []gguf.KV{
		{Key: "general.architecture", Value: "tiny"},
		{Key: "general.name", Value: "tiny-test"},
		{Key: "tiny.embedding_length", Value: uint32(2)},
	}, []tensor.Desc{w}))

	modelPath = filepath.Join(dir, "tiny.gguf")
	graphPath = filepath.Join(dir, "graph.hcl")
	require.NoError(t, os.WriteFile(modelPath, buf.Bytes(), 0o600))
	require.NoError(t, os.WriteFile(graphPath, []byte(testGraph), 0o600))
	return modelPath, graphPath
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, &out, []string{"version"}))
	assert.Equal(t, "opgraph "+version+"\n", out.String())
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), &out, &out, nil))
	assert.Contains(t, out.String(), "Usage:")
}

func TestRun(t *testing.T) {
	modelPath, graphPath := writeFixtures(t)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{
		"run", "-model", modelPath, "-graph", graphPath,
		"-tier", "base", "-threads", "2", "-passes", "3",
		"-input", "x=1,1", "-log-level", "warn",
	})
	require.NoError(t, err, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "y f32")
	assert.Contains(t, out, "[4 6]")
	assert.Contains(t, out, "tier=base threads=2 ops=3 passes=3 executed=9")
}

func TestInspect(t *testing.T) {
	modelPath, _ := writeFixtures(t)
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), &stdout, &stderr, []string{"inspect", "-model", modelPath}))

	out := stdout.String()
	assert.Contains(t, out, "name: tiny-test")
	assert.Contains(t, out, "architecture")
	assert.Contains(t, out, "embedding_length")
	assert.Contains(t, out, "blk.0.w")
	assert.Contains(t, out, "tensors: 1 (16 bytes)")
}

func TestUsageErrors(t *testing.T) {
	modelPath, graphPath := writeFixtures(t)
	tests := []struct {
		name string
		args []string
	}{
		{"unknown command", []string{"train"}},
		{"missing graph", []string{"run", "-model", modelPath}},
		{"bad policy", []string{"run", "-model", modelPath, "-graph", graphPath, "-policy", "sometimes"}},
		{"bad passes", []string{"run", "-model", modelPath, "-graph", graphPath, "-passes", "0"}},
		{"bad log level", []string{"run", "-model", modelPath, "-graph", graphPath, "-log-level", "loud"}},
		{"bad input", []string{"run", "-model", modelPath, "-graph", graphPath, "-input", "x"}},
		{"inspect without model", []string{"inspect"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestRunLoadError(t *testing.T) {
	_, graphPath := writeFixtures(t)
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{
		"run", "-model", filepath.Join(t.TempDir(), "missing.gguf"), "-graph", graphPath,
	})
	require.Error(t, err)
	var exitErr *ExitError
	assert.NotErrorAs(t, err, &exitErr)
}

func TestInputValues(t *testing.T) {
	v := inputValues{}
	require.NoError(t, v.Set("x=1, 2.5,-3"))
	assert.Equal(t, []float32{1, 2.5, -3}, v["x"])
	assert.Error(t, v.Set("=1"))
	assert.Error(t, v.Set("x=a"))
}
