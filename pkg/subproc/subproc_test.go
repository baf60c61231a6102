package subproc

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not on PATH", name)
	}
}

func TestOutput(t *testing.T) {
	requireTool(t, "sh")

	out, err := Command("sh", "-c", "echo hello").Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestOutputNonZeroExit(t *testing.T) {
	requireTool(t, "sh")

	_, err := Command("sh", "-c", "exit 3").Output(context.Background())
	require.Error(t, err)
}

func TestOutputContextCancel(t *testing.T) {
	requireTool(t, "sh")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Command("sh", "-c", "sleep 30").Output(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestPipeline(t *testing.T) {
	requireTool(t, "sh")
	requireTool(t, "tr")

	p, err := NewPipeline(
		Command("sh", "-c", "printf abc"),
		Command("tr", "a-z", "A-Z"),
	)
	require.NoError(t, err)

	out, err := p.Last().StdoutPipe()
	require.NoError(t, err)

	require.NoError(t, p.Start())

	buf := new(bytes.Buffer)
	_, copyErr := io.Copy(buf, out)

	require.NoError(t, p.Wait())
	require.NoError(t, copyErr)
	assert.Equal(t, "ABC", buf.String())
}

func TestPipelineCallerStdin(t *testing.T) {
	requireTool(t, "cat")

	p, err := NewPipeline(Command("cat"))
	require.NoError(t, err)

	p.First().SetStdin(strings.NewReader("payload"))
	out, err := p.Last().StdoutPipe()
	require.NoError(t, err)

	require.NoError(t, p.Start())
	buf, readErr := io.ReadAll(out)
	require.NoError(t, p.Wait())
	require.NoError(t, readErr)
	assert.Equal(t, "payload", string(buf))
}

func TestPipelineStageFailure(t *testing.T) {
	requireTool(t, "sh")
	requireTool(t, "cat")

	p, err := NewPipeline(
		Command("sh", "-c", "exit 7"),
		Command("cat"),
	)
	require.NoError(t, err)

	out, err := p.Last().StdoutPipe()
	require.NoError(t, err)

	require.NoError(t, p.Start())
	io.Copy(io.Discard, out) //nolint:errcheck // Why: drain so the tail can exit

	require.Error(t, p.Wait())
	assert.True(t, p.failed.Load())
}

func TestTerminate(t *testing.T) {
	requireTool(t, "sh")

	c := Command("sh", "-c", "sleep 30")
	require.NoError(t, c.Start())

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	c.Terminate()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("child did not die after Terminate")
	}
}
