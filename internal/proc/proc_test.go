package proc

import (
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanLines(t *testing.T) {
	var got []string
	err := ScanLines(strings.NewReader("  first \n\n\tsecond\r\nthird"), func(line string) {
		got = append(got, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestScanLinesTruncatesLongLines(t *testing.T) {
	long := strings.Repeat("a", 2*MaxLineBytes+17)
	input := "first\n" + long + "\n" + long + "\ndone"

	var got []string
	require.NoError(t, ScanLines(strings.NewReader(input), func(line string) {
		got = append(got, line)
	}))
	require.Len(t, got, 4)
	assert.Equal(t, "first", got[0])
	assert.Len(t, got[1], MaxLineBytes)
	assert.Len(t, got[2], MaxLineBytes)
	assert.Equal(t, "done", got[3])
}

func TestStartCombinedDrainsPastLongLine(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "head -c 2000000 /dev/zero | tr '\\0' a; echo; echo done")
	r, err := StartCombined(cmd)
	require.NoError(t, err)
	defer r.Close()

	var last string
	var count int
	require.NoError(t, ScanLines(r, func(line string) {
		count++
		last = line
	}))
	require.NoError(t, cmd.Wait(), "writer must not see a broken pipe")
	assert.Equal(t, 2, count)
	assert.Equal(t, "done", last)
}

func TestStartCombinedJoinsStreams(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "echo out; echo err 1>&2; exit 3")
	r, err := StartCombined(cmd)
	require.NoError(t, err)
	defer r.Close()

	var lines []string
	require.NoError(t, ScanLines(r, func(line string) { lines = append(lines, line) }))
	waitErr := cmd.Wait()

	assert.ElementsMatch(t, []string{"out", "err"}, lines)
	assert.Equal(t, 3, ExitCode(waitErr))
}

func TestStartCombinedSpawnFailure(t *testing.T) {
	cmd := exec.Command("/definitely/not/a/binary")
	_, err := StartCombined(cmd)
	assert.Error(t, err)
}

func TestKillGroupKillsDescendants(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & sleep 30 & wait")
	r, err := StartCombined(cmd)
	require.NoError(t, err)
	defer r.Close()

	pid := cmd.Process.Pid
	require.True(t, GroupAlive(pid))
	require.NoError(t, KillGroup(pid))

	// The pipe only reaches EOF once every holder of the write end is gone.
	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, r)
		close(drained)
	}()
	waitErr := cmd.Wait()
	assert.Equal(t, -1, ExitCode(waitErr), "leader exits by signal")

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("descendants still hold the output pipe")
	}
	assert.NoError(t, KillGroup(pid), "killing a dead group is not an error")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(io.EOF))
}

func TestLogBuffer(t *testing.T) {
	lb := NewLogBuffer(3)
	for _, line := range []string{"a", "b", "c", "d"} {
		lb.Add(line)
	}

	latest := lb.Latest(10)
	require.Len(t, latest, 3)
	assert.Equal(t, "b", latest[0].Message)
	assert.Equal(t, int64(4), latest[2].ID)
	assert.Equal(t, int64(1), lb.Dropped())
	assert.Equal(t, "b\nc\nd", lb.String())
	assert.Len(t, lb.Latest(2), 2)
	assert.Empty(t, lb.Latest(0))
}
