// Package proc holds the process primitives shared by the flavor supervisor
// and the build queue: process groups, combined output capture, line
// scanning and a bounded log buffer.
package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// MaxLineBytes is the longest line handed to a ScanLines callback.
const MaxLineBytes = 1024 * 1024

// StartCombined starts cmd in its own process group with stdout and stderr
// joined into one pipe, and returns the read end. The caller must drain
// and close it.
func StartCombined(cmd *exec.Cmd) (io.ReadCloser, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = w
	cmd.Stderr = w
	SetProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	// The child holds its own copy of the write end.
	_ = w.Close()
	return r, nil
}

// ScanLines calls fn for every line read from r, trimmed of surrounding
// whitespace. Blank lines are skipped. A line longer than MaxLineBytes is
// cut to that length and the rest of it discarded; reading always continues
// until r hits EOF so the writer never blocks or sees a broken pipe.
func ScanLines(r io.Reader, fn func(line string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if room := MaxLineBytes - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if text := strings.TrimSpace(string(line)); text != "" {
			fn(text)
		}
		line = line[:0]

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		default:
			return err
		}
	}
}

// ExitCode extracts the exit status from a Wait error. -1 means the process
// did not exit normally.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
