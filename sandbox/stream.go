package sandbox

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"
)

// outputBuffer is the capacity of the output line channel. Producers block
// when it fills, so callers must drain the channel until it closes.
const outputBuffer = 1024

// runStreaming starts cmd, drains its stdout/stderr pipes line-by-line into
// the instance accumulators and the returned channel, and races completion
// against the timeout. kill must forcibly terminate the underlying
// execution including any forked descendants: they inherit the pipe write
// ends, and the stream only reaches EOF once every holder is gone. kill runs
// on timeout or context cancellation, and the command is always awaited
// before finalize is called and the channel closes.
func runStreaming(ctx context.Context, inst *instance, cmd *exec.Cmd, timeout time.Duration, kill func(), finalize func(waitErr error, timedOut, canceled bool)) (<-chan OutputLine, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	out := make(chan OutputLine, outputBuffer)

	var wg sync.WaitGroup
	wg.Add(2)
	go scanInto(&wg, stdout, StreamStdout, inst, out)
	go scanInto(&wg, stderr, StreamStderr, inst, out)

	go func() {
		defer close(out)

		waitDone := make(chan error, 1)
		go func() {
			// Pipes must be fully drained before Wait per os/exec docs.
			wg.Wait()
			waitDone <- cmd.Wait()
		}()

		timer := time.NewTimer(timeout)
		defer timer.Stop()

		var waitErr error
		var timedOut, canceled bool
		select {
		case waitErr = <-waitDone:
		case <-timer.C:
			timedOut = true
			kill()
			waitErr = <-waitDone
		case <-ctx.Done():
			canceled = true
			kill()
			waitErr = <-waitDone
		}

		finalize(waitErr, timedOut, canceled)
	}()

	return out, nil
}

func scanInto(wg *sync.WaitGroup, r io.Reader, stream string, inst *instance, out chan<- OutputLine) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := OutputLine{Stream: stream, Text: sc.Text()}
		inst.appendLine(line)
		out <- line
	}
}
