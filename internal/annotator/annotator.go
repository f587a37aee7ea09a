// Package annotator launches the annotation tool as an opaque long-running
// task and reports its outcome through a task handle.
package annotator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/annoflow/internal/objectstore"
)

// ErrMissingOutput means the task exited cleanly but did not write both files.
var ErrMissingOutput = errors.New("annotation output missing")

// Task describes one annotation run.
type Task struct {
	JobID         uuid.UUID
	UserID        string
	InputFileName string
	// InputPath is the local copy of the input inside WorkDir.
	InputPath string
	WorkDir   string
}

// ResultPath and LogPath are where the tool writes its output for t.
func (t Task) ResultPath() string {
	return filepath.Join(t.WorkDir, objectstore.ResultFileName(t.JobID, t.InputFileName))
}

func (t Task) LogPath() string {
	return filepath.Join(t.WorkDir, objectstore.LogFileName(t.JobID, t.InputFileName))
}

// Result is the outcome of a finished task.
type Result struct {
	ResultPath string
	LogPath    string
	Err        error
}

// Handle tracks a launched task. Done delivers exactly one Result and closes.
type Handle interface {
	Done() <-chan Result
}

// Launcher starts annotation tasks. Launch returns once the task is running;
// the task itself outlives ctx.
type Launcher interface {
	Launch(ctx context.Context, t Task) (Handle, error)
}

type handle struct {
	done chan Result
}

func (h *handle) Done() <-chan Result { return h.done }

// ExecLauncher runs an external command as `<command> <input_path>` in the
// task's working directory.
type ExecLauncher struct {
	command string
	args    []string
}

func NewExecLauncher(command string, args ...string) *ExecLauncher {
	return &ExecLauncher{command: command, args: args}
}

func (l *ExecLauncher) Launch(_ context.Context, t Task) (Handle, error) {
	args := append(append([]string{}, l.args...), t.InputPath)
	cmd := exec.Command(l.command, args...)
	cmd.Dir = t.WorkDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start annotator: %w", err)
	}
	slog.Info("annotator launched", "job_id", t.JobID, "pid", cmd.Process.Pid)

	h := &handle{done: make(chan Result, 1)}
	go func() {
		defer close(h.done)
		res := Result{ResultPath: t.ResultPath(), LogPath: t.LogPath()}
		if err := cmd.Wait(); err != nil {
			res.Err = fmt.Errorf("annotator exited: %w: %s", err, tail(out.Bytes(), 1024))
		} else {
			res.Err = checkOutput(res)
		}
		h.done <- res
	}()
	return h, nil
}

func checkOutput(r Result) error {
	for _, p := range []string{r.ResultPath, r.LogPath} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingOutput, filepath.Base(p))
		}
	}
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) > n {
		return b[len(b)-n:]
	}
	return b
}

// Finished returns a handle that is already done with r. Launchers that
// complete synchronously use it.
func Finished(r Result) Handle {
	h := &handle{done: make(chan Result, 1)}
	h.done <- r
	close(h.done)
	return h
}
