package pipeline

import (
	"archive/tar"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/klauspost/compress/gzip"

	"github.com/hodei/pipelines/pkg/types"
)

// errUnstable marks a step that degrades the stage to UNSTABLE instead of
// failing it. publishTestResults uses it for test failures.
var errUnstable = errors.New("unstable")

// runProcess executes a command with the step's context: interrupt on
// cancellation, hard kill after the grace period.
func runProcess(ctx context.Context, sc *StepContext, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = sc.WorkDir
	cmd.Env = sc.Env
	cmd.Stdout = sc.Stdout
	cmd.Stderr = sc.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = sc.Grace

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			// Interrupted, let the caller classify cancellation vs timeout
			return ctx.Err()
		}
		return types.StepFailureError(sc.Stage, sc.StepName, exitErr.ExitCode())
	}
	return err
}

// shellExecutor runs a command line through the shell
type shellExecutor struct{}

func (shellExecutor) Execute(ctx context.Context, step *types.Step, sc *StepContext) error {
	return runProcess(ctx, sc, "sh", "-c", step.Command)
}

// scriptExecutor materializes inline script content and executes it
type scriptExecutor struct{}

func (scriptExecutor) Execute(ctx context.Context, step *types.Step, sc *StepContext) error {
	f, err := os.CreateTemp(sc.WorkDir, ".hodei-script-*")
	if err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(step.Content); err != nil {
		f.Close()
		return fmt.Errorf("write script: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	return runProcess(ctx, sc, "sh", path)
}

// archiveExecutor collects files matching the pattern into a tar.gz under
// the workspace artifact directory.
type archiveExecutor struct{}

func (archiveExecutor) Execute(ctx context.Context, step *types.Step, sc *StepContext) error {
	matches, err := filepath.Glob(filepath.Join(sc.WorkDir, step.Pattern))
	if err != nil {
		return fmt.Errorf("archive pattern %q: %w", step.Pattern, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("archive pattern %q matched nothing", step.Pattern)
	}

	dir := filepath.Join(sc.WorkDir, ".hodei", "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	out, err := os.Create(filepath.Join(dir, sc.Stage+".tar.gz"))
	if err != nil {
		return err
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)
	for _, match := range matches {
		if err := addToArchive(tw, sc.WorkDir, match); err != nil {
			return fmt.Errorf("archive %s: %w", match, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	fmt.Fprintf(sc.Stdout, "archived %d file(s) matching %s\n", len(matches), step.Pattern)
	return nil
}

func addToArchive(tw *tar.Writer, root, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// junitSuite is the subset of the JUnit XML schema the result publisher
// reads. Both <testsuite> roots and <testsuites> wrappers appear in the
// wild.
type junitSuite struct {
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Errors   int          `xml:"errors,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

func (s *junitSuite) totals() (tests, failed int) {
	tests, failed = s.Tests, s.Failures+s.Errors
	for _, child := range s.Suites {
		t, f := child.totals()
		tests += t
		failed += f
	}
	return tests, failed
}

// testResultsExecutor parses JUnit reports. Failing tests do not fail the
// stage; they degrade it to UNSTABLE.
type testResultsExecutor struct{}

func (testResultsExecutor) Execute(ctx context.Context, step *types.Step, sc *StepContext) error {
	matches, err := filepath.Glob(filepath.Join(sc.WorkDir, step.Pattern))
	if err != nil {
		return fmt.Errorf("test results pattern %q: %w", step.Pattern, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("test results pattern %q matched nothing", step.Pattern)
	}

	totalTests, totalFailed := 0, 0
	for _, match := range matches {
		data, err := os.ReadFile(match)
		if err != nil {
			return err
		}
		var suite junitSuite
		if err := xml.Unmarshal(data, &suite); err != nil {
			return fmt.Errorf("parse %s: %w", match, err)
		}
		tests, failed := suite.totals()
		totalTests += tests
		totalFailed += failed
	}

	fmt.Fprintf(sc.Stdout, "test results: %d run, %d failed\n", totalTests, totalFailed)
	if totalFailed > 0 {
		return errUnstable
	}
	return nil
}
