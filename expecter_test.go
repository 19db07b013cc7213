package expecter_test

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var (
	expecterPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("expecter-ci") {
		slog.Warn("cannot locate expecter-ci binary, integration tests are ignored: run go build -race -cover -covermode=atomic -o expecter-ci ./cmd/expecter/ first")
		os.Exit(0)
	}
	if !isExecutable("/bin/sh") {
		slog.Warn("integration tests need /bin/sh")
		os.Exit(0)
	}

	var err error
	expecterPath, err = filepath.Abs("expecter-ci")
	if err != nil {
		slog.Error("can't get abspath for expecter-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for expecter-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for expecter-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

type report struct {
	Name   string `yaml:"name"`
	Passed bool   `yaml:"passed"`
	Steps  int    `yaml:"steps"`
	Total  int    `yaml:"total"`
	Status *int   `yaml:"status"`
	Reason string `yaml:"reason"`
	Error  string `yaml:"error"`
}

func TestInitCheckRun(t *testing.T) {
	_ = chDir(t)

	_, stderr, err := expecter(t, "init", "greet.yaml")
	require.NoError(t, err, stderr)
	_, _, err = expecter(t, "init", "greet.yaml")
	require.Error(t, err, "init does not overwrite")

	stdout, stderr, err := expecter(t, "check", "greet.yaml")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "OK\tgreet.yaml\tgreet, 3 steps")

	stdout, stderr, err = expecter(t, "run", "--format", "yaml", "greet.yaml")
	require.NoError(t, err, stderr)
	creat(t, t.Name()+".yaml", []byte(stdout))

	var reports []report
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 1)
	require.True(t, reports[0].Passed)
	require.Equal(t, "greet", reports[0].Name)
	require.Equal(t, 3, reports[0].Steps)
	require.NotNil(t, reports[0].Status)
	require.Zero(t, *reports[0].Status)
}

func TestRunFailing(t *testing.T) {
	_ = chDir(t)

	const failing = `
version: 0
name: failing
command: ["echo started; exit 3"]
steps:
  - expect: started
  - exit: 0
`
	const passing = `
version: 0
name: passing
command: ["echo", "done"]
steps:
  - expect: done
  - exit: 0
`
	creat(t, "failing.yaml", []byte(failing))
	creat(t, "passing.yaml", []byte(passing))

	stdout, stderr, err := expecter(t, "run", "--parallel", "2", "--format", "yaml", "failing.yaml", "passing.yaml")
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr, stderr)
	require.Equal(t, 1, exitErr.ExitCode())

	var reports []report
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 2)
	require.Equal(t, "failing", reports[0].Name)
	require.False(t, reports[0].Passed)
	require.Equal(t, 1, reports[0].Steps)
	require.Equal(t, "abnormal_exit", reports[0].Reason)
	require.Equal(t, 3, *reports[0].Status)
	require.Contains(t, reports[0].Error, "abnormal_exit while waiting for exit with status 0")
	require.Equal(t, "passing", reports[1].Name)
	require.True(t, reports[1].Passed)
}

func TestRunDir(t *testing.T) {
	_ = chDir(t)

	const script = `
version: 0
name: %s
command: ["echo", "%s"]
steps:
  - expect: %s
  - exit: 0
`
	require.NoError(t, os.MkdirAll(filepath.Join("suite", "nested"), 0o755))
	creat(t, filepath.Join("suite", "a.yaml"), fmt.Appendf(nil, script, "a", "alpha", "alpha"))
	creat(t, filepath.Join("suite", "nested", "b.yml"), fmt.Appendf(nil, script, "b", "beta", "beta"))
	creat(t, filepath.Join("suite", "notes.txt"), []byte("not a script"))

	stdout, stderr, err := expecter(t, "check", "suite")
	require.NoError(t, err, stderr)
	require.Contains(t, stdout, "OK\tsuite/a.yaml\ta, 2 steps")
	require.Contains(t, stdout, "OK\tsuite/nested/b.yml\tb, 2 steps")
	require.NotContains(t, stdout, "notes.txt")

	stdout, stderr, err = expecter(t, "run", "--format", "yaml", "suite")
	require.NoError(t, err, stderr)

	var reports []report
	require.NoError(t, yaml.Unmarshal([]byte(stdout), &reports))
	require.Len(t, reports, 2)
	require.Equal(t, "a", reports[0].Name)
	require.Equal(t, "b", reports[1].Name)
	require.True(t, reports[0].Passed)
	require.True(t, reports[1].Passed)
}

func TestCheckInvalid(t *testing.T) {
	_ = chDir(t)

	creat(t, "invalid.yaml", []byte("version: 0\ncommand: [\"true\"]\nsteps:\n  - exit: 0\nunknown: 1\n"))
	stdout, stderr, err := expecter(t, "check", "invalid.yaml")
	require.Error(t, err)
	require.Contains(t, stdout, "FAIL\tinvalid.yaml")
	require.Contains(t, stderr, "invalid script")
}

func expecter(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	config := filepath.Join(t.TempDir(), "expecter.yaml")
	creat(t, config, []byte("defaults:\n  poll: 2s\n"))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, expecterPath, args...)
	cmd.Env = append(os.Environ(),
		"EXPECTER_SHELL=/bin/sh",
		"EXPECTER_LOG_FORMAT=json",
		"EXPECTERCONFIG="+config,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && !errors.As(err, new(*exec.ExitError)) {
		require.NoError(t, err)
	}
	return stdout.String(), stderr.String(), err
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
