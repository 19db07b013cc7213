package script_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Expecter/internal/expect"
	"github.com/CZERTAINLY/Expecter/internal/log"
	"github.com/CZERTAINLY/Expecter/internal/model"
	"github.com/CZERTAINLY/Expecter/internal/script"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newRunner(t *testing.T, defaults script.Defaults) script.Runner {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("/bin/sh is not available: %v", err)
	}
	defaults.Shell = "/bin/sh"
	return script.NewRunner(defaults, log.New(t.Output(), testing.Verbose()))
}

func load(t *testing.T, yml string) *model.Script {
	t.Helper()
	s, err := model.LoadScript("test.yaml", strings.NewReader(yml))
	require.NoError(t, err)
	return s
}

func TestRun(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		steps    int
	}{
		{
			scenario: "prompt and answer",
			given: `
version: 0
name: greet
command: ["printf 'name? '; read name; echo hello $name"]
steps:
  - expect: "name\\? "
    send: "world\n"
  - expect: "hello world"
  - exit: 0
`,
			steps: 3,
		},
		{
			scenario: "background handler",
			given: `
version: 0
command: ["printf 'Password:'; read pw; echo got:$pw"]
on:
  - output: "Password:"
    send: "secret\n"
    times: 1
steps:
  - expect: "got:secret"
  - exit: 0
`,
			steps: 2,
		},
		{
			scenario: "unsatisfied retry",
			given: `
version: 0
command: ["read x; echo got:$x"]
poll: 300ms
on:
  - unsatisfied: true
    send: "retry\n"
    times: 1
steps:
  - expect: "got:"
  - expect: "got:retry"
  - exit: 0
`,
			steps: 3,
		},
		{
			scenario: "program with arguments",
			given: `
version: 0
command: ["echo", "a  b"]
env:
  UNUSED: "1"
steps:
  - expect: "a  b"
  - exit: 0
`,
			steps: 2,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			r := newRunner(t, script.Defaults{Poll: 5 * time.Second})
			res := r.Run(t.Context(), load(t, tt.given))
			require.NoError(t, res.Err, res.Output)
			require.True(t, res.Ok())
			require.Equal(t, tt.steps, res.Steps)
			require.Equal(t, tt.steps, res.Total)
			require.NotNil(t, res.Status)
			require.Zero(t, res.Status.Code)
		})
	}
}

func TestRun_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		then     error
		reason   string
		code     int
	}{
		{
			scenario: "abnormal exit",
			given:    "version: 0\ncommand: [\"echo oops; exit 3\"]\nsteps:\n  - exit: 0\n",
			then:     expect.ErrAbnormalExit,
			reason:   "abnormal_exit",
			code:     3,
		},
		{
			scenario: "output never seen",
			given:    "version: 0\ncommand: [\"echo oops\"]\nsteps:\n  - expect: never\n",
			then:     expect.ErrExited,
			reason:   "exit",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			r := newRunner(t, script.Defaults{Poll: 5 * time.Second})
			res := r.Run(t.Context(), load(t, tt.given))
			require.ErrorIs(t, res.Err, tt.then)
			require.False(t, res.Ok())
			require.Zero(t, res.Steps)
			require.Equal(t, tt.reason, res.Reason)
			require.NotNil(t, res.Status)
			require.Equal(t, tt.code, res.Status.Code)
			require.Contains(t, res.Output, "oops")
		})
	}
}

func TestRun_Deadline(t *testing.T) {
	t.Parallel()
	r := newRunner(t, script.Defaults{Poll: 5 * time.Second, Deadline: 200 * time.Millisecond})
	s := load(t, `
version: 0
command: ["sleep 5"]
steps:
  - exit: 0
`)
	start := time.Now()
	res := r.Run(t.Context(), s)
	require.ErrorIs(t, res.Err, context.DeadlineExceeded)
	require.Zero(t, res.Steps)
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestRunFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	transcripts := filepath.Join(dir, "transcripts")
	files := map[string]string{
		"one.yaml":    "version: 0\ncommand: [\"echo one\"]\nsteps:\n  - expect: one\n  - exit: 0\n",
		"two.yaml":    "version: 0\ncommand: [\"echo two\"]\nsteps:\n  - expect: two\n  - exit: 0\n",
		"broken.yaml": "version: 0\nsteps: []\n",
	}
	var paths []string
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		paths = append(paths, path)
	}
	paths = append(paths, filepath.Join(dir, "missing.yaml"))

	r := newRunner(t, script.Defaults{Poll: 5 * time.Second, Parallel: 2, Transcripts: transcripts})
	results := make(map[string]script.Result)
	for res := range r.RunFiles(t.Context(), paths) {
		results[filepath.Base(res.Path)] = res
	}

	require.Len(t, results, 4)
	require.NoError(t, results["one.yaml"].Err)
	require.NoError(t, results["two.yaml"].Err)
	require.Error(t, results["broken.yaml"].Err)
	require.ErrorIs(t, results["missing.yaml"].Err, os.ErrNotExist)

	b, err := os.ReadFile(filepath.Join(transcripts, "two.log"))
	require.NoError(t, err)
	require.Contains(t, string(b), "two")
}

const settingsConfig = `
verbose: true
defaults:
  shell: /bin/sh
  poll: 250ms
  parallel: 3
  env:
    greeting: hello
`

func TestParseSettings(t *testing.T) {
	// can't be parallel as touches the viper package
	viper.SetConfigType("yaml")
	err := viper.ReadConfig(strings.NewReader(settingsConfig))
	require.NoError(t, err)
	viper.Set("defaults.deadline", "2m")
	t.Cleanup(viper.Reset)

	s, err := script.ParseSettings()
	require.NoError(t, err)

	require.True(t, s.Verbose)
	require.Equal(t, "/bin/sh", s.Defaults.Shell)
	require.Equal(t, 250*time.Millisecond, s.Defaults.Poll)
	require.Equal(t, 2*time.Minute, s.Defaults.Deadline)
	require.Equal(t, 3, s.Defaults.Parallel)
	require.Equal(t, "hello", s.Defaults.Env["greeting"])
}
