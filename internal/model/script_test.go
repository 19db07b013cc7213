package model_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Expecter/internal/model"
	"github.com/stretchr/testify/require"
)

const greetScript = `
version: 0
name: greet
command:
  - "read name; echo hello $name"
poll: 500ms
env:
  LANG: C
on:
  - output: "Password:"
    send: "secret\n"
    times: 1
  - unsatisfied: true
    send: "\n"
    exclusive: false
steps:
  - send: "world\n"
  - expect: "hello (\\w+)"
  - exit: 0
`

func TestLoadScript(t *testing.T) {
	t.Parallel()
	s, err := model.LoadScript("greet.yaml", strings.NewReader(greetScript))
	require.NoError(t, err)
	require.NotNil(t, s)

	require.Equal(t, "greet", s.Title())
	require.Equal(t, []string{"read name; echo hello $name"}, s.Command)
	require.Equal(t, map[string]string{"LANG": "C"}, s.Env)
	poll, err := s.PollInterval()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, poll)
	deadline, err := s.Timeout()
	require.NoError(t, err)
	require.Zero(t, deadline)

	require.Len(t, s.On, 2)
	event, err := s.On[0].Event()
	require.NoError(t, err)
	require.Equal(t, model.EventOutput, event)
	require.Equal(t, "secret\n", s.On[0].Send)
	require.Equal(t, 1, s.On[0].Times)
	require.Nil(t, s.On[0].Exclusive)
	require.Equal(t, "Password:", s.On[0].Pattern().String())

	event, err = s.On[1].Event()
	require.NoError(t, err)
	require.Equal(t, model.EventUnsatisfied, event)
	require.NotNil(t, s.On[1].Exclusive)
	require.False(t, *s.On[1].Exclusive)
	require.Nil(t, s.On[1].Pattern())

	var events []string
	for _, st := range s.Steps {
		event, err := st.Event()
		require.NoError(t, err)
		events = append(events, event)
	}
	require.Equal(t, []string{model.EventNone, model.EventOutput, model.EventExit}, events)
	require.NotNil(t, s.Steps[2].Exit)
	require.Zero(t, *s.Steps[2].Exit)
}

func TestLoadScript_Fail(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
		invalid  bool
	}{
		{
			scenario: "missing command",
			given:    "version: 0\nsteps:\n  - exit: 0\n",
		},
		{
			scenario: "no steps",
			given:    "version: 0\ncommand: [true]\nsteps: []\n",
		},
		{
			scenario: "unsupported version",
			given:    "version: 1\ncommand: [\"true\"]\nsteps:\n  - exit: 0\n",
		},
		{
			scenario: "exit out of range",
			given:    "version: 0\ncommand: [\"true\"]\nsteps:\n  - exit: 256\n",
		},
		{
			scenario: "bad duration",
			given:    "version: 0\ncommand: [\"true\"]\npoll: soon\nsteps:\n  - exit: 0\n",
		},
		{
			scenario: "two events in a step",
			given:    "version: 0\ncommand: [\"true\"]\nsteps:\n  - expect: x\n    exit: 0\n",
			invalid:  true,
		},
		{
			scenario: "handler without event",
			given:    "version: 0\ncommand: [\"true\"]\non:\n  - send: x\nsteps:\n  - exit: 0\n",
			invalid:  true,
		},
		{
			scenario: "empty step",
			given:    "version: 0\ncommand: [\"true\"]\nsteps:\n  - {}\n",
			invalid:  true,
		},
		{
			scenario: "bad pattern",
			given:    "version: 0\ncommand: [\"true\"]\nsteps:\n  - expect: \"(\"\n",
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadScript("fail.yaml", strings.NewReader(tt.given))
			require.Error(t, err)
			if tt.invalid {
				require.ErrorIs(t, err, model.ErrInvalidScript)
				require.Contains(t, err.Error(), "fail.yaml")
			}
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	require.Nil(t, model.CueErrDetails(nil))
	require.Empty(t, model.CueErrDetails(errors.New("not a cue error")))

	given := "version: 0\ncommand: [\"true\"]\nunknown: 1\nsteps:\n  - exit: 0\n"
	_, err := model.LoadScript("unknown.yaml", strings.NewReader(given))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown")

	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	var found bool
	for _, d := range details {
		t.Logf("%+v", d)
		if d.Code == "unknown_field" {
			found = true
			require.Equal(t, "unknown", d.Path)
			require.Equal(t, "field unknown is not allowed", d.Message)
			require.Equal(t, "unknown.yaml", d.Pos.Filename)
		}
	}
	require.True(t, found)
}
