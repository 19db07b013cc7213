package fake_test

import (
	"io"
	"net/http"
	"os/exec"
	"testing"
	"time"

	"github.com/CZERTAINLY/Expecter/internal/expect"
	"github.com/CZERTAINLY/Expecter/internal/fake"
	"github.com/CZERTAINLY/Expecter/internal/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func hello(t *testing.T) *fake.Server {
	t.Helper()
	s := fake.New("hello", fake.WithLogger(log.New(t.Output(), testing.Verbose())))
	require.NoError(t, s.HandleString("GET /hello", "Hello, world"))
	require.NoError(t, s.HandleString("GET /goodbye", "Goodbye, world"))
	require.NoError(t, s.Start(t.Context()))
	t.Cleanup(func() {
		_ = s.Stop(t.Context())
	})
	return s
}

func TestServer(t *testing.T) {
	t.Parallel()
	s := hello(t)
	require.Equal(t, "hello", s.Name())
	require.Equal(t, "127.0.0.1", s.Host())
	require.NotZero(t, s.Port())
	require.ErrorIs(t, s.HandleString("GET /late", "late"), fake.ErrStarted)
	require.ErrorIs(t, s.Start(t.Context()), fake.ErrStarted)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	var testCases = []struct {
		path   string
		status int
		body   string
	}{
		{"/hello", http.StatusOK, "Hello, world"},
		{"/goodbye", http.StatusOK, "Goodbye, world"},
		{"/missing", http.StatusNotFound, "404 page not found\n"},
	}
	for _, tt := range testCases {
		resp, err := client.Get(s.URL() + tt.path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, resp.Body.Close())
		require.NoError(t, err)
		require.Equal(t, tt.status, resp.StatusCode)
		require.Equal(t, tt.body, string(body))
	}

	require.Equal(t, "GET /hello 200\nGET /goodbye 200\nGET /missing 404\n", s.Output())
	require.NoError(t, s.Stop(t.Context()))
	_, err := client.Get(s.URL() + "/hello")
	require.Error(t, err)
}

func TestServer_NotStarted(t *testing.T) {
	t.Parallel()
	s := fake.New("idle")
	require.ErrorIs(t, s.Stop(t.Context()), fake.ErrNotStarted)
	require.Empty(t, s.Output())
}

func TestServer_Curl(t *testing.T) {
	t.Parallel()
	curl, err := exec.LookPath("curl")
	if err != nil {
		t.Skipf("curl is not available: %v", err)
	}
	s := hello(t)

	cfg := expect.DefaultConfig()
	cfg.Shell = "/bin/sh"
	cfg.PollInterval = 5 * time.Second
	cfg.Logger = log.New(t.Output(), testing.Verbose())
	p := expect.New([]string{curl, "-s", s.URL() + "/goodbye"}, cfg)
	require.NoError(t, p.Start(t.Context()))
	t.Cleanup(func() { _ = p.Close() })

	require.NoError(t, p.WaitFor(t.Context(), expect.OutputString("Goodbye, world", nil)))
	require.NoError(t, p.WaitFor(t.Context(), expect.ExitCode(0, nil)))
	require.Equal(t, "GET /goodbye 200\n", s.Output())
}
