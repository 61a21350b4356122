package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/arunika/client/internal/peer"
)

func executeCLI(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--env-file", "", "--log-level", "error"}, args...))

	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func startDevPeer(t *testing.T, cfg peer.Config) string {
	t.Helper()
	hub := peer.NewHub(cfg, nil)
	go hub.Run()
	server := httptest.NewServer(peer.NewServer(hub))
	t.Cleanup(func() {
		server.Close()
		hub.Stop()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestAsk(t *testing.T) {
	url := startDevPeer(t, peer.Config{})

	stdout, _, err := executeCLI(t, context.Background(), "--server-url", url, "ask", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "You said: hello there\n", stdout)
}

func TestAskJSONOutput(t *testing.T) {
	url := startDevPeer(t, peer.Config{Secret: "shared"})

	stdout, _, err := executeCLI(t, context.Background(),
		"--server-url", url, "--auth-secret", "shared", "ask", "--json", "hi")
	require.NoError(t, err)
	require.True(t, json.Valid([]byte(stdout)))

	var answer map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &answer))
	assert.Equal(t, "You said: hi", answer["response"])
	assert.NotEmpty(t, answer["session_id"])
}

func TestAskRejectsWrongSecret(t *testing.T) {
	url := startDevPeer(t, peer.Config{Secret: "shared"})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, _, err := executeCLI(t, ctx, "--server-url", url, "--auth-secret", "other", "ask", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to")
}

func TestInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "server url scheme", args: []string{"--server-url", "http://localhost:8000/ws", "ask", "hi"}, want: "ws:// or wss://"},
		{name: "log level", args: []string{"--log-level", "loud", "ask", "hi"}, want: "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := executeCLI(t, context.Background(), tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAskRequiresText(t *testing.T) {
	_, _, err := executeCLI(t, context.Background(), "ask")
	require.Error(t, err)
}

func TestListenWithTone(t *testing.T) {
	url := startDevPeer(t, peer.Config{Transcript: "turn on the lights"})

	stdout, _, err := executeCLI(t, context.Background(),
		"--server-url", url, "listen", "--tone", "--duration", "300ms", "--wait", "3s")
	require.NoError(t, err)
	assert.Contains(t, stdout, "session established: sess_")
	assert.Contains(t, stdout, "recording stopped")
	assert.Contains(t, stdout, "transcript: turn on the lights")
	assert.Contains(t, stdout, "response: You said: turn on the lights")
}

func TestListenStopsOnEnter(t *testing.T) {
	url := startDevPeer(t, peer.Config{})

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader("\n"))
	root.SetArgs([]string{"--env-file", "", "--log-level", "error", "--server-url", url, "listen", "--tone", "--wait", "200ms"})

	require.NoError(t, root.Execute())
	assert.Contains(t, stdout.String(), "press Enter to stop")
	assert.Contains(t, stdout.String(), "recording stopped")
}

func TestPeerCommandStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var stdout string
	go func() {
		out, _, err := executeCLI(t, ctx, "peer", "--addr", "127.0.0.1:0")
		stdout = out
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Contains(t, stdout, "peer listening on 127.0.0.1:0")
	case <-time.After(5 * time.Second):
		t.Fatal("peer command did not stop")
	}
}
