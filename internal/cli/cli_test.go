package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"monollm/internal/core"
	"monollm/internal/providers/builtin"
)

// fakeVendor answers chat completions as JSON, or as SSE when the request
// asks to stream. Every request body is kept.
type fakeVendor struct {
	*httptest.Server
	calls  atomic.Int32
	bodies chan string
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()
	v := &fakeVendor{bodies: make(chan string, 16)}
	v.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		v.calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		select {
		case v.bodies <- string(raw):
		default:
		}
		if strings.Contains(string(raw), `"stream":true`) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-2\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"po\"}}]}\n\n")
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-2\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"ng\"},\"finish_reason\":\"stop\"}]}\n\n")
			fmt.Fprint(w, "data: {\"id\":\"chatcmpl-2\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":1,\"total_tokens\":4}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","model":"local-model","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	t.Cleanup(v.Close)
	return v
}

func writeConfig(t *testing.T, vendorURL string, usageEnabled bool) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := fmt.Sprintf(`
logging:
  level: error
providers:
  - id: local
    name: Local
    type: openai
    base_url: %s
    api_key: sk-test
    supports_streaming: true
    models:
      - id: local-model
        name: Local Model
        max_tokens: 2048
        supports_temperature: true
        supports_streaming: true
usage:
  enabled: %t
  flush_interval: 1
storage:
  type: sqlite
  sqlite:
    path: %s
`, vendorURL, usageEnabled, filepath.Join(dir, "monollm.db"))
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))
	return path
}

func newTestCLI(stdin string) (*CLI, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return &CLI{
		Stdin:   strings.NewReader(stdin),
		Stdout:  &stdout,
		Stderr:  &stderr,
		Factory: builtin.DefaultFactory(),
	}, &stdout, &stderr
}

func TestExecute_Usage(t *testing.T) {
	c, stdout, _ := newTestCLI("")
	require.NoError(t, c.Execute(context.Background(), nil))
	assert.Contains(t, stdout.String(), "list-providers")

	err := c.Execute(context.Background(), []string{"bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "bogus"`)
}

func TestVersion(t *testing.T) {
	c, stdout, _ := newTestCLI("")
	require.NoError(t, c.Execute(context.Background(), []string{"version"}))
	assert.True(t, strings.HasPrefix(stdout.String(), "monollm "))
}

func TestListProviders(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	c, stdout, _ := newTestCLI("")
	require.NoError(t, c.Execute(context.Background(), []string{"list-providers", "--config", path}))

	out := stdout.String()
	assert.Contains(t, out, "BASE URL")
	assert.Contains(t, out, "local")
	assert.Contains(t, out, vendor.URL)
}

func TestListModels(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	c, stdout, _ := newTestCLI("")
	require.NoError(t, c.Execute(context.Background(), []string{"list-models", "--config", path, "--provider", "local"}))
	assert.Contains(t, stdout.String(), "Local Model")
	assert.Contains(t, stdout.String(), "2048")

	c, _, _ = newTestCLI("")
	err := c.Execute(context.Background(), []string{"list-models", "--config", path, "--provider", "nope"})
	require.Error(t, err)
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindModelNotFound, e.Kind)
}

func TestGenerate(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	c, stdout, stderr := newTestCLI("")
	err := c.Execute(context.Background(), []string{
		"generate", "say", "--config", path, "--model", "local-model", "--temperature", "0.2", "ping",
	})
	require.NoError(t, err)
	assert.Equal(t, "pong\n", stdout.String())
	assert.Contains(t, stderr.String(), "Tokens: 3 + 1 = 4")

	body := <-vendor.bodies
	assert.Contains(t, body, `"content":"say ping"`)
	assert.Contains(t, body, `"temperature":0.2`)
}

func TestGenerate_Stream(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	c, stdout, stderr := newTestCLI("")
	err := c.Execute(context.Background(), []string{
		"generate", "--config", path, "--model", "local-model", "--stream", "ping",
	})
	require.NoError(t, err)
	assert.Equal(t, "pong\n", stdout.String())
	assert.Contains(t, stderr.String(), "Tokens: 3 + 1 = 4")
}

func TestGenerate_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing prompt", args: []string{"generate", "--model", "local-model"}},
		{name: "missing model", args: []string{"generate", "hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestCLI("")
			err := c.Execute(context.Background(), tt.args)
			require.Error(t, err)
			e, ok := core.AsError(err)
			require.True(t, ok)
			assert.Equal(t, core.KindValidation, e.Kind)
		})
	}

	c, _, _ := newTestCLI("")
	err := c.Execute(context.Background(), []string{"generate", "--temperature", "warm", "hi"})
	assert.Error(t, err)
}

func TestGenerate_UnknownModel(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	c, _, _ := newTestCLI("")
	err := c.Execute(context.Background(), []string{"generate", "--config", path, "--model", "missing", "hi"})
	require.Error(t, err)
	assert.Zero(t, vendor.calls.Load())
}

func TestChat(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	c, stdout, _ := newTestCLI("hello\n\nclear\nagain\nexit\nignored\n")
	require.NoError(t, c.Execute(context.Background(), []string{"chat", "--config", path, "--model", "local-model"}))

	out := stdout.String()
	assert.Contains(t, out, "Chatting with Local Model")
	assert.Contains(t, out, "History cleared.")
	assert.Equal(t, 2, strings.Count(out, "Assistant: pong"))
	assert.Equal(t, int32(2), vendor.calls.Load())

	<-vendor.bodies
	second := <-vendor.bodies
	assert.NotContains(t, second, "hello", "clear must drop earlier turns")
}

func TestChat_KeepsHistory(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	c, _, _ := newTestCLI("first\nsecond\n")
	require.NoError(t, c.Execute(context.Background(), []string{"chat", "--config", path, "--model", "local-model"}))

	<-vendor.bodies
	second := <-vendor.bodies
	assert.Contains(t, second, `"content":"first"`)
	assert.Contains(t, second, `"content":"pong"`)
	assert.Contains(t, second, `"content":"second"`)
}

func TestUsage(t *testing.T) {
	vendor := newFakeVendor(t)

	disabled := writeConfig(t, vendor.URL, false)
	c, _, _ := newTestCLI("")
	err := c.Execute(context.Background(), []string{"usage", "--config", disabled})
	require.Error(t, err)
	e, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.KindConfiguration, e.Kind)

	path := writeConfig(t, vendor.URL, true)
	c, _, _ = newTestCLI("")
	require.NoError(t, c.Execute(context.Background(), []string{"generate", "--config", path, "--model", "local-model", "ping"}))

	c, stdout, _ := newTestCLI("")
	require.NoError(t, c.Execute(context.Background(), []string{"usage", "--config", path, "--since", "1h"}))
	out := stdout.String()
	assert.Contains(t, out, "local-model")
	assert.Contains(t, out, "TOTAL")

	c, _, _ = newTestCLI("")
	err = c.Execute(context.Background(), []string{"usage", "--config", path, "--since", "yesterday"})
	require.Error(t, err)
}

func TestParseFlags_Interspersed(t *testing.T) {
	c, _, _ := newTestCLI("")
	var f generationFlags
	fs := f.register("generate", c, "")
	positional, err := parseFlags(fs, []string{"a", "--model", "m", "b", "--max-tokens", "7", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, positional)
	assert.Equal(t, "m", f.model)
	require.NotNil(t, f.maxTokens.value)
	assert.Equal(t, 7, *f.maxTokens.value)
	assert.Nil(t, f.temperature.value)
}

func TestServe_StopsOnCancel(t *testing.T) {
	vendor := newFakeVendor(t)
	path := writeConfig(t, vendor.URL, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	c, _, _ := newTestCLI("")
	go func() {
		done <- c.Execute(ctx, []string{"serve", "--config", path, "--port", port})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:" + port + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}
