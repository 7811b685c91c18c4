package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-gateway/internal/format"
)

// serveCore starts StartCore's router on an in-memory listener and
// returns an HTTP client + cleanup.
func serveCore(t *testing.T, core *Core) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := coreRouter(core, nil, nil, nil)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func TestStartCore_ChatCompletions_DelegatesToEngine(t *testing.T) {
	attempter := &fakeAttempter{resp: &format.Internal{
		Model: "gpt-4o",
		Messages: []format.Message{
			{Role: format.RoleAssistant, Content: []format.ContentPart{{Type: format.PartText, Text: "hi there"}}},
		},
		StopReason: format.StopEndTurn,
		Usage:      format.Usage{InputTokens: 3, OutputTokens: 2},
	}}
	core := newTestCore(t, attempter)

	client, cleanup := serveCore(t, core)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStartCore_Health_NoHealthChecker(t *testing.T) {
	attempter := &fakeAttempter{}
	core := newTestCore(t, attempter)

	client, cleanup := serveCore(t, core)
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if out["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", out["status"])
	}
}

func TestStartCore_Readiness_NoHealthChecker(t *testing.T) {
	attempter := &fakeAttempter{}
	core := newTestCore(t, attempter)

	client, cleanup := serveCore(t, core)
	defer cleanup()

	resp, err := client.Get("http://test/readiness")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
