// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/client"
	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/events"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/search"
	"github.com/jeranaias/chatrelay/internal/server"
	"github.com/jeranaias/chatrelay/internal/sse"
)

const replyStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Olá\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\", mundo\"}}]}\n\n" +
	"data: [DONE]\n\n"

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// newGateway serves body as an SSE stream, or fails with status.
func newGateway(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(gw.Close)
	return gw
}

func testConfig(gatewayURL string) *config.Config {
	cfg := config.Default()
	cfg.Gateway.URL = gatewayURL
	cfg.Gateway.APIKey = config.NewSecret("sk-test-key")
	cfg.Search.Provider = search.ProviderOff
	return cfg
}

// newRelay runs a full relay in front of a fake gateway and returns a
// client for it.
func newRelay(t *testing.T, status int, body string) *client.Client {
	t.Helper()
	gw := newGateway(t, status, body)
	srv, err := BuildServer(testConfig(gw.URL), zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return client.New(ts.URL)
}

// scriptedInput feeds fixed lines to the REPL, then EOF.
type scriptedInput struct {
	lines []string
}

func (s *scriptedInput) Prompt(string) (string, error) {
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

// =============================================================================
// SERVE TESTS
// =============================================================================

func TestBuildServer_Health(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		gateway string
		search  string
	}{
		{name: "configured, search off", mutate: func(*config.Config) {}, gateway: "configured", search: "disabled"},
		{name: "no key", mutate: func(c *config.Config) { c.Gateway.APIKey = config.Secret{} }, gateway: "not_configured", search: "disabled"},
		{name: "duckduckgo", mutate: func(c *config.Config) { c.Search.Provider = search.ProviderDuckDuckGo }, gateway: "configured", search: "enabled"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1/v1/chat/completions")
			tc.mutate(cfg)

			srv, err := BuildServer(cfg, zerolog.Nop())
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.NotContains(t, rec.Body.String(), "sk-test-key")

			var health server.HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
			assert.Equal(t, tc.gateway, health.Gateway)
			assert.Equal(t, tc.search, health.Search)
		})
	}
}

func TestBuildServer_UnknownProvider(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Search.Provider = "bing"

	_, err := BuildServer(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

func healthOf(t *testing.T, h http.Handler) server.HealthResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health server.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	return health
}

func TestReloadRelay_RotatesKeyAndSearch(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Gateway.APIKey = config.Secret{}

	srv, err := BuildServer(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "not_configured", healthOf(t, srv.Handler()).Gateway)

	next := testConfig("http://127.0.0.1:1")
	next.Search.Provider = search.ProviderDuckDuckGo
	reloadRelay(srv)(next)

	health := healthOf(t, srv.Handler())
	assert.Equal(t, "configured", health.Gateway)
	assert.Equal(t, "enabled", health.Search)

	bad := testConfig("http://127.0.0.1:1")
	bad.Search.Provider = "bing"
	reloadRelay(srv)(bad)
	assert.Equal(t, "enabled", healthOf(t, srv.Handler()).Search, "a failed reload keeps the running relay")
}

func TestWatchConfig_AppliesSavedFile(t *testing.T) {
	for _, name := range []string{"CHATRELAY_API_KEY", "LOVABLE_API_KEY", "CHATRELAY_SEARCH_PROVIDER", "CHATRELAY_GATEWAY_URL"} {
		t.Setenv(name, "")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.SaveTOML(config.Default(), path))

	cfg := testConfig("http://127.0.0.1:1")
	srv, err := BuildServer(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchConfig(ctx, path, srv)

	next := config.Default()
	next.Search.Provider = search.ProviderDuckDuckGo
	require.NoError(t, config.SaveTOML(next, path))

	require.Eventually(t, func() bool {
		return healthOf(t, srv.Handler()).Search == "enabled"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRunServer_GracefulShutdown(t *testing.T) {
	gw := newGateway(t, http.StatusOK, replyStream)
	srv, err := BuildServer(testConfig(gw.URL), zerolog.Nop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- RunServer(ctx, srv, ln, time.Second) }()

	healthURL := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunServer_CancelledBeforeServing(t *testing.T) {
	srv, err := BuildServer(testConfig("http://127.0.0.1:1"), zerolog.Nop())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- RunServer(ctx, srv, ln, time.Second) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("RunServer kept serving after cancellation")
	}
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChatSession_StreamsThroughDisplayBus(t *testing.T) {
	c := newRelay(t, http.StatusOK, replyStream)

	var screen bytes.Buffer
	bus, err := newDisplayBus(context.Background(), newStreamRenderer(&screen), zerolog.Nop())
	require.NoError(t, err)

	session := newChatSession(c, bus.Sink(), io.Discard)
	require.NoError(t, session.Send(context.Background(), "oi"))
	require.NoError(t, bus.Close())

	assert.Equal(t, "assistant› Olá, mundo\n", screen.String())

	turns := session.conv.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, model.RoleUser, turns[0].Role)
	assert.Equal(t, "Olá, mundo", turns[1].Content)
}

func TestChatSession_BusyRejectsSecondSubmission(t *testing.T) {
	session := newChatSession(client.New("http://127.0.0.1:1"), nil, io.Discard)
	session.busy = true

	err := session.Send(context.Background(), "de novo")
	assert.True(t, errors.Is(err, ErrBusy))
	assert.Empty(t, session.conv.Turns())
	assert.False(t, session.Interrupt(), "nothing to interrupt")
}

func TestChatSession_RefusalWithdrawsTurn(t *testing.T) {
	c := newRelay(t, http.StatusTooManyRequests, "")
	session := newChatSession(c, nil, io.Discard)

	err := session.Send(context.Background(), "oi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, client.ErrRateLimited))
	assert.Empty(t, session.conv.Turns())
}

func TestChatSession_Loop(t *testing.T) {
	c := newRelay(t, http.StatusOK, replyStream)
	rec := &events.Recorder{}
	var out bytes.Buffer
	session := newChatSession(c, rec, &out)

	in := &scriptedInput{lines: []string{"", "oi", "/history", "/bogus", "/clear", "/exit", "never sent"}}
	require.NoError(t, session.Loop(context.Background(), in))

	assert.Equal(t, "Olá, mundo", rec.Text())
	assert.Contains(t, out.String(), "Olá, mundo", "history lists the reply")
	assert.Contains(t, out.String(), "Unknown command /bogus")
	assert.Contains(t, out.String(), "Conversation cleared.")
	assert.Empty(t, session.conv.Turns())
	assert.Equal(t, []string{"never sent"}, in.lines)
}

func TestChatSession_LoopShowsErrors(t *testing.T) {
	c := newRelay(t, http.StatusPaymentRequired, "")
	var out bytes.Buffer
	session := newChatSession(c, nil, &out)

	require.NoError(t, session.Loop(context.Background(), &scriptedInput{lines: []string{"oi"}}))
	assert.Contains(t, out.String(), server.MsgQuotaExhausted)
}

func TestChatSession_OversizedHistorySuggestsClear(t *testing.T) {
	c := newRelay(t, http.StatusOK, replyStream)
	var out bytes.Buffer
	session := newChatSession(c, nil, &out)

	require.NoError(t, session.conv.AddUserTurn("escreva muito"))
	require.NoError(t, session.conv.PublishEvent(events.NewDelta("s", 0, strings.Repeat("a", relay.MaxTurnLength+1))))
	require.NoError(t, session.conv.PublishEvent(events.NewDone("s", 1, events.ReasonDoneSentinel)))

	require.NoError(t, session.Loop(context.Background(), &scriptedInput{lines: []string{"oi", "/clear", "oi"}}))

	assert.Equal(t, 1, strings.Count(out.String(), "/clear to start a new conversation"))
	turns := session.conv.Turns()
	require.Len(t, turns, 2, "after /clear the next message goes through")
	assert.Equal(t, "Olá, mundo", turns[1].Content)
}

func TestChatSession_OversizedMessageNoClearHint(t *testing.T) {
	var out bytes.Buffer
	session := newChatSession(client.New("http://127.0.0.1:1"), nil, &out)

	require.NoError(t, session.Loop(context.Background(), &scriptedInput{lines: []string{strings.Repeat("a", relay.MaxTurnLength+1)}}))
	assert.NotContains(t, out.String(), "/clear to start")
	assert.Empty(t, session.conv.Turns())
}

func TestStreamRenderer(t *testing.T) {
	var out bytes.Buffer
	r := newStreamRenderer(&out)

	require.NoError(t, r.PublishEvent(events.NewDelta("s", 0, "Olá")))
	require.NoError(t, r.PublishEvent(events.NewError("s", 1, errors.New("connection reset"))))

	assert.Equal(t, "assistant› Olá\n[interrupted] connection reset\n", out.String())
}

// =============================================================================
// ASK / SEARCH TESTS
// =============================================================================

func TestAsk_Plain(t *testing.T) {
	c := newRelay(t, http.StatusOK, replyStream)
	var out bytes.Buffer

	err := ask(context.Background(), c, []model.Turn{model.NewUserTurn("oi")}, &out, false)
	require.NoError(t, err)
	assert.Equal(t, "Olá, mundo\n", out.String())
}

func TestAsk_Markdown(t *testing.T) {
	c := newRelay(t, http.StatusOK,
		"data: {\"choices\":[{\"delta\":{\"content\":\"**Olá**\"}}]}\n\ndata: [DONE]\n\n")
	var out bytes.Buffer

	err := ask(context.Background(), c, []model.Turn{model.NewUserTurn("oi")}, &out, true)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Olá")
}

func TestAsk_RejectedHistory(t *testing.T) {
	c := client.New("http://127.0.0.1:1")
	err := ask(context.Background(), c, []model.Turn{model.NewUserTurn(strings.Repeat("a", relay.MaxTurnLength+1))}, io.Discard, false)
	assert.Equal(t, ExitUsageError, GetExitCode(err))
}

func TestPrintResults(t *testing.T) {
	var out bytes.Buffer
	printResults(&out, []search.Result{
		{Title: "Dólar hoje", Snippet: "Cotação comercial", URL: "https://example.com/dolar"},
	})
	assert.Contains(t, out.String(), "1. Dólar hoje")
	assert.Contains(t, out.String(), "   https://example.com/dolar")
	assert.Contains(t, out.String(), "   Cotação comercial")

	out.Reset()
	printResults(&out, nil)
	assert.Contains(t, out.String(), "No results.")
}

func TestPrintResultsJSON(t *testing.T) {
	results := []search.Result{{Title: "Dólar hoje", Snippet: "Cotação", URL: "https://example.com"}}

	var plain bytes.Buffer
	require.NoError(t, printResultsJSON(&plain, results, false))
	assert.JSONEq(t, `{"results":[{"title":"Dólar hoje","snippet":"Cotação","url":"https://example.com"}]}`, plain.String())
	assert.NotContains(t, plain.String(), "\x1b[")

	var colored bytes.Buffer
	require.NoError(t, printResultsJSON(&colored, results, true))
	assert.Contains(t, colored.String(), "\x1b[")
	assert.Equal(t, plain.String(), ansiPattern.ReplaceAllString(colored.String(), ""))

	plain.Reset()
	require.NoError(t, printResultsJSON(&plain, nil, false))
	assert.JSONEq(t, `{"results":[]}`, plain.String())
}

func TestHighlight_UnknownLanguageFallsBack(t *testing.T) {
	out := highlight("just some words", "no-such-language")
	assert.Equal(t, "just some words", ansiPattern.ReplaceAllString(out, ""))
}

func TestWrapText(t *testing.T) {
	assert.Equal(t, "uma frase\ncurta aqui", WrapText("uma frase curta aqui", 10))
	assert.Equal(t, "linha\n\noutra", WrapText("linha\n\noutra", 10))
	assert.Equal(t, "ação é\nválida", WrapText("ação é válida", 8), "accented runes are one cell")
	assert.Equal(t, "日本語\nテキスト", WrapText("日本語 テキスト", 8), "wide runes are two cells")
}

// =============================================================================
// ROOT COMMAND TESTS
// =============================================================================

// runRoot executes the command tree with isolated env and globals.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runRootWithInput(t, strings.NewReader(""), args...)
}

func runRootWithInput(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(in)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAskCommand_PromptFromStdin(t *testing.T) {
	isolateEnv(t)
	gw := newGateway(t, http.StatusOK, replyStream)
	srv, err := BuildServer(testConfig(gw.URL), zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Setenv("CHATRELAY_RELAY_URL", ts.URL)

	out, err := runRootWithInput(t, strings.NewReader("  oi \n"), "ask", "--raw")
	require.NoError(t, err)
	assert.Equal(t, "Olá, mundo\n", out)

	_, err = runRootWithInput(t, strings.NewReader(" \n"), "ask")
	assert.ErrorIs(t, err, errNoPrompt)

	assert.False(t, isTerminalReader(strings.NewReader("oi")), "pipes and buffers are read, never treated as a terminal")
}

func isolateEnv(t *testing.T) string {
	t.Helper()
	for _, name := range []string{
		"CHATRELAY_CONFIG", "CHATRELAY_API_KEY", "LOVABLE_API_KEY", "CHATRELAY_GATEWAY_URL",
		"CHATRELAY_SEARCH_PROVIDER", "CHATRELAY_SEARCH_URL", "CHATRELAY_HOST", "CHATRELAY_PORT",
		"CHATRELAY_RELAY_URL", "CHATRELAY_LOG_LEVEL", "CHATRELAY_LOG_FORMAT",
	} {
		t.Setenv(name, "")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestRoot_Version(t *testing.T) {
	isolateEnv(t)
	out, err := runRoot(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "chatrelay "+Version)
}

func TestRoot_ConfigShowRedactsKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CHATRELAY_API_KEY", "sk-very-secret")

	out, err := runRoot(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, config.Redacted)
	assert.NotContains(t, out, "sk-very-secret")
}

func TestRoot_ConfigInit(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "chatrelay.toml")

	out, err := runRoot(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = runRoot(t, "--config", path, "config", "init")
	assert.Equal(t, ExitConfigError, GetExitCode(err))

	_, err = runRoot(t, "--config", path, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestRoot_MissingExplicitConfig(t *testing.T) {
	isolateEnv(t)
	_, err := runRoot(t, "--config", filepath.Join(t.TempDir(), "absent.toml"), "config", "show")
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

// =============================================================================
// EXIT CODE TESTS
// =============================================================================

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitSuccess},
		{name: "cancelled", err: errors.Wrap(context.Canceled, "chat"), want: ExitInterrupted},
		{name: "cancelled mid-stream", err: &sse.StreamError{Err: context.Canceled}, want: ExitInterrupted},
		{name: "config load", err: &ConfigError{Err: errors.New("bad toml")}, want: ExitConfigError},
		{name: "config validation", err: errors.Wrap(config.ValidateErrors{{Field: "server.port"}}, "invalid"), want: ExitConfigError},
		{name: "too many turns", err: errors.Wrap(relay.ErrTooManyTurns, "validate"), want: ExitUsageError},
		{name: "relay rejected", err: &client.APIError{Status: http.StatusBadRequest}, want: ExitUsageError},
		{name: "busy", err: ErrBusy, want: ExitUsageError},
		{name: "rate limited", err: &client.APIError{Status: http.StatusTooManyRequests}, want: ExitCapacityError},
		{name: "credits", err: &client.APIError{Status: http.StatusPaymentRequired}, want: ExitCapacityError},
		{name: "relay server error", err: &client.APIError{Status: http.StatusBadGateway}, want: ExitServerError},
		{name: "stream broken", err: &sse.StreamError{Partial: "abc", Err: io.ErrUnexpectedEOF}, want: ExitNetworkError},
		{name: "other", err: errors.New("boom"), want: ExitGeneralError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GetExitCode(tc.err))
		})
	}
}

func TestDisplayError_PrefersRelayMessage(t *testing.T) {
	var out bytes.Buffer
	DisplayError(&out, &client.APIError{Status: 429, Message: server.MsgRateLimited})
	assert.Contains(t, out.String(), server.MsgRateLimited)
	assert.NotContains(t, out.String(), "relay returned")
}
