package shimizu

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type completionServer struct {
	server   *httptest.Server
	requests atomic.Int32
	lastBody atomic.Pointer[openai.CompletionRequest]
}

// newCompletionServer starts a server answering /v1/completions with
// handler's status and body
func newCompletionServer(t testing.TB, status int, body any) *completionServer {
	t.Helper()
	cs := &completionServer{}
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/v1/completions", func(w http.ResponseWriter, r *http.Request) {
			cs.requests.Add(1)
			var req openai.CompletionRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				cs.lastBody.Store(&req)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Request-Id", "req-123")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(body)
		},
	)
	cs.server = httptest.NewServer(mux)
	t.Cleanup(cs.server.Close)
	return cs
}

func completionResponse(texts ...string) openai.CompletionResponse {
	resp := openai.CompletionResponse{
		ID:      "cmpl-test",
		Object:  "text_completion",
		Created: 1700000000,
		Model:   openai.GPT3Dot5TurboInstruct,
		Usage:   openai.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}
	for i, text := range texts {
		resp.Choices = append(
			resp.Choices,
			openai.CompletionChoice{Text: text, Index: i, FinishReason: "stop"},
		)
	}
	return resp
}

func newTestOpenAI(t testing.TB, cs *completionServer, cacheSize int) (*OpenAI, DBI) {
	t.Helper()
	db := newTestDBI(t)
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)
	o := newOpenAI(
		&OpenAIConfig{
			Token:           "sk-test-token",
			BaseURL:         cs.server.URL + "/v1",
			LogLevel:        level,
			PromptCacheSize: cacheSize,
		},
		cs.server.Client(),
		db,
	)
	o.setRequestLimit(1000)
	return o, db
}

func testCompletionRequest(prompt string) CompletionRequest {
	persona := DefaultPersona()
	return CompletionRequest{
		GuildID:   testGuildID,
		ChannelID: testChannelID,
		Prompt:    prompt,
		Persona:   persona,
		Stop:      stopSequences(persona, "alice"),
	}
}

func completionRecords(t testing.TB, db DBI) []OpenAICreateCompletion {
	t.Helper()
	var records []OpenAICreateCompletion
	require.NoError(t, db.DB().Order("id").Find(&records).Error)
	return records
}

func TestOpenAI_Complete(t *testing.T) {
	cs := newCompletionServer(t, http.StatusOK, completionResponse("\n Shimizu: hello there"))
	o, db := newTestOpenAI(t, cs, 10)
	ctx := context.Background()

	text, err := o.Complete(ctx, testCompletionRequest("alice: hi.\nShimizu:"))
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)

	sent := cs.lastBody.Load()
	require.NotNil(t, sent)
	assert.Equal(t, openai.GPT3Dot5TurboInstruct, sent.Model)
	assert.Equal(t, "alice: hi.\nShimizu:", sent.Prompt)
	assert.Equal(t, []string{"alice:", "Shimizu:", "\n\n", "You:"}, sent.Stop)
	assert.Equal(t, DefaultPersonaMaxTokens, sent.MaxTokens)
	assert.Equal(t, DefaultPersonaTemperature, sent.Temperature)

	records := completionRecords(t, db)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, testGuildID, rec.GuildID)
	assert.Equal(t, testChannelID, rec.ChannelID)
	assert.Equal(t, openai.GPT3Dot5TurboInstruct, rec.Model)
	assert.Equal(t, 12, rec.PromptTokens)
	assert.Equal(t, 8, rec.CompletionTokens)
	assert.Equal(t, 20, rec.TotalTokens)
	assert.False(t, rec.CacheHit)
	assert.Empty(t, rec.Error)
	assert.Contains(t, rec.RequestBody, "alice: hi.")
	assert.Contains(t, rec.ResponseBody, "hello there")
	assert.Contains(t, rec.ResponseHeaders, "req-123")
	assert.LessOrEqual(t, rec.RequestStarted, rec.RequestEnded)
}

func TestOpenAI_Complete_Cache(t *testing.T) {
	cs := newCompletionServer(t, http.StatusOK, completionResponse("cached reply"))
	o, db := newTestOpenAI(t, cs, 10)
	ctx := context.Background()
	req := testCompletionRequest("alice: again.\nShimizu:")

	for range 3 {
		text, err := o.Complete(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "cached reply", text)
	}
	assert.Equal(t, int32(1), cs.requests.Load())

	records := completionRecords(t, db)
	require.Len(t, records, 3)
	assert.False(t, records[0].CacheHit)
	assert.True(t, records[1].CacheHit)
	assert.True(t, records[2].CacheHit)

	o.ClearPromptCache()
	_, err := o.Complete(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), cs.requests.Load())
}

func TestOpenAI_Complete_CacheDisabled(t *testing.T) {
	cs := newCompletionServer(t, http.StatusOK, completionResponse("reply"))
	o, _ := newTestOpenAI(t, cs, 0)
	assert.Nil(t, o.promptCache)

	req := testCompletionRequest("alice: hi.\nShimizu:")
	for range 2 {
		_, err := o.Complete(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), cs.requests.Load())
	o.ClearPromptCache()
}

func TestOpenAI_Complete_RawMode(t *testing.T) {
	cs := newCompletionServer(t, http.StatusOK, completionResponse("\n Shimizu: untouched"))
	o, _ := newTestOpenAI(t, cs, 10)

	req := testCompletionRequest("tell me a story")
	req.Raw = true
	text, err := o.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "\n Shimizu: untouched", text)

	sent := cs.lastBody.Load()
	require.NotNil(t, sent)
	assert.Equal(t, req.Stop, sent.Stop)
}

func TestOpenAI_Complete_APIError(t *testing.T) {
	cs := newCompletionServer(
		t,
		http.StatusInternalServerError,
		map[string]any{
			"error": map[string]any{
				"message": "the server had an error",
				"type":    "server_error",
			},
		},
	)
	o, db := newTestOpenAI(t, cs, 10)
	req := testCompletionRequest("alice: hi.\nShimizu:")

	text, err := o.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, text)

	var completionErr *CompletionError
	require.ErrorAs(t, err, &completionErr)
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.HTTPStatusCode)

	records := completionRecords(t, db)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "the server had an error")

	// failures aren't cached
	_, err = o.Complete(context.Background(), req)
	require.Error(t, err)
	assert.GreaterOrEqual(t, cs.requests.Load(), int32(2))
}

func TestOpenAI_Complete_NoChoices(t *testing.T) {
	cs := newCompletionServer(t, http.StatusOK, completionResponse())
	o, db := newTestOpenAI(t, cs, 10)

	_, err := o.Complete(context.Background(), testCompletionRequest("alice: hi.\nShimizu:"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoChoices)

	var completionErr *CompletionError
	assert.True(t, errors.As(err, &completionErr))

	records := completionRecords(t, db)
	require.Len(t, records, 1)
	assert.Equal(t, ErrNoChoices.Error(), records[0].Error)
	assert.Equal(t, 20, records[0].TotalTokens)
}

func TestOpenAI_Complete_ContextCanceled(t *testing.T) {
	cs := newCompletionServer(t, http.StatusOK, completionResponse("never"))
	o, _ := newTestOpenAI(t, cs, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Complete(ctx, testCompletionRequest("alice: hi.\nShimizu:"))
	var completionErr *CompletionError
	require.ErrorAs(t, err, &completionErr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, cs.requests.Load())
}

func TestOpenAI_SetRequestLimit(t *testing.T) {
	cs := newCompletionServer(t, http.StatusOK, completionResponse("ok"))
	o, _ := newTestOpenAI(t, cs, 10)

	o.setRequestLimit(5)
	assert.Equal(t, rate.Limit(5), o.requestLimiter.Limit())

	limiter := o.requestLimiter
	o.setRequestLimit(5)
	assert.Same(t, limiter, o.requestLimiter)

	o.setRequestLimit(0)
	assert.Equal(t, rate.Limit(5), o.requestLimiter.Limit())
}

func TestCompletionError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &CompletionError{Cause: cause}
	assert.Equal(t, "completion failed: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
}
