package shimizu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	ErrNoChoices = errors.New("completion returned no choices")
)

// CompletionError wraps a failed completion request. The underlying
// transport or API error is available via errors.Unwrap/errors.As.
type CompletionError struct {
	Cause error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed: %s", e.Cause)
}

func (e *CompletionError) Unwrap() error {
	return e.Cause
}

// OpenAIClient is the subset of the go-openai client used by the bot.
type OpenAIClient interface {
	CreateCompletion(
		ctx context.Context,
		request openai.CompletionRequest,
	) (response openai.CompletionResponse, err error)
}

// OpenAICreateCompletion records a single completion API request and its
// response.
//
// Fields:
//   - GuildID: The guild the completion was requested for.
//   - ChannelID: The channel the completion was requested for.
//   - Model: The requested model.
//   - RequestStarted: Unix timestamp (in milliseconds) when the request started.
//   - RequestEnded: Unix timestamp (in milliseconds) when the request ended.
//   - RequestBody: The JSON request payload.
//   - ResponseBody: The JSON response payload.
//   - ResponseHeaders: The JSON-encoded response headers.
//   - PromptTokens, CompletionTokens, TotalTokens: Usage reported by the API.
//   - CacheHit: Set when the response was served from the prompt cache,
//     without an API request.
//   - Error: The error returned by the request, if any.
//
//nolint:lll // struct tags can't be split
type OpenAICreateCompletion struct {
	ModelUintID
	ModelUnixTime

	GuildID   string `json:"guild_id" gorm:"index"`
	ChannelID string `json:"channel_id"`
	Model     string `json:"model"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody     string `json:"request_payload" gorm:"type:string"`
	ResponseBody    string `json:"response_payload" gorm:"type:string"`
	ResponseHeaders string `json:"headers" gorm:"type:string"`

	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	CacheHit         bool `json:"cache_hit" gorm:"not null;default:false"`

	Error string `json:"error" gorm:"type:string"`
}

func (OpenAICreateCompletion) TableName() string {
	return "openai_create_completion"
}

// CompletionRequest describes a single completion: the prompt, the persona
// supplying the model and sampling parameters, and the stop sequences.
// GuildID and ChannelID are only used for logging.
type CompletionRequest struct {
	GuildID   string
	ChannelID string
	Prompt    string
	Persona   Persona
	Stop      []string

	// Raw skips cleanCompletionOutput
	Raw bool
}

// OpenAI wraps the completion API.
//
// Fields:
//   - client: The OpenAI client for making API requests.
//   - config: Configuration for the OpenAI integration.
//   - logger: Logger for OpenAI-related events.
//   - requestLimiter: Rate limiter for completion requests. Replaced when
//     RuntimeConfig.OpenAIMaxRequestsPerSecond changes.
//   - promptCache: Recent prompt/response pairs. Nil when caching is disabled.
//   - db: When set, every request is recorded as an OpenAICreateCompletion.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	promptCache    *boundedCache[string, string]
	db             DBI

	mu sync.RWMutex // protects requestLimiter
}

func newOpenAI(config *OpenAIConfig, httpClient *http.Client, db DBI) *OpenAI {
	o := &OpenAI{
		config:         config,
		db:             db,
		requestLimiter: rate.NewLimiter(rate.Limit(DefaultOpenAIMaxRequestsPerSecond), 1),
	}
	o.logger = slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "openai")

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)

	if config.PromptCacheSize > 0 {
		o.promptCache = newBoundedCache[string, string](config.PromptCacheSize)
	}
	return o
}

// Complete requests a completion and returns its first choice. Unless
// req.Raw is set, the text is passed through cleanCompletionOutput.
//
// If the prompt was completed recently, the cached result is returned
// without a request. Failed requests, and requests returning no choices,
// return a *CompletionError.
func (o *OpenAI) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	logger := loggerFromContext(ctx, o.logger)

	if o.promptCache != nil {
		if text, ok := o.promptCache.Get(req.Prompt); ok {
			logger.DebugContext(ctx, "prompt cache hit")
			o.record(
				ctx, &OpenAICreateCompletion{
					GuildID:   req.GuildID,
					ChannelID: req.ChannelID,
					Model:     req.Persona.Model,
					CacheHit:  true,
				},
			)
			return o.finish(text, req.Raw), nil
		}
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", &CompletionError{Cause: err}
	}

	apiReq := openai.CompletionRequest{
		Model:            req.Persona.Model,
		Prompt:           req.Prompt,
		Temperature:      req.Persona.Temperature,
		MaxTokens:        req.Persona.MaxTokens,
		TopP:             req.Persona.TopP,
		FrequencyPenalty: req.Persona.FrequencyPenalty,
		PresencePenalty:  req.Persona.PresencePenalty,
		Stop:             req.Stop,
	}
	rec := &OpenAICreateCompletion{
		GuildID:        req.GuildID,
		ChannelID:      req.ChannelID,
		Model:          apiReq.Model,
		RequestStarted: time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(apiReq); err == nil {
		rec.RequestBody = string(data)
	}

	logger.DebugContext(ctx, "sending completion request", "model", apiReq.Model, "stop", apiReq.Stop)
	resp, err := o.client.CreateCompletion(ctx, apiReq)
	rec.RequestEnded = time.Now().UnixMilli()
	if err != nil {
		rec.Error = err.Error()
		o.record(ctx, rec)
		logger.ErrorContext(ctx, "completion request failed", tint.Err(err))
		return "", &CompletionError{Cause: err}
	}

	if data, e := json.Marshal(resp); e == nil {
		rec.ResponseBody = string(data)
	}
	rec.ResponseHeaders = o.dumpHeaders(resp.Header())
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens
	rec.TotalTokens = resp.Usage.TotalTokens

	if len(resp.Choices) == 0 {
		rec.Error = ErrNoChoices.Error()
		o.record(ctx, rec)
		return "", &CompletionError{Cause: ErrNoChoices}
	}
	o.record(ctx, rec)

	text := resp.Choices[0].Text
	if o.promptCache != nil {
		o.promptCache.Put(req.Prompt, text)
	}
	logger.InfoContext(
		ctx,
		"completion received",
		"model", resp.Model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
	)
	return o.finish(text, req.Raw), nil
}

func (*OpenAI) finish(text string, raw bool) string {
	if raw {
		return text
	}
	return cleanCompletionOutput(text)
}

// record saves the request log, if a database is configured. Failures
// are logged and otherwise ignored.
func (o *OpenAI) record(ctx context.Context, rec *OpenAICreateCompletion) {
	if o.db == nil {
		return
	}
	if _, err := o.db.Create(context.WithoutCancel(ctx), rec); err != nil {
		loggerFromContext(ctx, o.logger).ErrorContext(ctx, "error adding record", tint.Err(err))
	}
}

func (o *OpenAI) dumpHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	data, err := json.Marshal(headers)
	if err != nil {
		o.logger.Warn("error dumping headers", tint.Err(err))
		return ""
	}
	return string(data)
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// setRequestLimit replaces the request limiter if the limit has changed.
// A limit below 1 is ignored.
func (o *OpenAI) setRequestLimit(perSecond int) {
	if perSecond < 1 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.requestLimiter != nil && o.requestLimiter.Limit() == rate.Limit(perSecond) {
		return
	}
	o.requestLimiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	o.logger.Info("updated request limit", "requests_per_second", perSecond)
}

// ClearPromptCache drops all cached prompt responses
func (o *OpenAI) ClearPromptCache() {
	if o.promptCache != nil {
		o.promptCache.Clear()
	}
}
