package shimizu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	gsessions "github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// apiRequest sends a request to the bot's API engine. If body is
// non-nil, it's sent as JSON.
func apiRequest(
	t testing.TB,
	bot *Shimizu,
	method string,
	path string,
	body any,
	cookies ...*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Reader
	switch b := body.(type) {
	case nil:
		reqBody = bytes.NewReader(nil)
	case string:
		reqBody = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

// apiLogin logs in as the admin user, returning the session cookies
func apiLogin(t testing.TB, bot *Shimizu) []*http.Cookie {
	t.Helper()
	w := apiRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	w := apiRequest(t, bot, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	health := decodeJSON[healthCheckResponse](t, w)
	assert.False(t, health.Paused)
	assert.Equal(t, int64(0), health.MessagesHandled)
	assert.NotEmpty(t, health.Uptime)

	bot.paused.Store(true)
	health = decodeJSON[healthCheckResponse](t, apiRequest(t, bot, http.MethodGet, apiHealthCheck, nil))
	assert.True(t, health.Paused)

	assert.GreaterOrEqual(t, bot.api.RequestMetrics()["GET "+apiHealthCheck], 2)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiPrefix + apiPathLoggedIn},
		{http.MethodGet, apiPrefix + apiPathGuilds},
		{http.MethodGet, apiPrefix + "/guilds/" + testGuildID},
		{http.MethodGet, apiPrefix + "/conversations/" + testChannelID},
		{http.MethodGet, apiPrefix + apiPathConfig},
		{http.MethodPost, apiPrefix + apiPathPause},
		{http.MethodPost, apiPrefix + apiPathQuit},
	}
	for _, p := range paths {
		w := apiRequest(t, bot, p.method, p.path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, p.path)
	}
	assert.False(t, bot.paused.Load())
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)

	t.Run(
		"bad password", func(t *testing.T) {
			w := apiRequest(
				t, bot, http.MethodPost, apiPathLogin,
				userLogin{Username: testAdminUsername, Password: "wrong"},
			)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	t.Run(
		"bad username", func(t *testing.T) {
			w := apiRequest(
				t, bot, http.MethodPost, apiPathLogin,
				userLogin{Username: "root", Password: testAdminPassword},
			)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		},
	)

	t.Run(
		"missing field", func(t *testing.T) {
			w := apiRequest(t, bot, http.MethodPost, apiPathLogin, map[string]string{"username": "admin"})
			assert.Equal(t, http.StatusBadRequest, w.Code)
		},
	)

	t.Run(
		"logged in", func(t *testing.T) {
			cookies := apiLogin(t, bot)
			w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies...)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, w).Username)

			w = apiRequest(t, bot, http.MethodPost, apiPathLogout, nil, cookies...)
			require.Equal(t, http.StatusOK, w.Code)
			var expired bool
			for _, c := range w.Result().Cookies() {
				if c.Name == sessionVarName && c.MaxAge < 0 {
					expired = true
				}
			}
			assert.True(t, expired)
		},
	)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	bot.api.loginRequestLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	login := userLogin{Username: testAdminUsername, Password: testAdminPassword}
	assert.Equal(t, http.StatusOK, apiRequest(t, bot, http.MethodPost, apiPathLogin, login).Code)
	assert.Equal(t, http.StatusTooManyRequests, apiRequest(t, bot, http.MethodPost, apiPathLogin, login).Code)
}

func TestAPI_SessionForReplacedAdmin(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	cookies := apiLogin(t, bot)

	_, err := bot.writeDB.UpdatesWhere(
		context.Background(),
		&RuntimeConfig{},
		map[string]any{columnRuntimeConfigAdminUsername: "someone-else"},
		"id = ?",
		bot.RuntimeConfig().ID,
	)
	require.NoError(t, err)
	bot.refreshRuntimeConfig(context.Background(), true)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies...)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Guilds(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()
	cookies := apiLogin(t, bot)

	_, err := bot.guilds.Ensure(ctx, testGuildID, "Test Guild")
	require.NoError(t, err)
	_, err = bot.guilds.Ensure(ctx, "300000000000000002", "Other Guild")
	require.NoError(t, err)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathGuilds, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	guilds := decodeJSON[[]GuildConfig](t, w)
	require.Len(t, guilds, 2)
	assert.Equal(t, testGuildID, guilds[0].GuildID)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/guilds/"+testGuildID, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	guild := decodeJSON[GuildConfig](t, w)
	assert.Equal(t, "Test Guild", guild.GuildName)
	assert.Equal(t, DefaultPersona(), guild.Persona)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+"/guilds/300000000000000099", nil, cookies...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_UpdateGuild(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	cookies := apiLogin(t, bot)
	path := apiPrefix + "/guilds/" + testGuildID

	w := apiRequest(
		t, bot, http.MethodPatch, path,
		map[string]any{
			"chance_to_respond": 0.3,
			"raw_mode":          true,
			"whitelist":         []string{"2", "1", "2", ""},
			"premise":           "is a pirate",
			"temperature":       0.9,
		},
		cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeJSON[GuildConfig](t, w)
	assert.Equal(t, 0.3, updated.ChanceToRespond)
	assert.True(t, updated.RawMode)
	assert.False(t, updated.CompletionMode)
	assert.Equal(t, ChannelSet{"1", "2"}, updated.Whitelist)
	assert.Equal(t, "is a pirate", updated.Persona.Premise)
	assert.Equal(t, float32(0.9), updated.Persona.Temperature)

	cfg, err := bot.guilds.Get(context.Background(), testGuildID)
	require.NoError(t, err)
	assert.Equal(t, updated.ChanceToRespond, cfg.ChanceToRespond)
	assert.Equal(t, updated.Whitelist, cfg.Whitelist)

	t.Run(
		"invalid", func(t *testing.T) {
			payloads := []any{
				map[string]any{"chance_to_respond": 1.5},
				map[string]any{"temperature": -1},
				map[string]any{"max_tokens": 0},
				map[string]any{"model": ""},
				"{not json",
			}
			for _, payload := range payloads {
				w := apiRequest(t, bot, http.MethodPatch, path, payload, cookies...)
				assert.Equal(t, http.StatusBadRequest, w.Code, payload)
			}
			cfg, err := bot.guilds.Get(context.Background(), testGuildID)
			require.NoError(t, err)
			assert.Equal(t, 0.3, cfg.ChanceToRespond)
		},
	)
}

func TestAPI_Conversation(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()
	cookies := apiLogin(t, bot)
	path := apiPrefix + "/conversations/" + testChannelID

	now := time.Now().UnixMilli()
	for idx, content := range []string{"one.", "two.", "three."} {
		require.NoError(
			t, bot.conversations.Append(
				ctx, &ConversationMessage{
					ChannelID: testChannelID,
					Author:    "bob",
					Content:   content,
					Timestamp: now + int64(idx),
				},
			),
		)
	}

	w := apiRequest(t, bot, http.MethodGet, path+"?limit=2", nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	conversation := decodeJSON[conversationResponse](t, w)
	assert.Equal(t, testChannelID, conversation.ChannelID)
	assert.Equal(t, int64(3), conversation.Total)
	require.Len(t, conversation.Messages, 2)
	assert.Equal(t, "two.", conversation.Messages[0].Content)
	assert.Equal(t, "three.", conversation.Messages[1].Content)

	w = apiRequest(t, bot, http.MethodGet, path+"?limit=500", nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, bot, http.MethodDelete, path, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deleted 3 messages", decodeJSON[httpReply](t, w).Message)

	w = apiRequest(t, bot, http.MethodGet, path, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	conversation = decodeJSON[conversationResponse](t, w)
	assert.Zero(t, conversation.Total)
	assert.NotNil(t, conversation.Messages)
	assert.Empty(t, conversation.Messages)
}

func TestAPI_RuntimeConfig(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	cookies := apiLogin(t, bot)
	path := apiPrefix + apiPathConfig

	w := apiRequest(t, bot, http.MethodGet, path, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "argon2")
	current := decodeJSON[RuntimeConfig](t, w)
	assert.Equal(t, testAdminUsername, current.AdminUsername)
	assert.Empty(t, current.AdminPassword)

	w = apiRequest(
		t, bot, http.MethodPatch, path,
		map[string]any{"discord_custom_status": "busy", "log_level": "DEBUG"},
		cookies...,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeJSON[RuntimeConfig](t, w)
	assert.Equal(t, "busy", updated.DiscordCustomStatus)
	assert.Equal(t, DBLogLevelDebug, updated.LogLevel)
	assert.Equal(t, "busy", bot.RuntimeConfig().DiscordCustomStatus)

	for _, payload := range []map[string]any{
		{"log_level": "TRACE"},
		{"openai_max_requests_per_second": 0},
		{"paused": "yes"},
	} {
		w = apiRequest(t, bot, http.MethodPatch, path, payload, cookies...)
		assert.Equal(t, http.StatusBadRequest, w.Code, payload)
	}
	assert.Equal(t, DBLogLevelDebug, bot.RuntimeConfig().LogLevel)
}

func TestAPI_PauseResume(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	cookies := apiLogin(t, bot)

	pause := apiPrefix + apiPathPause
	resume := apiPrefix + apiPathResume

	assert.Equal(t, http.StatusConflict, apiRequest(t, bot, http.MethodPost, resume, nil, cookies...).Code)
	assert.Equal(t, http.StatusOK, apiRequest(t, bot, http.MethodPost, pause, nil, cookies...).Code)
	assert.True(t, bot.paused.Load())
	assert.Equal(t, http.StatusConflict, apiRequest(t, bot, http.MethodPost, pause, nil, cookies...).Code)
	assert.Equal(t, http.StatusOK, apiRequest(t, bot, http.MethodPost, resume, nil, cookies...).Code)
	assert.False(t, bot.paused.Load())
}

func TestAPI_RegisterCommands(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	cookies := apiLogin(t, bot)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil, cookies...)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Len(t, decodeJSON[[]map[string]any](t, w), len(commandOrder))
}

func TestAPI_CompletionLogs(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	ctx := context.Background()
	cookies := apiLogin(t, bot)
	path := apiPrefix + apiPathOpenAICompletionLog

	bot.handleMessage(ctx, newTestMessage(newDiscordUser(t), testGuildID, testChannelID, "shimizu hello"))
	bot.handleMessage(ctx, newTestMessage(newDiscordUser(t), "300000000000000002", testChannelID, "shimizu hi"))

	type logsResponse struct {
		Total int64                    `json:"total"`
		Limit int                      `json:"limit"`
		Logs  []OpenAICreateCompletion `json:"logs"`
	}

	w := apiRequest(t, bot, http.MethodGet, path, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decodeJSON[logsResponse](t, w)
	assert.Equal(t, int64(2), logs.Total)
	assert.Equal(t, defaultPageLimit, logs.Limit)
	assert.Len(t, logs.Logs, 2)

	w = apiRequest(t, bot, http.MethodGet, path+"?guild_id="+testGuildID, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	logs = decodeJSON[logsResponse](t, w)
	assert.Equal(t, int64(1), logs.Total)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, testGuildID, logs.Logs[0].GuildID)
	assert.NotEmpty(t, logs.Logs[0].RequestBody)

	w = apiRequest(t, bot, http.MethodGet, path+"?order=sideways", nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Quit(t *testing.T) {
	t.Parallel()
	bot := newTestShimizu(t)
	cookies := apiLogin(t, bot)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, nil, cookies...)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "quitting", decodeJSON[httpReply](t, w).Message)

	select {
	case <-bot.eventShutdown:
	case <-time.After(time.Minute):
		t.Fatal("bot didn't shut down")
	}
}

type mockCookieStore struct {
	mock.Mock
}

func (m *mockCookieStore) Options(_ sessions.Options) {}

func (m *mockCookieStore) Get(r *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(r, name)
	if s := args.Get(0); s != nil {
		return s.(*gsessions.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCookieStore) New(r *http.Request, name string) (*gsessions.Session, error) {
	args := m.Called(r, name)
	return args.Get(0).(*gsessions.Session), args.Error(1)
}

func (m *mockCookieStore) Save(r *http.Request, w http.ResponseWriter, s *gsessions.Session) error {
	args := m.Called(r, w, s)
	return args.Error(0)
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	bot := newTestShimizu(t)

	tests := []struct {
		name       string
		setupMock  func(*mockCookieStore)
		authorized bool
	}{
		{
			name: "admin session",
			setupMock: func(m *mockCookieStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = testAdminUsername
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
			authorized: true,
		},
		{
			name: "session without username",
			setupMock: func(m *mockCookieStore) {
				session := gsessions.NewSession(m, sessionVarName)
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
		},
		{
			name: "non-string username",
			setupMock: func(m *mockCookieStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = 123
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
		},
		{
			name: "different user",
			setupMock: func(m *mockCookieStore) {
				session := gsessions.NewSession(m, sessionVarName)
				session.Values[sessionVarField] = "someone-else"
				m.On("Get", mock.Anything, sessionVarName).Return(session, nil)
			},
		},
		{
			name: "session error",
			setupMock: func(m *mockCookieStore) {
				m.On("Get", mock.Anything, sessionVarName).Return(nil, errors.New("session error"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				store := &mockCookieStore{}
				tt.setupMock(store)

				w := httptest.NewRecorder()
				c, _ := gin.CreateTestContext(w)
				c.Request = httptest.NewRequest(http.MethodGet, apiPrefix+apiPathLoggedIn, nil)

				authMiddleware(bot, store)(c)

				if tt.authorized {
					assert.False(t, c.IsAborted())
				} else {
					assert.True(t, c.IsAborted())
					assert.Equal(t, http.StatusUnauthorized, w.Code)
				}
				store.AssertExpectations(t)
			},
		)
	}
}
