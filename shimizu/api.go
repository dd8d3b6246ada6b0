package shimizu

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix = "/debug"

	apiPrefix                  = "/api"
	apiPathLogin               = "/login"
	apiPathLogout              = "/logout"
	apiHealthCheck             = "/healthz"
	apiPathLoggedIn            = "/logged_in"
	apiPathGuilds              = "/guilds"
	apiPathGuild               = "/guilds/:id"
	apiPathConversation        = "/conversations/:channel_id"
	apiPathConfig              = "/config"
	apiPathPause               = "/pause"
	apiPathResume              = "/resume"
	apiPathQuit                = "/quit"
	apiPathRegisterCommands    = "/discord/register_commands"
	apiPathOpenAICompletionLog = "/openai/logs/create_completion"

	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultPageLimit = 25
	quitTimeout      = 30 * time.Second
)

// Sort is the ordering of paginated results
type Sort string

const (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the backend HTTP API used to manage the bot.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener for the HTTP server. Set by Serve, or
//     ahead of time in tests.
//   - engine: Gin engine for routing HTTP requests.
//   - store: CookieStore for session management.
//   - loginRequestLimiter: Rate limiter for login attempts.
//   - requestMetrics: Request counts, keyed by method and path.
//   - logger: Logger for API-related events.
//   - handlers: API request handlers.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI sets up the gin engine, session store, middleware and routes
// for the backend API
func newAPI(s *Shimizu, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	apiHandlers := NewAPIHandlers(s, config, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Enabled() {
		tlsCfg, err := tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(s, apiHandlers.store))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathGuilds, apiHandlers.getGuilds)
	protected.GET(apiPathGuild, apiHandlers.getGuild)
	protected.PATCH(apiPathGuild, apiHandlers.updateGuild)
	protected.GET(apiPathConversation, apiHandlers.getConversation)
	protected.DELETE(apiPathConversation, apiHandlers.clearConversation)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)
	protected.GET(apiPathOpenAICompletionLog, apiHandlers.getOpenAICreateCompletionLogs)

	return api, nil
}

// Serve listens on the configured address (with TLS, if configured) and
// serves the API until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving API", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// RequestMetrics returns a copy of the per-route request counts
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	return metrics
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints.
type APIHandlers struct {
	s      *Shimizu
	config *APIConfig
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers creates the session store and the handlers using it.
// Without a configured secret, a random one is generated, so sessions
// won't survive a restart.
func NewAPIHandlers(s *Shimizu, config *APIConfig, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(sessionOptions(config))
	return &APIHandlers{s: s, config: config, logger: logger, store: store}
}

func sessionOptions(config *APIConfig) sessions.Options {
	sameSite := http.SameSiteStrictMode
	if config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

// healthCheckResponse is returned by the health check endpoint.
//
// Fields:
//   - Paused: Whether the bot is paused.
//   - DiscordGatewayConnected: Whether the gateway connection is up.
//   - MessagesHandled: Number of messages replied to since startup.
//   - Uptime: Time since Run was called.
type healthCheckResponse struct {
	Paused                  bool   `json:"paused"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	MessagesHandled         int64  `json:"messages_handled"`
	Uptime                  string `json:"uptime"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// Pagination holds the common query parameters for list endpoints
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

func (p *Pagination) setDefaults() {
	if p.Order == "" {
		p.Order = Descending
	}
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}
}

// loginHandler checks the admin credentials and, if they match, starts
// a session. Attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.s.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.s.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	var uptime time.Duration
	if !h.s.startedAt.IsZero() {
		uptime = time.Since(h.s.startedAt).Round(time.Second)
	}
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.s.paused.Load(),
			DiscordGatewayConnected: h.s.discord.connected.Load(),
			MessagesHandled:         h.s.discord.metricMessagesHandled.Load(),
			Uptime:                  uptime.String(),
		},
	)
}

func (*APIHandlers) loggedIn(c *gin.Context) {
	username := sessions.Default(c).Get(sessionVarField)
	name, _ := username.(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: name})
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	guilds, err := h.s.guilds.List(c.Request.Context())
	if err != nil {
		ginContextLogger(c).Error("error listing guilds", tint.Err(err))
		ginReplyError(c, "error listing guilds")
		return
	}
	c.JSON(http.StatusOK, guilds)
}

func (h *APIHandlers) getGuild(c *gin.Context) {
	guildID := c.Param("id")
	cfg, err := h.s.guilds.Get(c.Request.Context(), guildID)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "guild not found"})
	case err != nil:
		ginReplyError(c, "error getting guild")
	default:
		c.JSON(http.StatusOK, cfg)
	}
}

// updateGuild applies a partial GuildConfigUpdate. Guilds without a
// stored config are created from the defaults first.
func (h *APIHandlers) updateGuild(c *gin.Context) {
	logger := ginContextLogger(c)
	guildID := c.Param("id")

	var update GuildConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg, err := h.s.guilds.Update(c.Request.Context(), guildID, update)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating guild", tint.Err(err))
		ginReplyError(c, "error updating guild")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// conversationResponse is a channel's most recent messages, oldest first
type conversationResponse struct {
	ChannelID string                `json:"channel_id"`
	Total     int64                 `json:"total"`
	Messages  []ConversationMessage `json:"messages"`
}

func (h *APIHandlers) getConversation(c *gin.Context) {
	var query Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	query.setDefaults()

	ctx := c.Request.Context()
	channelID := c.Param("channel_id")
	logger := ginContextLogger(c)

	total, err := h.s.conversations.Count(ctx, channelID)
	if err != nil {
		logger.Error("error counting messages", tint.Err(err))
		ginReplyError(c, "error retrieving conversation")
		return
	}
	messages, err := h.s.conversations.History(ctx, channelID, query.Limit)
	if err != nil {
		logger.Error("error retrieving conversation", tint.Err(err))
		ginReplyError(c, "error retrieving conversation")
		return
	}
	if messages == nil {
		messages = []ConversationMessage{}
	}
	c.JSON(
		http.StatusOK, conversationResponse{
			ChannelID: channelID,
			Total:     total,
			Messages:  messages,
		},
	)
}

func (h *APIHandlers) clearConversation(c *gin.Context) {
	channelID := c.Param("channel_id")
	n, err := h.s.conversations.Clear(c.Request.Context(), channelID)
	if err != nil {
		ginContextLogger(c).Error("error clearing conversation", tint.Err(err))
		ginReplyError(c, "error clearing conversation")
		return
	}
	ginReplyMessage(c, fmt.Sprintf("deleted %d messages", n))
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.s.RuntimeConfig())
}

// updateRuntimeConfig applies a partial RuntimeConfigUpdate, and
// returns the resulting RuntimeConfig
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)

	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Warn("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	cfg, err := h.s.UpdateRuntimeConfig(c.Request.Context(), update)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *APIHandlers) botPause(c *gin.Context) {
	if !h.s.Pause(c.Request.Context()) {
		c.JSON(http.StatusConflict, httpError{Error: "already paused"})
		return
	}
	ginReplyMessage(c, "paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if !h.s.Resume(c.Request.Context()) {
		c.JSON(http.StatusConflict, httpError{Error: "not paused"})
		return
	}
	ginReplyMessage(c, "resumed")
}

// botQuit sends a stop signal to every bot instance
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()

	if !h.s.dbNotifier.Stop(ctx) {
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.s.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error registering commands"})
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// GetOpenAICreateCompletionLogsQuery represents the query parameters for
// fetching OpenAICreateCompletion records.
type GetOpenAICreateCompletionLogsQuery struct {
	Pagination
	GuildID string `form:"guild_id"`
}

// getOpenAICreateCompletionLogs returns a page of OpenAICreateCompletion
// records, optionally filtered by guild_id
func (h *APIHandlers) getOpenAICreateCompletionLogs(c *gin.Context) {
	var query GetOpenAICreateCompletionLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	query.setDefaults()

	log := ginContextLogger(c)
	db := h.s.db.WithContext(c.Request.Context()).Model(&OpenAICreateCompletion{})
	if query.GuildID != "" {
		db = db.Where("guild_id = ?", query.GuildID)
	}

	var totalCount int64
	if err := db.Count(&totalCount).Error; err != nil {
		log.ErrorContext(c, "error counting OpenAICreateCompletion logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	switch query.Order {
	case Descending:
		db = db.Order("created_at DESC")
	default:
		db = db.Order("created_at ASC")
	}

	var logs []OpenAICreateCompletion
	if err := db.Limit(query.Limit).Offset(query.Offset).Find(&logs).Error; err != nil {
		log.ErrorContext(c, "error retrieving OpenAICreateCompletion logs", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error retrieving logs"})
		return
	}

	c.JSON(
		http.StatusOK, gin.H{
			"total":  totalCount,
			"offset": query.Offset,
			"limit":  query.Limit,
			"logs":   logs,
		},
	)
}

// authMiddleware rejects requests without a session for the current
// admin user
func authMiddleware(s *Shimizu, store CookieStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)

		adminUsername := s.RuntimeConfig().AdminUsername
		if adminUsername == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, _ := session.Values[sessionVarField].(string)
		if username == "" || username != adminUsername {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context. If
// there isn't one, slog.Default() is used to create it.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setRequestLogger(c, slog.Default())
}

// setRequestLogger adds request details to base, and stores the result
// in the gin context
func setRequestLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request on completion, along with its
// duration and any errors
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setRequestLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.String(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		key := fmt.Sprintf("%s %s", c.Request.Method, path)

		a.requestMetricsMu.Lock()
		a.requestMetrics[key]++
		a.requestMetricsMu.Unlock()

		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON error response with HTTP status code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
