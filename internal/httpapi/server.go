package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/agentworkforce/cardmirror/internal/mirror"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	WebhookSecret  string
	CallbackURL    string
	TriggerToken   string
	WebhookTimeout time.Duration
	SweepTimeout   time.Duration
	MaxBodyBytes   int64
	CORSOrigins    []string
}

// EventProcessor handles one decoded webhook delivery.
type EventProcessor interface {
	Process(ctx context.Context, event mirror.WebhookEvent) (mirror.Outcome, error)
}

// Engine is the part of the mirror engine exposed over HTTP.
type Engine interface {
	PerformDailyCardMovement(ctx context.Context) (mirror.SweepReport, error)
	LastSweep() (mirror.SweepReport, bool)
	State() *mirror.SyncState
}

type Server struct {
	echo      *echo.Echo
	cfg       ServerConfig
	processor EventProcessor
	engine    Engine
	logger    *log.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	tasks      sync.WaitGroup
	inFlight   atomic.Int64
}

func NewServer(processor EventProcessor, engine Engine, cfg ServerConfig, logger *log.Logger) *Server {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 15 * time.Second
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 30 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:       echo.New(),
		cfg:        cfg,
		processor:  processor,
		engine:     engine,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: correlationHeader,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.WithFields(log.Fields{
				"method":         v.Method,
				"uri":            v.URI,
				"status":         v.Status,
				"latency_ms":     v.Latency.Milliseconds(),
				"correlation_id": correlationID(c),
			}).Debug("http request")
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	e.POST("/webhook", s.handleWebhook)
	e.HEAD("/webhook", s.handleWebhookHandshake)
	e.GET("/webhook", s.handleWebhookHandshake)
	e.POST("/sync/daily", s.handleDailySync)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests and waits for background work. When
// ctx expires first, background work is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if waitErr := s.Drain(ctx); waitErr != nil {
		return waitErr
	}
	return err
}

// Drain waits for background webhook and sweep tasks.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelBase()
		s.logger.WithField("in_flight", s.inFlight.Load()).Warn("shutdown cancelled background tasks")
		return ctx.Err()
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Lists     int                 `json:"lists"`
	Mirrors   int                 `json:"mirrors"`
	InFlight  int64               `json:"inFlight"`
	LastSweep *mirror.SweepReport `json:"lastSweep,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	state := s.engine.State()
	resp := statusResponse{
		Lists:    state.ListCount(),
		Mirrors:  state.MirrorCount(),
		InFlight: s.inFlight.Load(),
	}
	if report, ok := s.engine.LastSweep(); ok {
		resp.LastSweep = &report
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleWebhookHandshake(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleWebhook(c echo.Context) error {
	body, ok := s.readRequestBody(c)
	if !ok {
		return nil
	}
	if authErr := verifyWebhookSignature(s.cfg.WebhookSecret, s.cfg.CallbackURL, c.Request().Header.Get(webhookSignatureHeader), body); authErr != nil {
		s.logger.WithField("correlation_id", correlationID(c)).Warn(authErr.message)
		return writeError(c, authErr.status, authErr.code, authErr.message)
	}

	var event mirror.WebhookEvent
	if err := sonic.ConfigStd.Unmarshal(body, &event); err != nil {
		return writeError(c, http.StatusBadRequest, "bad_request", "invalid json body")
	}

	taskID := uuid.NewString()
	s.spawn(taskID, s.cfg.WebhookTimeout, func(ctx context.Context, logger *log.Entry) {
		logger = logger.WithFields(log.Fields{"action": event.Action.ID, "type": event.Action.Type})
		outcome, err := s.processor.Process(ctx, event)
		late := errors.Is(ctx.Err(), context.DeadlineExceeded)
		switch {
		case err != nil && late:
			logger.WithError(err).Error("webhook processing failed after deadline")
		case err != nil:
			logger.WithError(err).Error("webhook processing failed")
		case late:
			logger.WithField("outcome", outcome).Warn("webhook processing completed after deadline")
		default:
			logger.WithField("outcome", outcome).Debug("webhook processed")
		}
	})
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted", "task": taskID})
}

func (s *Server) handleDailySync(c echo.Context) error {
	if authErr := authorizeTrigger(c.Request().Header.Get(echo.HeaderAuthorization), s.cfg.TriggerToken); authErr != nil {
		return writeError(c, authErr.status, authErr.code, authErr.message)
	}
	taskID := uuid.NewString()
	s.spawn(taskID, s.cfg.SweepTimeout, func(ctx context.Context, logger *log.Entry) {
		report, err := s.engine.PerformDailyCardMovement(ctx)
		switch {
		case errors.Is(err, mirror.ErrSweepInProgress):
			logger.Info("manual sweep skipped, sweep already running")
		case err != nil:
			logger.WithError(err).Error("manual sweep failed")
		default:
			logger.WithField("sweep", report.ID).Info("manual sweep completed")
		}
	})
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "task": taskID})
}

// spawn runs fn detached from the request under its own timeout.
func (s *Server) spawn(taskID string, timeout time.Duration, fn func(ctx context.Context, logger *log.Entry)) {
	s.tasks.Add(1)
	s.inFlight.Add(1)
	go func() {
		defer s.tasks.Done()
		defer s.inFlight.Add(-1)
		ctx, cancel := context.WithTimeout(s.baseCtx, timeout)
		defer cancel()
		logger := s.logger.WithField("task", taskID)
		defer func() {
			if r := recover(); r != nil {
				logger.WithField("panic", r).Error("background task panicked")
			}
		}()
		fn(ctx, logger)
	}()
}

func (s *Server) readRequestBody(c echo.Context) ([]byte, bool) {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(req.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			_ = writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		_ = writeError(c, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "internal error"
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		message = http.StatusText(status)
		if text, ok := httpErr.Message.(string); ok && text != "" {
			message = text
		}
	} else {
		s.logger.WithError(err).WithField("correlation_id", correlationID(c)).Error("request failed")
	}
	code := strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = writeError(c, status, code, message)
}

func correlationID(c echo.Context) string {
	return c.Response().Header().Get(correlationHeader)
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID(c),
	})
}

type sonicSerializer struct{}

func (sonicSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (sonicSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json body").SetInternal(err)
	}
	return nil
}
