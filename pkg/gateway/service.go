package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"

	"lotbot/pkg/bus"
	"lotbot/pkg/channel"
	"lotbot/pkg/config"
	"lotbot/pkg/event"
	"lotbot/pkg/upload"
)

const (
	defaultHealthHost = "127.0.0.1"
	defaultHealthPort = 18790
)

type Service struct {
	rt       *Runtime
	log      *slog.Logger
	channels []channel.Adapter

	statusAddr     string
	adminToken     string
	sweepSchedule  string
	stateExpiry    time.Duration
	sessionTimeout time.Duration

	mu            sync.RWMutex
	startedAt     time.Time
	workerRunning bool
	handled       int64
	lastSweep     SweepResult
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Database      string                  `json:"database,omitempty"`
	Channels      map[string]channelState `json:"channels"`
}

type statsResponse struct {
	UptimeSeconds   int64        `json:"uptime_seconds"`
	EventsHandled   int64        `json:"events_handled"`
	InboundDepth    int          `json:"inbound_depth"`
	Conversations   int          `json:"conversations"`
	UploadModes     int          `json:"upload_modes"`
	Uploads         upload.Stats `json:"uploads"`
	LastSweep       SweepResult  `json:"last_sweep"`
	SweepSchedule   string       `json:"sweep_schedule"`
	StateExpiry     string       `json:"state_expiry"`
	SessionTimeout  string       `json:"session_timeout"`
	RegisteredChans []string     `json:"channels"`
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	At       time.Time `json:"at"`
	States   int       `json:"states"`
	Sessions int       `json:"sessions"`
}

// NewService wires adapters to the runtime. Adapters that can send are
// registered with the runtime's outbound mux.
func NewService(rt *Runtime, cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if rt == nil {
		return nil, errors.New("runtime is required")
	}
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
		if sender, ok := adapter.(channel.Sender); ok {
			rt.Mux.Register(adapter.Name(), sender)
		}
	}

	return &Service{
		rt:             rt,
		log:            log.With("component", "gateway.service"),
		channels:       adapters,
		statusAddr:     statusAddr(cfg.Gateway),
		adminToken:     strings.TrimSpace(cfg.Gateway.AdminToken),
		sweepSchedule:  cfg.Sweep.Schedule,
		stateExpiry:    cfg.Conversation.Expiry(),
		sessionTimeout: cfg.Upload.SessionTimeout(),
		channelStates:  channelStates,
	}, nil
}

// DisableStatusServer keeps Run from binding the HTTP status endpoints.
func (s *Service) DisableStatusServer() {
	s.statusAddr = ""
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	go s.logEvents(ctx)
	go func() {
		if err := s.rt.Mux.Run(ctx); err != nil {
			s.log.Error("Outbound delivery stopped", "error", err)
		}
	}()

	workerDone := make(chan struct{})
	go s.runWorker(ctx, workerDone)

	scheduler, err := s.startSweeps(ctx)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	serverErrors := make(chan error, 1)
	if s.statusAddr != "" {
		go s.runStatusServer(ctx, serverErrors)
	}

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		adapter := adapter
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.enqueue)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	<-workerDone
	return runErr
}

// enqueue is the channel handler: events are queued and handled by the
// single dispatch worker in arrival order.
func (s *Service) enqueue(ctx context.Context, ev event.Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	if !s.rt.Bus.PublishInbound(ctx, ev) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("inbound queue closed")
	}
	return nil
}

func (s *Service) runWorker(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	s.setWorkerRunning(true)
	defer s.setWorkerRunning(false)

	for {
		ev, ok := s.rt.Bus.ConsumeInbound(ctx)
		if !ok {
			return
		}

		if err := s.rt.Dispatcher.Handle(ctx, ev); err != nil {
			s.log.Error("Dispatcher returned error", "channel", ev.Channel, "error", err)
		}

		s.mu.Lock()
		s.handled++
		s.mu.Unlock()
	}
}

func (s *Service) startSweeps(ctx context.Context) (*cron.Cron, error) {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(s.sweepSchedule, func() { s.Sweep(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule sweeps %q: %w", s.sweepSchedule, err)
	}
	scheduler.Start()
	s.log.Info("Sweeps scheduled", "schedule", s.sweepSchedule, "state_expiry", s.stateExpiry, "session_timeout", s.sessionTimeout)
	return scheduler, nil
}

// Sweep removes expired conversation state and stale upload sessions.
func (s *Service) Sweep(ctx context.Context) SweepResult {
	result := SweepResult{
		At:       time.Now().UTC(),
		States:   s.rt.States.SweepExpired(s.stateExpiry),
		Sessions: s.rt.Uploads.SweepStale(s.sessionTimeout),
	}

	if result.States > 0 {
		s.rt.Bus.PublishEvent(ctx, bus.Event{Type: bus.EventStatesSwept, Payload: map[string]string{"count": strconv.Itoa(result.States)}})
	}
	s.log.Debug("Sweep finished", "states", result.States, "sessions", result.Sessions)

	s.mu.Lock()
	s.lastSweep = result
	s.mu.Unlock()
	return result
}

func (s *Service) logEvents(ctx context.Context) {
	events, unsubscribe := s.rt.Bus.SubscribeEvents(ctx, 0)
	defer unsubscribe()

	log := s.log.With("component", "gateway.events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			attrs := []any{"type", ev.Type}
			if ev.UserID != "" {
				attrs = append(attrs, "user_id", ev.UserID)
			}
			if ev.Lot != "" {
				attrs = append(attrs, "lot", ev.Lot)
			}
			for key, value := range ev.Payload {
				attrs = append(attrs, key, value)
			}
			if ev.Error != "" {
				log.Warn("Event", append(attrs, "error", ev.Error)...)
				continue
			}
			log.Debug("Event", attrs...)
		}
	}
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	e := s.newStatusServer()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", s.statusAddr)
	if err := e.Start(s.statusAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) newStatusServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReady)
	e.GET("/stats", s.handleStats)

	admin := e.Group("/admin", requireAdmin(s.adminToken))
	admin.POST("/sweep", s.handleSweep)
	return e
}

// requireAdmin checks the bearer token, or without one restricts the route
// to loopback peers.
func requireAdmin(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				if !isLoopback(c.Request().RemoteAddr) {
					return echo.NewHTTPError(http.StatusForbidden, "admin endpoints are only available on loopback")
				}
				return next(c)
			}

			got := strings.TrimSpace(c.Request().Header.Get(echo.HeaderAuthorization))
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Service) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.currentStatus("ok", ""))
}

func (s *Service) handleReady(c echo.Context) error {
	database := ""
	dbErr := s.rt.Ping(c.Request().Context())
	if dbErr != nil {
		database = dbErr.Error()
	}

	if dbErr != nil || !s.isReady() {
		return c.JSON(http.StatusServiceUnavailable, s.currentStatus("not_ready", database))
	}
	return c.JSON(http.StatusOK, s.currentStatus("ready", database))
}

func (s *Service) handleStats(c echo.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.channelStates))
	for name := range s.channelStates {
		names = append(names, name)
	}

	return c.JSON(http.StatusOK, statsResponse{
		UptimeSeconds:   s.uptimeLocked(),
		EventsHandled:   s.handled,
		InboundDepth:    s.rt.Bus.InboundDepth(),
		Conversations:   s.rt.States.Len(),
		UploadModes:     s.rt.States.UploadModeCount(),
		Uploads:         s.rt.Uploads.Stats(),
		LastSweep:       s.lastSweep,
		SweepSchedule:   s.sweepSchedule,
		StateExpiry:     s.stateExpiry.String(),
		SessionTimeout:  s.sessionTimeout.String(),
		RegisteredChans: names,
	})
}

func (s *Service) handleSweep(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Sweep(c.Request().Context()))
}

func (s *Service) currentStatus(status string, database string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: s.uptimeLocked(),
		Database:      database,
		Channels:      channels,
	}
}

func (s *Service) uptimeLocked() int64 {
	if s.startedAt.IsZero() {
		return 0
	}
	return int64(time.Since(s.startedAt).Seconds())
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.workerRunning {
		return false
	}

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}
	return false
}

func (s *Service) setWorkerRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerRunning = running
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func statusAddr(cfg config.GatewayConfig) string {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	return host + ":" + strconv.Itoa(port)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
