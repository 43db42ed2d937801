package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/config"
	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/fleet"
	"github.com/slugsec/deskd/internal/metrics"
	"github.com/slugsec/deskd/internal/model"
	"github.com/slugsec/deskd/internal/remote"
)

var (
	ErrAlreadyActive         = errors.New("session already active")
	ErrNoActiveSession       = errors.New("no active session")
	ErrCreationInProgress    = errors.New("session creation in progress")
	ErrExtensionLimitReached = errors.New("maximum extensions reached")
	ErrProvisionTimeout      = errors.New("desktop did not become ready in time")
	ErrNotAuthorized         = errors.New("not authorized for this session")
)

// ReadinessFunc polls the desktop's web-bridge port until it answers or the
// bound is exceeded. Injected so tests and fake mode don't wait on HTTP.
type ReadinessFunc func(ctx context.Context, host string, port int) error

// Orchestrator drives the per-user session state machine:
// absent → provisioning → active → destroying → absent, with a failed
// short-circuit from provisioning.
//
// Its single lock guards the session and progress tables only. It is never
// held across remote I/O, and never held while calling into the fleet
// scheduler or a channel pool.
type Orchestrator struct {
	cfg   config.Config
	fleet *fleet.Scheduler
	bus   *events.Bus
	ready ReadinessFunc
	log   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*model.Session
	progress map[string]*model.CreationProgress
}

func New(cfg config.Config, fl *fleet.Scheduler, bus *events.Bus, ready ReadinessFunc, log *zap.Logger) *Orchestrator {
	if ready == nil {
		ready = HTTPReadiness(cfg.ReadyTimeout, cfg.ReadyInterval)
	}
	return &Orchestrator{
		cfg:      cfg,
		fleet:    fl,
		bus:      bus,
		ready:    ready,
		log:      log.Named("orchestrator"),
		sessions: make(map[string]*model.Session),
		progress: make(map[string]*model.CreationProgress),
	}
}

// SessionView is the public projection of a session handed to the HTTP
// layer; remaining time is computed at read time.
type SessionView struct {
	ID               string              `json:"session_id"`
	UserID           string              `json:"user_id"`
	Status           model.SessionStatus `json:"status"`
	Host             string              `json:"hostname"`
	DisplayPort      int                 `json:"display_port"`
	WebPort          int                 `json:"web_port"`
	CreatedAt        time.Time           `json:"created_at"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	ExtensionsUsed   int                 `json:"extensions_used"`
	MaxExtensions    int                 `json:"max_extensions"`
}

func (o *Orchestrator) view(s *model.Session) SessionView {
	remaining := int(time.Until(s.Deadline).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return SessionView{
		ID:               s.ID,
		UserID:           s.UserID,
		Status:           s.Status,
		Host:             s.DisplayHost,
		DisplayPort:      s.DisplayPort,
		WebPort:          s.WebPort,
		CreatedAt:        s.CreatedAt,
		RemainingSeconds: remaining,
		ExtensionsUsed:   s.ExtensionsUsed,
		MaxExtensions:    o.cfg.MaxExtensions,
	}
}

// Create registers the creation intent and schedules provisioning in the
// background; the caller returns immediately and polls Status for progress.
func (o *Orchestrator) Create(userID string) error {
	o.mu.Lock()
	if _, ok := o.sessions[userID]; ok {
		o.mu.Unlock()
		return ErrAlreadyActive
	}
	if p, ok := o.progress[userID]; ok && p.InFlight() {
		o.mu.Unlock()
		return ErrCreationInProgress
	}
	o.progress[userID] = &model.CreationProgress{Stage: model.StageQueued, Message: "Queued..."}
	o.mu.Unlock()

	o.bus.Publish(events.KindSessionRequested, model.LevelInfo, userID,
		"requested remote desktop session", nil)

	go o.provision(userID)
	return nil
}

func (o *Orchestrator) provision(userID string) {
	ctx := context.Background()
	start := time.Now()

	o.setProgress(userID, model.StageSelectingHost, "Requesting a server...", "")

	host, err := o.fleet.SelectHost()
	if err != nil {
		o.failProgress(userID, "", "No capacity available, try again shortly", err)
		return
	}

	// Reserve before any remote work so concurrent creations see the load
	// immediately.
	o.fleet.ReserveSlot(host.Hostname)

	o.setProgress(userID, model.StageConnecting, fmt.Sprintf("Connecting to %s...", host.DisplayName), host.DisplayName)

	p := o.fleet.Pool(host.Hostname)
	ch, err := p.Acquire(ctx, o.cfg.PoolWait)
	if err != nil {
		o.cleanupFailedCreate(userID, host, nil, "", err)
		o.observeProvision(host.Hostname, "error", start)
		return
	}

	name := fmt.Sprintf("desktop-%s-%d", userID, time.Now().Unix())
	spec := remote.DesktopSpec{
		Name:          name,
		Image:         o.cfg.DesktopImage,
		DisplaySecret: o.cfg.DisplaySecret,
		Resolution:    o.cfg.Resolution,
		ShmSize:       o.cfg.ShmSize,
		MemoryLimit:   o.cfg.MemoryLimit,
		CPULimit:      o.cfg.CPULimit,
	}

	o.setProgress(userID, model.StageStarting, fmt.Sprintf("Starting desktop on %s...", host.DisplayName), host.DisplayName)

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	containerID, err := remote.StartDesktop(runCtx, ch, spec)
	cancel()
	if err != nil {
		o.cleanupFailedCreate(userID, host, ch, "", err)
		o.observeProvision(host.Hostname, "error", start)
		return
	}

	o.setProgress(userID, model.StageMappingPorts, fmt.Sprintf("Desktop started on %s...", host.DisplayName), host.DisplayName)

	portCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	ports, err := remote.DesktopPorts(portCtx, ch, name)
	cancel()
	if err != nil {
		o.cleanupFailedCreate(userID, host, ch, name, err)
		o.observeProvision(host.Hostname, "error", start)
		return
	}

	// Done with the control channel for now; readiness polling is plain
	// HTTP and must not pin a pooled channel for up to 90 seconds.
	p.Release(ch)
	ch = nil

	o.setProgress(userID, model.StageWaitingReady, fmt.Sprintf("Waiting for %s display server...", host.DisplayName), host.DisplayName)

	if err := o.ready(ctx, host.Hostname, ports.Web); err != nil {
		o.cleanupFailedCreate(userID, host, nil, name, err)
		o.observeProvision(host.Hostname, "error", start)
		return
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:            "ses_" + uuid.NewString(),
		UserID:        userID,
		ContainerID:   containerID,
		ContainerName: name,
		Host:          host.Hostname,
		DisplayHost:   host.PublicHost,
		DisplayPort:   ports.Display,
		WebPort:       ports.Web,
		Status:        model.SessionActive,
		CreatedAt:     now,
		Deadline:      now.Add(o.cfg.InitialDuration),
	}

	o.mu.Lock()
	o.sessions[userID] = sess
	o.progress[userID] = &model.CreationProgress{Stage: model.StageReady, Message: "Desktop ready!", Host: host.DisplayName}
	o.mu.Unlock()

	o.observeProvision(host.Hostname, "ok", start)
	o.bus.Publish(events.KindSessionCreated, model.LevelInfo, userID,
		"remote desktop session created", map[string]string{
			"hostname":       host.Hostname,
			"container_name": name,
			"display_port":   fmt.Sprintf("%d", ports.Display),
			"web_port":       fmt.Sprintf("%d", ports.Web),
		})
}

// cleanupFailedCreate unwinds a partially provisioned session. Each step is
// guarded on its own so one failing cleanup cannot skip the rest or mask
// the original failure recorded in progress.
func (o *Orchestrator) cleanupFailedCreate(userID string, host config.Host, ch remote.Channel, containerName string, cause error) {
	unreachable := errors.Is(cause, remote.ErrUnreachable)

	if ch != nil {
		p := o.fleet.Pool(host.Hostname)
		if unreachable {
			p.Invalidate(ch)
		} else {
			p.Release(ch)
		}
	}

	// A container that started before a later step failed is torn down
	// best-effort; readiness may never come, but the slot must not leak.
	if containerName != "" && !unreachable {
		o.bestEffortStop(host.Hostname, containerName)
	}

	o.fleet.ReleaseSlot(host.Hostname)

	if unreachable {
		o.fleet.MarkUnhealthy(host.Hostname, cause.Error())
	}

	o.failProgress(userID, host.DisplayName, creationFailureMessage(cause), cause)
}

func (o *Orchestrator) bestEffortStop(hostname, containerName string) {
	p := o.fleet.Pool(hostname)
	if p == nil {
		return
	}
	ch, err := p.Acquire(context.Background(), 5*time.Second)
	if err != nil {
		o.log.Warn("could not acquire channel for cleanup stop",
			zap.String("host", hostname), zap.String("container", containerName), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CommandTimeout)
	defer cancel()
	if err := remote.StopDesktop(ctx, ch, containerName); err != nil {
		o.log.Warn("cleanup stop failed",
			zap.String("host", hostname), zap.String("container", containerName), zap.Error(err))
		p.Invalidate(ch)
		return
	}
	p.Release(ch)
}

func creationFailureMessage(err error) string {
	switch {
	case errors.Is(err, ErrProvisionTimeout):
		return "Desktop started but its display server never became ready"
	case errors.Is(err, remote.ErrUnreachable):
		return "Could not reach the selected server"
	case errors.Is(err, remote.ErrCommandFailed):
		return "The server rejected the desktop start command"
	default:
		return "Desktop creation failed"
	}
}

func (o *Orchestrator) observeProvision(hostname, status string, start time.Time) {
	labels := map[string]string{"host": hostname, "status": status}
	metrics.Default().IncCounter("deskd_session_provision_total", labels)
	metrics.Default().ObserveHistogram("deskd_session_provision_latency_ms",
		float64(time.Since(start).Milliseconds()), labels)
}

func (o *Orchestrator) setProgress(userID string, stage model.CreationStage, message, host string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress[userID] = &model.CreationProgress{Stage: stage, Message: message, Host: host}
}

func (o *Orchestrator) failProgress(userID, host, message string, cause error) {
	o.mu.Lock()
	o.progress[userID] = &model.CreationProgress{
		Stage:   model.StageFailed,
		Message: message,
		Host:    host,
		Err:     cause.Error(),
	}
	o.mu.Unlock()

	o.log.Error("session creation failed", zap.String("user_id", userID), zap.Error(cause))
	o.bus.Publish(events.KindSessionError, model.LevelError, userID,
		"failed to create session: "+cause.Error(), map[string]string{"error": cause.Error()})
}

// Status reports the in-flight creation progress if any, else the active
// session. A session supersedes its progress record; a failed progress
// record is cleared once read, acknowledging the error so the user can
// retry.
func (o *Orchestrator) Status(userID string) (*model.CreationProgress, *SessionView) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sess, ok := o.sessions[userID]; ok {
		delete(o.progress, userID)
		v := o.view(sess)
		return nil, &v
	}
	if p, ok := o.progress[userID]; ok {
		cp := *p
		if p.Stage == model.StageFailed {
			delete(o.progress, userID)
		}
		return &cp, nil
	}
	return nil, nil
}

// Destroy tears down a user's session: remote stop/remove best-effort, then
// slot release and table cleanup, which always run. Destroying a session
// that does not exist succeeds; destroying one still provisioning is
// rejected rather than raced against the creation task.
func (o *Orchestrator) Destroy(ctx context.Context, userID string) error {
	return o.destroy(ctx, userID, events.KindSessionDestroyed)
}

func (o *Orchestrator) destroy(ctx context.Context, userID, kind string) error {
	o.mu.Lock()
	if p, ok := o.progress[userID]; ok && p.InFlight() {
		if _, has := o.sessions[userID]; !has {
			o.mu.Unlock()
			return ErrCreationInProgress
		}
	}
	sess, ok := o.sessions[userID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	if sess.Status == model.SessionDestroying {
		o.mu.Unlock()
		return nil
	}
	sess.Status = model.SessionDestroying
	hostname := sess.Host
	containerName := sess.ContainerName
	o.mu.Unlock()

	start := time.Now()
	teardownErr := o.teardownRemote(ctx, hostname, containerName)

	o.fleet.ReleaseSlot(hostname)

	o.mu.Lock()
	delete(o.sessions, userID)
	delete(o.progress, userID)
	o.mu.Unlock()

	status := "ok"
	meta := map[string]string{"hostname": hostname, "container_name": containerName}
	level := model.LevelInfo
	message := "remote desktop session destroyed"
	if kind == events.KindSessionExpired {
		level = model.LevelWarning
		message = "remote desktop session expired and was destroyed"
	}
	if teardownErr != nil {
		status = "degraded"
		meta["teardown_error"] = teardownErr.Error()
	}
	labels := map[string]string{"host": hostname, "status": status, "reason": kind}
	metrics.Default().IncCounter("deskd_session_teardown_total", labels)
	metrics.Default().ObserveHistogram("deskd_session_teardown_latency_ms",
		float64(time.Since(start).Milliseconds()), map[string]string{"host": hostname, "status": status})

	o.bus.Publish(kind, level, userID, message, meta)
	return nil
}

// teardownRemote issues stop then remove. Errors are returned for logging
// and event metadata but never block resource reclamation.
func (o *Orchestrator) teardownRemote(ctx context.Context, hostname, containerName string) error {
	p := o.fleet.Pool(hostname)
	if p == nil {
		return fmt.Errorf("no channel pool for %s", hostname)
	}
	ch, err := p.Acquire(ctx, o.cfg.PoolWait)
	if err != nil {
		return fmt.Errorf("acquire channel: %w", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	stopErr := remote.StopDesktop(stopCtx, ch, containerName)
	cancel()

	if stopErr != nil && errors.Is(stopErr, remote.ErrUnreachable) {
		p.Invalidate(ch)
		o.fleet.MarkUnhealthy(hostname, stopErr.Error())
		return stopErr
	}

	// Remove after a successful stop is best-effort; --rm usually already
	// reaped the container.
	rmCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	if rmErr := remote.RemoveDesktop(rmCtx, ch, containerName); rmErr != nil {
		o.log.Warn("desktop remove failed after stop",
			zap.String("host", hostname), zap.String("container", containerName), zap.Error(rmErr))
	}
	cancel()

	p.Release(ch)
	return stopErr
}

// Extend pushes the session deadline forward by the configured extension,
// up to the configured maximum number of extensions.
func (o *Orchestrator) Extend(userID string) (SessionView, error) {
	o.mu.Lock()
	sess, ok := o.sessions[userID]
	if !ok || sess.Status != model.SessionActive {
		o.mu.Unlock()
		return SessionView{}, ErrNoActiveSession
	}
	if sess.ExtensionsUsed >= o.cfg.MaxExtensions {
		o.mu.Unlock()
		return SessionView{}, ErrExtensionLimitReached
	}
	sess.ExtensionsUsed++
	sess.Deadline = sess.Deadline.Add(o.cfg.ExtensionDuration)
	v := o.view(sess)
	used := sess.ExtensionsUsed
	o.mu.Unlock()

	o.bus.Publish(events.KindSessionExtended, model.LevelInfo, userID,
		fmt.Sprintf("session extended (%d/%d extensions used)", used, o.cfg.MaxExtensions),
		map[string]string{"extensions_used": fmt.Sprintf("%d", used)})
	return v, nil
}

// ListSessions returns a point-in-time view of every session, for the admin
// surface. Sorted by user id for stable output.
func (o *Orchestrator) ListSessions() []SessionView {
	o.mu.Lock()
	out := make([]SessionView, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, o.view(s))
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Authorize is the reverse-proxy subrequest check: a caller may route to
// their own session, an admin to anyone's. The approval carries the routing
// target so the proxy never consults session state again.
func (o *Orchestrator) Authorize(callerID string, isAdmin bool, targetID string) (model.RouteTarget, error) {
	if !isAdmin && callerID != targetID {
		return model.RouteTarget{}, ErrNotAuthorized
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[targetID]
	if !ok || sess.Status != model.SessionActive {
		return model.RouteTarget{}, ErrNoActiveSession
	}
	return model.RouteTarget{
		DisplayHost: sess.DisplayHost,
		DisplayPort: sess.DisplayPort,
		WebPort:     sess.WebPort,
	}, nil
}

// ShutdownAll destroys every session concurrently, bounded by the grace
// period so one unreachable host cannot block process exit.
func (o *Orchestrator) ShutdownAll(grace time.Duration) {
	o.mu.Lock()
	users := make([]string, 0, len(o.sessions))
	for uid := range o.sessions {
		users = append(users, uid)
	}
	o.mu.Unlock()

	if len(users) == 0 {
		return
	}
	o.log.Info("shutdown: destroying all sessions", zap.Int("count", len(users)))

	var wg sync.WaitGroup
	for _, uid := range users {
		wg.Add(1)
		go func(uid string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			if err := o.destroy(ctx, uid, events.KindSessionDestroyed); err != nil {
				o.log.Warn("shutdown destroy failed", zap.String("user_id", uid), zap.Error(err))
			}
		}(uid)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		o.log.Warn("shutdown grace elapsed with teardowns still in flight")
	}
}

// HTTPReadiness is the production readiness probe: GET the web-bridge port
// until it answers 200 or the bound is exceeded.
func HTTPReadiness(total, interval time.Duration) ReadinessFunc {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context, host string, port int) error {
		url := fmt.Sprintf("http://%s:%d/", host, port)
		deadline := time.Now().Add(total)
		for {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			req.Header.Set("User-Agent", "deskd-ready-check")
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
			if time.Now().Add(interval).After(deadline) {
				return fmt.Errorf("%w: %s", ErrProvisionTimeout, url)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}
