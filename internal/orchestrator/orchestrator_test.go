package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slugsec/deskd/internal/config"
	"github.com/slugsec/deskd/internal/events"
	"github.com/slugsec/deskd/internal/fleet"
	"github.com/slugsec/deskd/internal/model"
	"github.com/slugsec/deskd/internal/remote"
)

func testConfig() config.Config {
	return config.Config{
		DesktopImage:  "test/desktop:latest",
		DisplaySecret: "secret",
		Resolution:    "1280x720",
		ShmSize:       "1g",
		MemoryLimit:   "2g",
		CPULimit:      "1",

		PoolCap:        4,
		PoolWait:       time.Second,
		CommandTimeout: time.Second,
		ReadyTimeout:   time.Second,
		ReadyInterval:  time.Millisecond,

		InitialDuration:   time.Hour,
		ExtensionDuration: 20 * time.Minute,
		MaxExtensions:     3,

		SweepInterval: time.Hour,
		ShutdownGrace: time.Second,
	}
}

func testHosts(n int) []config.Host {
	hosts := make([]config.Host, 0, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("h%d.internal", i)
		hosts = append(hosts, config.Host{
			Hostname:    name,
			User:        "root",
			PublicHost:  fmt.Sprintf("h%d.example.org", i),
			DisplayName: fmt.Sprintf("h%d", i),
		})
	}
	return hosts
}

func readyInstantly(context.Context, string, int) error { return nil }

type harness struct {
	orch  *Orchestrator
	fleet *fleet.Scheduler
	bus   *events.Bus
}

func newHarness(t *testing.T, cfg config.Config, hosts []config.Host, dialer fleet.DialerFor, ready ReadinessFunc) *harness {
	t.Helper()
	if dialer == nil {
		dialer = func(_ config.Host) remote.DialFunc {
			return remote.NewFakeDialer().Dial
		}
	}
	if ready == nil {
		ready = readyInstantly
	}
	bus := events.NewBus(500, zap.NewNop())
	fl := fleet.New(fleet.Options{
		Hosts:   hosts,
		PoolCap: cfg.PoolCap,
		Image:   cfg.DesktopImage,
		Dialer:  dialer,
	}, bus, zap.NewNop())
	t.Cleanup(fl.Close)
	return &harness{
		orch:  New(cfg, fl, bus, ready, zap.NewNop()),
		fleet: fl,
		bus:   bus,
	}
}

func waitForSession(t *testing.T, o *Orchestrator, userID string) SessionView {
	t.Helper()
	var out SessionView
	require.Eventually(t, func() bool {
		_, sess := o.Status(userID)
		if sess == nil {
			return false
		}
		out = *sess
		return true
	}, 2*time.Second, 5*time.Millisecond, "session for %s never became active", userID)
	return out
}

func waitForFailure(t *testing.T, o *Orchestrator, userID string) model.CreationProgress {
	t.Helper()
	var out model.CreationProgress
	require.Eventually(t, func() bool {
		o.mu.Lock()
		p, ok := o.progress[userID]
		if ok {
			out = *p
		}
		o.mu.Unlock()
		return ok && p.Stage == model.StageFailed
	}, 2*time.Second, 5*time.Millisecond, "creation for %s never failed", userID)
	return out
}

func TestCreateProvisionsActiveSession(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(1), nil, nil)

	require.NoError(t, h.orch.Create("u1"))
	sess := waitForSession(t, h.orch, "u1")

	require.Equal(t, model.SessionActive, sess.Status)
	require.Equal(t, "h1.example.org", sess.Host)
	require.NotZero(t, sess.DisplayPort)
	require.NotZero(t, sess.WebPort)
	require.NotEqual(t, sess.DisplayPort, sess.WebPort)
	require.Equal(t, 0, sess.ExtensionsUsed)
	require.Greater(t, sess.RemainingSeconds, 3500)

	snap := h.fleet.Snapshot()
	require.Equal(t, 1, snap[0].ActiveSessions)
}

func TestCreateRejectsSecondRequest(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(1), nil, nil)

	require.NoError(t, h.orch.Create("u1"))
	waitForSession(t, h.orch, "u1")

	require.ErrorIs(t, h.orch.Create("u1"), ErrAlreadyActive)
}

func TestCreateRejectsWhileProvisioning(t *testing.T) {
	release := make(chan struct{})
	blockedReady := func(context.Context, string, int) error {
		<-release
		return nil
	}
	h := newHarness(t, testConfig(), testHosts(1), nil, blockedReady)

	require.NoError(t, h.orch.Create("u1"))
	require.Eventually(t, func() bool {
		p, _ := h.orch.Status("u1")
		return p != nil && p.Stage == model.StageWaitingReady
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, h.orch.Create("u1"), ErrCreationInProgress)
	close(release)
	waitForSession(t, h.orch, "u1")
}

func TestCreateFailureOnUnreachableHost(t *testing.T) {
	dialer := func(_ config.Host) remote.DialFunc {
		return func(_ context.Context) (remote.Channel, error) {
			return nil, fmt.Errorf("%w: connection refused", remote.ErrUnreachable)
		}
	}
	h := newHarness(t, testConfig(), testHosts(1), dialer, nil)

	require.NoError(t, h.orch.Create("u1"))
	progress := waitForFailure(t, h.orch, "u1")
	require.NotEmpty(t, progress.Err)

	// The slot was released and the host is out of scheduling.
	snap := h.fleet.Snapshot()
	require.Equal(t, 0, snap[0].ActiveSessions)
	require.False(t, snap[0].Healthy)

	// The first status poll surfaces the failure, the second sees a clean
	// slate so the user can retry.
	p, sess := h.orch.Status("u1")
	require.Nil(t, sess)
	require.NotNil(t, p)
	require.Equal(t, model.StageFailed, p.Stage)

	p, sess = h.orch.Status("u1")
	require.Nil(t, p)
	require.Nil(t, sess)
}

func TestCreateFailureWithNoHealthyHosts(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(1), nil, nil)
	h.fleet.MarkUnhealthy("h1.internal", "down")

	require.NoError(t, h.orch.Create("u1"))
	progress := waitForFailure(t, h.orch, "u1")
	require.Contains(t, progress.Message, "No capacity")
}

func TestCreateSpreadsAcrossHosts(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(2), nil, nil)

	require.NoError(t, h.orch.Create("u1"))
	waitForSession(t, h.orch, "u1")
	require.NoError(t, h.orch.Create("u2"))
	waitForSession(t, h.orch, "u2")

	snap := h.fleet.Snapshot()
	require.Equal(t, 1, snap[0].ActiveSessions)
	require.Equal(t, 1, snap[1].ActiveSessions)
}

func TestDestroyReleasesEverything(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(1), nil, nil)

	require.NoError(t, h.orch.Create("u1"))
	waitForSession(t, h.orch, "u1")

	require.NoError(t, h.orch.Destroy(context.Background(), "u1"))

	p, sess := h.orch.Status("u1")
	require.Nil(t, p)
	require.Nil(t, sess)
	require.Equal(t, 0, h.fleet.Snapshot()[0].ActiveSessions)

	// Destroying again is a no-op, not an error.
	require.NoError(t, h.orch.Destroy(context.Background(), "u1"))
}

func TestDestroyDuringProvisioningIsRejected(t *testing.T) {
	release := make(chan struct{})
	blockedReady := func(context.Context, string, int) error {
		<-release
		return nil
	}
	h := newHarness(t, testConfig(), testHosts(1), nil, blockedReady)

	require.NoError(t, h.orch.Create("u1"))
	require.Eventually(t, func() bool {
		p, _ := h.orch.Status("u1")
		return p != nil && p.Stage == model.StageWaitingReady
	}, 2*time.Second, 5*time.Millisecond)

	require.ErrorIs(t, h.orch.Destroy(context.Background(), "u1"), ErrCreationInProgress)

	close(release)
	waitForSession(t, h.orch, "u1")
	require.NoError(t, h.orch.Destroy(context.Background(), "u1"))
}

func TestExtendUpToLimit(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(1), nil, nil)

	require.NoError(t, h.orch.Create("u1"))
	base := waitForSession(t, h.orch, "u1")

	for i := 1; i <= 3; i++ {
		sess, err := h.orch.Extend("u1")
		require.NoError(t, err)
		require.Equal(t, i, sess.ExtensionsUsed)
	}

	_, err := h.orch.Extend("u1")
	require.ErrorIs(t, err, ErrExtensionLimitReached)

	_, sess := h.orch.Status("u1")
	require.NotNil(t, sess)
	require.Equal(t, 3, sess.ExtensionsUsed)
	// 3 extensions of 20 minutes on top of the initial hour.
	require.Greater(t, sess.RemainingSeconds, base.RemainingSeconds+3*1200-60)
}

func TestExtendWithoutSession(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(1), nil, nil)
	_, err := h.orch.Extend("u1")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestAuthorize(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(1), nil, nil)

	require.NoError(t, h.orch.Create("u1"))
	sess := waitForSession(t, h.orch, "u1")

	target, err := h.orch.Authorize("u1", false, "u1")
	require.NoError(t, err)
	require.Equal(t, "h1.example.org", target.DisplayHost)
	require.Equal(t, sess.DisplayPort, target.DisplayPort)
	require.Equal(t, sess.WebPort, target.WebPort)

	_, err = h.orch.Authorize("u2", false, "u1")
	require.ErrorIs(t, err, ErrNotAuthorized)

	// Admins may reach any user's desktop.
	_, err = h.orch.Authorize("admin", true, "u1")
	require.NoError(t, err)

	_, err = h.orch.Authorize("u2", false, "u2")
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestSweepReapsOnlyExpiredSessions(t *testing.T) {
	cfg := testConfig()
	cfg.InitialDuration = 20 * time.Millisecond
	cfg.ExtensionDuration = time.Hour
	h := newHarness(t, cfg, testHosts(1), nil, nil)

	require.NoError(t, h.orch.Create("u1"))
	waitForSession(t, h.orch, "u1")
	require.NoError(t, h.orch.Create("u2"))
	waitForSession(t, h.orch, "u2")

	// u2 extends past the sweep horizon, u1 expires.
	_, err := h.orch.Extend("u2")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	reaped := h.orch.RunSweep(context.Background())
	require.Equal(t, 1, reaped)

	_, sess := h.orch.Status("u1")
	require.Nil(t, sess)
	_, sess = h.orch.Status("u2")
	require.NotNil(t, sess)

	var expiredEvents int
	for _, ev := range h.bus.Recent(0) {
		if ev.Kind == events.KindSessionExpired {
			expiredEvents++
			require.Equal(t, "u1", ev.UserID)
		}
	}
	require.Equal(t, 1, expiredEvents)
}

func TestListSessionsSortedByUser(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(2), nil, nil)

	for _, uid := range []string{"zeta", "alpha"} {
		require.NoError(t, h.orch.Create(uid))
		waitForSession(t, h.orch, uid)
	}

	list := h.orch.ListSessions()
	require.Len(t, list, 2)
	require.Equal(t, "alpha", list[0].UserID)
	require.Equal(t, "zeta", list[1].UserID)
}

func TestShutdownAllDestroysEverySession(t *testing.T) {
	h := newHarness(t, testConfig(), testHosts(2), nil, nil)

	for _, uid := range []string{"u1", "u2", "u3"} {
		require.NoError(t, h.orch.Create(uid))
		waitForSession(t, h.orch, uid)
	}

	h.orch.ShutdownAll(2 * time.Second)

	require.Empty(t, h.orch.ListSessions())
	for _, hs := range h.fleet.Snapshot() {
		require.Equal(t, 0, hs.ActiveSessions)
	}
}

func TestReadinessTimeoutFailsCreation(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = 20 * time.Millisecond
	neverReady := func(ctx context.Context, _ string, _ int) error {
		return fmt.Errorf("%w: probe gave up", ErrProvisionTimeout)
	}
	h := newHarness(t, cfg, testHosts(1), nil, neverReady)

	require.NoError(t, h.orch.Create("u1"))
	waitForFailure(t, h.orch, "u1")

	snap := h.fleet.Snapshot()
	require.Equal(t, 0, snap[0].ActiveSessions)
	// A readiness timeout is a desktop problem, not a host problem.
	require.True(t, snap[0].Healthy)
}
