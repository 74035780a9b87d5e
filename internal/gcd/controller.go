package gcd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/catalog"
	"deviceagent/internal/command"
	"deviceagent/internal/config"
	"deviceagent/internal/eventbus"
	"deviceagent/internal/httpclient"
	"deviceagent/internal/scheduler"
	"deviceagent/internal/security"
	"deviceagent/internal/statequeue"
	"deviceagent/internal/token"
)

// EventStateChanged is emitted on the event bus whenever the controller's
// State changes.
const EventStateChanged = "gcd.state_changed"

// Handler executes one dispatched command instance against the device
// application. Returning an error rejects the command; the controller
// reports it to Cloud as a terminal error.
type Handler func(ctx context.Context, inst *command.Instance) error

// Deps are the collaborators a Controller is built from. Fields left zero
// get a reasonable default (a fresh in-process scheduler, a discard
// logger), except Store, Catalog, and Security, which are required.
type Deps struct {
	Store     config.Store
	Catalog   *catalog.Catalog
	Security  *security.Manager
	Events    *eventbus.Bus
	Scheduler scheduler.Scheduler
	HTTP      *http.Client
	Logger    *slog.Logger
}

// Controller is the top-level registration/session state machine. All of
// its mutable state is owned by the single goroutine behind sched; methods
// called from other goroutines post closures onto it rather than mutating
// directly.
type Controller struct {
	store    config.Store
	catalog  *catalog.Catalog
	security *security.Manager
	events   *eventbus.Bus
	sched    scheduler.Scheduler
	rawHTTP  *http.Client
	logger   *slog.Logger

	tokens     *token.Manager
	httpClient *httpclient.Client
	uploader   *command.Uploader
	stateQueue *statequeue.Queue

	mu    sync.RWMutex
	state State

	settings *config.Settings

	generation     uint64
	backoff        *httpclient.Backoff
	refreshCancel  scheduler.CancelFunc
	pollCancel     scheduler.CancelFunc
	networkUp      bool
	instances      map[string]*command.Instance
	handlers       map[string]Handler
	ackWatermark   uint64
	stateUploadRun bool
}

// New builds a Controller. Call Start to load Settings and begin running.
func New(deps Deps) *Controller {
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if deps.HTTP == nil {
		deps.HTTP = http.DefaultClient
	}

	c := &Controller{
		store:     deps.Store,
		catalog:   deps.Catalog,
		security:  deps.Security,
		events:    deps.Events,
		sched:     deps.Scheduler,
		rawHTTP:   deps.HTTP,
		logger:    deps.Logger.With("component", "gcd"),
		state:     StateUnconfigured,
		backoff:   httpclient.DefaultBackoff(),
		networkUp: true,
		instances: make(map[string]*command.Instance),
		handlers:  make(map[string]Handler),
	}

	c.tokens = token.New("", c.credentialsSource, deps.HTTP)
	c.httpClient = httpclient.New(deps.HTTP, c.tokens, c.logger)
	c.uploader = command.NewUploader(c, c.logger)
	c.stateQueue = statequeue.New()
	c.stateQueue.Subscribe(c.onStateQueueNotify)

	return c
}

func (c *Controller) credentialsSource() (token.Credentials, error) {
	s, err := c.store.Load()
	if err != nil {
		return token.Credentials{}, err
	}
	return token.Credentials{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RefreshToken: s.RefreshToken,
	}, nil
}

// State returns the controller's current top-level state. Safe to call
// from any goroutine.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RegisterHandler associates a device-application handler with a command
// name, used to dispatch commands delivered via Cloud or Privet.
func (c *Controller) RegisterHandler(name string, h Handler) {
	c.sched.Post(func() {
		c.handlers[name] = h
	})
}

// postGen posts fn to the scheduler bound to the controller's current
// generation; fn is dropped without running if the generation has advanced
// (i.e. the controller was reset or stopped) by the time it fires — the
// Go rendering of the source's weak-callback cancellation idiom.
func (c *Controller) postGen(fn func()) {
	gen := c.generation
	c.sched.Post(func() {
		if c.generation != gen {
			return
		}
		fn()
	})
}

func (c *Controller) postGenDelayed(fn func(), d time.Duration) scheduler.CancelFunc {
	gen := c.generation
	return c.sched.PostDelayed(func() {
		if c.generation != gen {
			return
		}
		fn()
	}, d)
}

// Start loads persisted Settings and enters unconfigured or connecting
// accordingly, per the settings-load trigger.
func (c *Controller) Start(ctx context.Context) error {
	settings, err := c.store.Load()
	if err != nil {
		return agenterr.Wrap(agenterr.DomainBuffet, "", "load settings at start", err)
	}

	done := make(chan struct{})
	c.sched.Post(func() {
		defer close(done)
		c.settings = settings
		c.tokens.SetOAuthURL(settings.OAuthURL)
		if !settings.IsRegistered() {
			c.setState(StateUnconfigured)
			return
		}
		c.setState(StateConnecting)
		c.scheduleTokenRefresh(0)
	})
	<-done
	return nil
}

// Stop advances the generation (dropping any in-flight posted callback)
// and stops the scheduler loop.
func (c *Controller) Stop() {
	done := make(chan struct{})
	c.sched.Post(func() {
		c.generation++
		c.cancelPollers()
		close(done)
	})
	<-done
	c.sched.Stop()
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.events != nil {
		c.events.Emit(eventbus.Event{Type: EventStateChanged, Data: string(s)})
	}

	if pollingSuspended(s) {
		c.cancelPollers()
	} else {
		c.startPolling()
		c.startStateUpload()
	}
}

func (c *Controller) cancelPollers() {
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshCancel = nil
	}
}

// scheduleTokenRefresh posts an immediate refresh attempt after delay.
func (c *Controller) scheduleTokenRefresh(delay time.Duration) {
	c.refreshCancel = c.postGenDelayed(c.attemptTokenRefresh, delay)
}

func (c *Controller) attemptTokenRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), httpclient.DefaultTimeout)
	defer cancel()

	_, expiry, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		c.onRefreshFailure(err)
		return
	}
	c.backoff.Reset()
	c.setState(StateConnected)

	wait := time.Until(expiry) - 60*time.Second
	if wait < 0 {
		wait = 0
	}
	c.scheduleTokenRefresh(wait)
}

func (c *Controller) onRefreshFailure(err error) {
	switch token.Classify(err) {
	case token.ClassInvalidCredentials:
		c.setState(StateInvalidCredentials)
		c.logger.Error("refresh token rejected, credentials invalid", "err", err)
	default:
		c.setState(StateConnecting)
		delay := c.backoff.Next()
		c.logger.Warn("token refresh failed, retrying", "err", err, "delay", delay)
		c.scheduleTokenRefresh(delay)
	}
}

// NetworkChanged reports a connectivity transition. up=false moves any
// state other than unconfigured/invalid_credentials to offline and
// suspends pollers; up=true (from offline) re-attempts connection with a
// freshly reset backoff.
func (c *Controller) NetworkChanged(up bool) {
	c.sched.Post(func() {
		c.networkUp = up
		if !up {
			if c.state != StateUnconfigured && c.state != StateInvalidCredentials {
				c.setState(StateOffline)
			}
			return
		}
		if c.state == StateOffline {
			c.backoff.Reset()
			if c.settings != nil && c.settings.IsRegistered() {
				c.setState(StateConnecting)
				c.scheduleTokenRefresh(0)
			} else {
				c.setState(StateUnconfigured)
			}
		}
	})
}

// Disable suspends Cloud sync without discarding any persisted identity.
func (c *Controller) Disable() {
	c.sched.Post(func() {
		c.setState(StateDisabled)
	})
}

// Enable resumes from disabled, re-evaluating Settings as Start would.
func (c *Controller) Enable() {
	c.sched.Post(func() {
		if c.state != StateDisabled {
			return
		}
		if c.settings != nil && c.settings.IsRegistered() {
			c.setState(StateConnecting)
			c.scheduleTokenRefresh(0)
		} else {
			c.setState(StateUnconfigured)
		}
	})
}

// Reset erases the device's registered identity atomically and returns the
// controller to unconfigured. Any in-flight posted callback bound to the
// prior generation is dropped.
func (c *Controller) Reset() error {
	err := c.store.Update(func(s *config.Settings) error {
		s.RefreshToken = ""
		s.CloudID = ""
		s.RobotAccount = ""
		return nil
	})
	if err != nil {
		return agenterr.Wrap(agenterr.DomainGCD, "", "reset settings", err)
	}

	done := make(chan struct{})
	c.sched.Post(func() {
		c.generation++
		c.cancelPollers()
		c.tokens.Invalidate()
		settings, loadErr := c.store.Load()
		if loadErr == nil {
			c.settings = settings
		}
		c.setState(StateUnconfigured)
		close(done)
	})
	<-done
	return nil
}
