package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"examprep-server/auth"
	"examprep-server/locale"
	"examprep-server/logger"
	"examprep-server/middleware"
	"examprep-server/models"
	"examprep-server/session"
)

// Callers keeps, per owner, the token and locale their machines read. Each request
// refreshes them before the machine is touched.
type Callers struct {
	defaultLocale string
	log           *logrus.Entry
	now           func() time.Time

	mu      sync.Mutex
	byOwner map[string]*caller
}

type caller struct {
	auth     *auth.RequestState
	locale   *locale.Resolver
	lastSeen time.Time
}

func NewCallers(defaultLocale string, log *logrus.Entry) *Callers {
	if log == nil {
		log = logger.Discard()
	}
	return &Callers{defaultLocale: defaultLocale, log: log, now: time.Now, byOwner: make(map[string]*caller)}
}

// Get returns the state of owner, creating it on first use.
func (cs *Callers) Get(owner string) (*auth.RequestState, *locale.Resolver) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cl, ok := cs.byOwner[owner]
	if !ok {
		cl = &caller{
			auth:   auth.NewRequestState(""),
			locale: locale.NewResolver(cs.defaultLocale, nil, nil, cs.log),
		}
		cs.byOwner[owner] = cl
	}
	cl.lastSeen = cs.now()
	return cl.auth, cl.locale
}

// Update copies the bearer token and requested language of the current request.
// Without ?lang= or Accept-Language the previous locale stays.
func (cs *Callers) Update(c *gin.Context) {
	owner := middleware.Owner(c)
	state, res := cs.Get(owner)
	state.Set(middleware.Token(c))
	l := locale.Determine(c.Query("lang"), c.GetHeader("Accept-Language"), res.Locale())
	if l != res.Locale() {
		if err := res.SetLocale(c.Request.Context(), l); err != nil {
			cs.log.WithError(err).WithField("owner", owner).Warn("failed to switch caller locale")
		}
	}
}

// Forget drops the state of owner.
func (cs *Callers) Forget(owner string) {
	cs.mu.Lock()
	delete(cs.byOwner, owner)
	cs.mu.Unlock()
}

// Prune drops callers not seen for idle whose owner has no live machine, since a
// live machine still reads their token and locale.
func (cs *Callers) Prune(now time.Time, idle time.Duration, live func(owner string) bool) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n := 0
	for owner, cl := range cs.byOwner {
		if now.Sub(cl.lastSeen) < idle || live(owner) {
			continue
		}
		delete(cs.byOwner, owner)
		n++
	}
	return n
}

// Len reports how many callers are tracked.
func (cs *Callers) Len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.byOwner)
}

// IdleConfig controls how long unused state is kept.
type IdleConfig struct {
	Interval   time.Duration // time between sweeps
	Idle       time.Duration // machines outside an attempt, and callers
	ActiveIdle time.Duration // machines with an attempt in progress
}

// SweepIdle evicts idle machines and caller state once per interval until ctx is done.
func SweepIdle(ctx context.Context, registry *session.Registry, callers *Callers, cfg IdleConfig, log *logrus.Entry) {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			evicted, pruned := sweepOnce(time.Now(), registry, callers, cfg)
			if evicted > 0 || pruned > 0 {
				log.WithFields(logrus.Fields{"owners": evicted, "callers": pruned, "live": registry.Len()}).Debug("evicted idle sessions")
			}
		}
	}
}

func sweepOnce(now time.Time, registry *session.Registry, callers *Callers, cfg IdleConfig) (int, int) {
	gone := registry.EvictIdle(now, cfg.Idle, cfg.ActiveIdle)
	for _, owner := range gone {
		callers.Forget(owner)
	}
	return len(gone), callers.Prune(now, cfg.Idle, registry.HasOwner)
}

// MachineFactory builds machines wired to the caller state of their owner. Deps
// supplies the shared collaborators; its Auth and Locale are replaced per owner.
func MachineFactory(callers *Callers, deps session.Deps, opts session.Options) session.Factory {
	return func(owner string, mode models.Mode) (*session.Machine, error) {
		cfg, err := session.ConfigFor(mode, opts)
		if err != nil {
			return nil, err
		}
		d := deps
		d.Auth, d.Locale = callers.Get(owner)
		return session.New(owner, cfg, d), nil
	}
}
