package pull

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/session"
	"github.com/roach88/hashrepo/internal/store"
)

// Store is the persistence a Manager needs.
type Store interface {
	Lookup
	ListPulls(ctx context.Context) ([]store.PullRecord, error)
	SavePull(ctx context.Context, p store.PullRecord) error
	DeletePull(ctx context.Context, id string) error
	UserByID(ctx context.Context, id int64) (store.User, error)
}

// Manager owns every Pull of a repository instance.
type Manager struct {
	store      Store
	commit     Committer
	settings   Settings
	httpClient *http.Client
	log        *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	pulls  map[string]*Pull
	closed bool
}

// NewManager creates a Manager. A nil httpClient uses the default client
// of NewClient.
func NewManager(st Store, commit Committer, settings Settings, httpClient *http.Client, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:      st,
		commit:     commit,
		settings:   settings.withDefaults(),
		httpClient: httpClient,
		log:        log,
		pulls:      make(map[string]*Pull),
	}
}

// Save validates cfg and persists it, assigning an id when empty.
func Save(ctx context.Context, st Store, cfg Config) (Config, error) {
	if cfg.ID == "" {
		cfg.ID = newID()
	}
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if _, err := st.UserByID(ctx, cfg.UserID); err != nil {
		return Config{}, err
	}
	if err := st.SavePull(ctx, cfg.Record()); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Start loads every persisted pull and starts the valid ones. A pull with
// an invalid record is logged and left disabled; its siblings still run.
// The returned count is the number of running pulls.
func (m *Manager) Start(ctx context.Context) (int, error) {
	records, err := m.store.ListPulls(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	for _, rec := range records {
		cfg := FromRecord(rec)
		err := rec.Err
		if err == nil {
			err = m.start(ctx, cfg)
		}
		if err != nil {
			m.log.Error("pull disabled",
				zap.String("pull_id", cfg.ID),
				zap.String("code", string(apperr.CodeOf(err))),
				zap.Error(err),
			)
		}
	}
	return len(m.Running()), nil
}

// Add persists cfg and starts it when the manager is running.
func (m *Manager) Add(ctx context.Context, cfg Config) (Config, error) {
	cfg, err := Save(ctx, m.store, cfg)
	if err != nil {
		return Config{}, err
	}

	m.mu.Lock()
	runCtx := m.ctx
	m.mu.Unlock()
	if runCtx == nil {
		return cfg, nil
	}
	if err := m.start(runCtx, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Remove stops a pull and deletes its record.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	p := m.pulls[id]
	delete(m.pulls, id)
	m.mu.Unlock()

	if p != nil {
		p.Close()
	}
	return m.store.DeletePull(ctx, id)
}

func (m *Manager) start(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	owner, err := m.store.UserByID(ctx, cfg.UserID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return apperr.Wrap(apperr.CodeFatalConfig, "pull "+cfg.ID+" owner", err)
		}
		return err
	}

	client, err := NewClient(cfg.Remote, cfg.Username, cfg.Password, m.httpClient)
	if err != nil {
		return err
	}

	p := New(cfg, session.ForUser(owner), client, m.store, m.commit, m.settings, m.log)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return apperr.New(apperr.CodeFatalConfig, "pull manager is closed")
	}
	if old := m.pulls[cfg.ID]; old != nil {
		old.Close()
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	m.pulls[cfg.ID] = p
	return nil
}

// Get returns a running pull.
func (m *Manager) Get(id string) (*Pull, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pulls[id]
	return p, ok
}

// Running returns the ids of running pulls in sorted order.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.pulls))
	for id := range m.pulls {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every pull and waits for their in-flight tasks.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	pulls := make([]*Pull, 0, len(m.pulls))
	for _, p := range m.pulls {
		pulls = append(pulls, p)
	}
	m.pulls = map[string]*Pull{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pulls {
		wg.Add(1)
		go func(p *Pull) {
			defer wg.Done()
			p.Close()
		}(p)
	}
	wg.Wait()
}
