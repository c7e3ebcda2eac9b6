package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/kv"
	"aasanpos/backend/internal/ledger"
	"aasanpos/backend/internal/offline"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/terminal"
)

var (
	ErrForbidden         = errors.New("admin role required")
	ErrInvalidInput      = errors.New("invalid input")
	ErrPaymentExceedsDue = errors.New("payment exceeds due balance")
	ErrDuplicateBarcode  = errors.New("barcode already exists")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Store         store.DocumentStore
	KV            kv.Store
	Locker        kv.Locker
	Notices       *connectivity.NoticeBoard
	Log           logrus.FieldLogger
	DefaultShopID string
	Now           func() time.Time
	// ReconnectEvery is how often a shop opened from the device cache polls
	// the store. Defaults to 15s.
	ReconnectEvery time.Duration
}

// Service runs shop operations on top of one terminal session per shop.
// Sessions are opened lazily and live until Close.
type Service struct {
	store         store.DocumentStore
	kv            kv.Store
	locker        kv.Locker
	notices       *connectivity.NoticeBoard
	log           logrus.FieldLogger
	defaultShopID string
	now           func() time.Time
	retryEvery    time.Duration

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	shops map[string]*shopSession
}

type shopSession struct {
	terminal *terminal.Terminal
	monitor  *connectivity.Monitor
}

func New(opts Options) *Service {
	if opts.DefaultShopID == "" {
		opts.DefaultShopID = "main-shop"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.KV == nil {
		opts.KV = kv.NewMemory()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.ReconnectEvery <= 0 {
		opts.ReconnectEvery = 15 * time.Second
	}
	if opts.Notices == nil {
		opts.Notices = connectivity.NewNoticeBoard(50, opts.Log)
	}

	root, cancel := context.WithCancel(context.Background())
	return &Service{
		store:         opts.Store,
		kv:            opts.KV,
		locker:        opts.Locker,
		notices:       opts.Notices,
		log:           opts.Log.WithField("module", "service"),
		defaultShopID: opts.DefaultShopID,
		now:           opts.Now,
		retryEvery:    opts.ReconnectEvery,
		root:          root,
		cancel:        cancel,
		shops:         map[string]*shopSession{},
	}
}

// Open loads the session for shopID ahead of the first request.
func (s *Service) Open(ctx context.Context, shopID string) error {
	_, err := s.sessionFor(ctx, shopID)
	return err
}

// Close stops every monitor and waits for in-flight confirmations and
// background drains.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	sessions := make([]*shopSession, 0, len(s.shops))
	for _, sess := range s.shops {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.terminal.Wait()
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) shopID(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok && strings.TrimSpace(actor.ShopID) != "" {
		return strings.TrimSpace(actor.ShopID)
	}
	return s.defaultShopID
}

func (s *Service) session(ctx context.Context) (*shopSession, error) {
	return s.sessionFor(ctx, s.shopID(ctx))
}

func (s *Service) terminal(ctx context.Context) (*terminal.Terminal, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}
	return sess.terminal, nil
}

func (s *Service) sessionFor(ctx context.Context, shopID string) (*shopSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.shops[shopID]; ok {
		return sess, nil
	}

	committer := ledger.NewCommitter(s.store, s.log)
	queue := offline.New(shopID, s.kv, committer, s.locker, s.log)
	t := terminal.New(terminal.Options{
		ShopID:    shopID,
		Store:     s.store,
		Committer: committer,
		Queue:     queue,
		Snapshots: s.kv,
		Notifier:  s.notices,
		Log:       s.log,
		Now:       s.now,
	})
	storeDown := false
	if err := t.Refresh(ctx); err != nil {
		if !store.IsTransient(err) {
			return nil, fmt.Errorf("load shop %s: %w", shopID, err)
		}
		found, rerr := t.Restore(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("load shop %s from device cache: %w", shopID, rerr)
		}
		storeDown = true
		s.log.WithFields(logrus.Fields{
			"shop_id":  shopID,
			"snapshot": found,
		}).Warn("store unreachable, shop opened from device cache: " + err.Error())
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reconnect(t)
		}()
	}

	monitor := connectivity.NewMonitor(shopID, connectivity.Online, connectivity.Handlers{
		Online:  t.GoOnline,
		Offline: t.GoOffline,
	}, s.notices, s.log)
	t.SetStatusReporter(monitor.Report)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitor.Run(s.root)
	}()

	state, err := queue.State(ctx)
	if err != nil {
		s.log.WithField("shop_id", shopID).Warn("read offline queue state: " + err.Error())
	}
	if state == offline.StateHasPending && !storeDown {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := t.Drain(s.root); err != nil && !errors.Is(err, offline.ErrDrainInProgress) {
				s.log.WithField("shop_id", shopID).Warn("startup drain failed: " + err.Error())
			}
		}()
	}

	sess := &shopSession{terminal: t, monitor: monitor}
	s.shops[shopID] = sess
	s.log.WithField("shop_id", shopID).Info("shop session opened")
	return sess, nil
}

// reconnect polls the store for a shop opened from the device cache. The
// first successful refresh replaces the cached state and drains the queue.
func (s *Service) reconnect(t *terminal.Terminal) {
	log := s.log.WithField("shop_id", t.ShopID())
	ticker := time.NewTicker(s.retryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.root.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.root, s.retryEvery)
		err := t.Refresh(ctx)
		cancel()
		if err != nil {
			log.Debug("store still unreachable: " + err.Error())
			continue
		}
		log.Info("store reachable, shop reloaded")
		if _, err := t.Drain(s.root); err != nil && !errors.Is(err, offline.ErrDrainInProgress) {
			log.Warn("drain after reconnect failed: " + err.Error())
		}
		return
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

// refresh re-reads the shop after a direct write. The write already
// succeeded, so a failed reload only costs display freshness.
func (s *Service) refresh(ctx context.Context, t *terminal.Terminal) {
	if err := t.Refresh(ctx); err != nil {
		s.log.WithField("shop_id", t.ShopID()).Warn("refresh after write failed: " + err.Error())
	}
}
