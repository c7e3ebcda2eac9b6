// Package connectivity reacts to online/offline transitions reported by the
// terminal shell. It never polls.
package connectivity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/config"
)

type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

var ErrUnknownStatus = errors.New("status must be online or offline")

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case Online:
		return Online, nil
	case Offline:
		return Offline, nil
	}
	return "", ErrUnknownStatus
}

// Handlers are invoked from Run, one call per edge. Either may be nil.
type Handlers struct {
	Online  func(ctx context.Context) error
	Offline func(ctx context.Context)
}

// Monitor collapses reported statuses into edges. Report never blocks;
// Run delivers at most one handler call per edge.
type Monitor struct {
	shopID   string
	handlers Handlers
	notifier Notifier
	log      logrus.FieldLogger
	now      func() time.Time

	mu      sync.Mutex
	latest  Status
	current Status
	signal  chan struct{}
}

func NewMonitor(shopID string, initial Status, handlers Handlers, notifier Notifier, log logrus.FieldLogger) *Monitor {
	if initial == "" {
		initial = Online
	}
	return &Monitor{
		shopID:   shopID,
		handlers: handlers,
		notifier: notifier,
		log:      log.WithFields(logrus.Fields{"module": "connectivity", "shop_id": shopID}),
		now:      time.Now,
		latest:   initial,
		current:  initial,
		signal:   make(chan struct{}, 1),
	}
}

// Report records the latest observed status and wakes Run.
func (m *Monitor) Report(s Status) {
	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Status is the last status Run acted on.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.signal:
			m.step(ctx)
		}
	}
}

func (m *Monitor) step(ctx context.Context) {
	m.mu.Lock()
	next := m.latest
	if next == m.current {
		m.mu.Unlock()
		return
	}
	m.current = next
	m.mu.Unlock()

	m.log.WithField("status", next).Info("connectivity changed")
	switch next {
	case Online:
		if m.handlers.Online == nil {
			return
		}
		if err := m.handlers.Online(ctx); err != nil {
			config.LogError(m.log, "connectivity", "step", "online handler", nil, err)
		}
	case Offline:
		if m.handlers.Offline != nil {
			m.handlers.Offline(ctx)
		}
		m.notifier.Notify(Notice{
			ShopID:  m.shopID,
			Level:   LevelWarning,
			Message: "Offline: sales are saved on this device and will sync when the connection returns",
			At:      m.now().UTC(),
		})
	}
}
