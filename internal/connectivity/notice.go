package connectivity

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

type Notice struct {
	ShopID  string    `json:"shop_id"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Notifier surfaces a message to the cashier. Notify must not block.
type Notifier interface {
	Notify(n Notice)
}

// NoticeBoard logs each notice and keeps the most recent ones for the UI.
type NoticeBoard struct {
	log   logrus.FieldLogger
	limit int

	mu      sync.Mutex
	notices []Notice
}

func NewNoticeBoard(limit int, log logrus.FieldLogger) *NoticeBoard {
	if limit < 1 {
		limit = 20
	}
	return &NoticeBoard{log: log, limit: limit}
}

func (b *NoticeBoard) Notify(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	entry := b.log.WithFields(logrus.Fields{"module": "notice", "shop_id": n.ShopID})
	switch n.Level {
	case LevelError:
		entry.Error(n.Message)
	case LevelWarning:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
	if len(b.notices) > b.limit {
		b.notices = append([]Notice(nil), b.notices[len(b.notices)-b.limit:]...)
	}
}

// Recent returns the shop's notices, newest first.
func (b *NoticeBoard) Recent(shopID string) []Notice {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Notice, 0, len(b.notices))
	for i := len(b.notices) - 1; i >= 0; i-- {
		if b.notices[i].ShopID == shopID {
			out = append(out, b.notices[i])
		}
	}
	return out
}
