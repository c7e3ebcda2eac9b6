package terminal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"aasanpos/backend/internal/domain"
)

const snapshotVersion = 1

// remoteState is the authoritative store content as last read. It is what
// gets cached on the device; pending sales are overlaid on load.
type remoteState struct {
	SchemaVersion int                 `json:"schema_version"`
	SavedAt       time.Time           `json:"saved_at"`
	Products      []domain.Product    `json:"products"`
	Customers     []domain.Customer   `json:"customers"`
	Sales         []domain.SaleRecord `json:"sales"`
}

func SnapshotKey(shopID string) string {
	return "snapshot_" + shopID
}

func (t *Terminal) saveSnapshot(ctx context.Context, remote remoteState) {
	if t.snapshots == nil {
		return
	}
	remote.SchemaVersion = snapshotVersion
	remote.SavedAt = t.now().UTC()
	raw, err := json.Marshal(remote)
	if err == nil {
		err = t.snapshots.Set(ctx, SnapshotKey(t.shopID), raw)
	}
	if err != nil {
		t.log.Warn("cache shop snapshot: " + err.Error())
	}
}

// Restore loads the cached snapshot, or an empty catalog when there is none,
// and overlays the pending queue. It is used when the store cannot be read
// at startup. found reports whether a snapshot existed.
func (t *Terminal) Restore(ctx context.Context) (found bool, err error) {
	var remote remoteState
	if t.snapshots != nil {
		raw, ok, err := t.snapshots.Get(ctx, SnapshotKey(t.shopID))
		if err != nil {
			return false, err
		}
		if ok && len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &remote); err != nil {
				return false, fmt.Errorf("decode shop snapshot: %w", err)
			}
			if remote.SchemaVersion != snapshotVersion {
				t.log.Warnf("ignoring shop snapshot with schema version %d", remote.SchemaVersion)
				remote = remoteState{}
			} else {
				found = true
			}
		}
	}
	if err := t.install(ctx, remote); err != nil {
		return false, err
	}
	return found, nil
}
