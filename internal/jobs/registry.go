package jobs

import "sync"

// Registry はキャンセル済みジョブIDの集合と、投入時データのアーカイブを保持します。
// 待機中のジョブをキャンセルするとキュー側のレコードは削除されるため、
// リトライに必要なデータはここにしか残りません。
type Registry struct {
	mu        sync.RWMutex
	cancelled map[JobID]struct{}
	archive   map[JobID]Payload
}

// NewRegistry は空の Registry を作成します。
func NewRegistry() *Registry {
	return &Registry{
		cancelled: make(map[JobID]struct{}),
		archive:   make(map[JobID]Payload),
	}
}

// MarkCancelled はジョブをキャンセル済みにします。
func (r *Registry) MarkCancelled(id JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[id] = struct{}{}
}

// IsCancelled はキャンセル済みかどうかを返します。
func (r *Registry) IsCancelled(id JobID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cancelled[id]
	return ok
}

// Archive は投入時データを保存します。
func (r *Registry) Archive(id JobID, payload Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.archive[id] = payload
}

// Archived は保存済みの投入時データを返します。
func (r *Registry) Archived(id JobID) (Payload, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	payload, ok := r.archive[id]
	return payload, ok
}

// ArchivedIDs はアーカイブ済みのIDを返します。順序は保証しません。
func (r *Registry) ArchivedIDs() []JobID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]JobID, 0, len(r.archive))
	for id := range r.archive {
		ids = append(ids, id)
	}
	return ids
}

// Clear はキャンセル状態とアーカイブの両方を削除します。
func (r *Registry) Clear(id JobID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, id)
	delete(r.archive, id)
}
