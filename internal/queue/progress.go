package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aiworkflow/jobhub/internal/jobs"
)

// ProgressStore はジョブの進捗カウンタを Redis に保存します。
// asynq のタスクには進捗を持たせられないため、タスクIDと同じキーで別に管理します。
type ProgressStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type progressRecord struct {
	Percent   int       `json:"percent"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewProgressStore は ProgressStore を作成します。
func NewProgressStore(rdb *redis.Client, prefix string, ttl time.Duration) *ProgressStore {
	return &ProgressStore{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Get は進捗を返します。記録が無ければ 0 です。
func (s *ProgressStore) Get(ctx context.Context, id jobs.JobID) (int, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	var record progressRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return 0, err
	}
	return record.Percent, nil
}

// GetMany は複数ジョブの進捗をまとめて返します。
func (s *ProgressStore) GetMany(ctx context.Context, ids []jobs.JobID) (map[jobs.JobID]int, error) {
	out := make(map[jobs.JobID]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var record progressRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode progress for job %s: %w", ids[i], err)
		}
		out[ids[i]] = record.Percent
	}
	return out, nil
}

// Set は進捗を保存します。
func (s *ProgressStore) Set(ctx context.Context, id jobs.JobID, percent int) error {
	payload, err := json.Marshal(progressRecord{
		Percent:   clampPercent(percent),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(id), payload, s.ttl).Err()
}

// Delete は進捗を削除します。
func (s *ProgressStore) Delete(ctx context.Context, ids ...jobs.JobID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *ProgressStore) key(id jobs.JobID) string {
	return s.prefix + ":progress:" + id.String()
}
