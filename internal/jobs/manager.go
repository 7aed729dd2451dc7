package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// markup はタグをすべて取り除き、script と style は中身ごと捨てるポリシーです。
var markup = bluemonday.StrictPolicy()

// Sanitize がテキストに付ける実体参照のうち、< と > 以外を元に戻す
var plainText = strings.NewReplacer("&amp;", "&", "&#34;", `"`, "&#39;", "'")

// Queue はジョブを保持する永続キューです。
// Lookup はレコードが無い場合 (nil, nil) を返します。
// Remove は実行中などで削除できない場合にエラーを返しますが、呼び出し側は致命的に扱いません。
type Queue interface {
	NextID(ctx context.Context) (JobID, error)
	Enqueue(ctx context.Context, id JobID, payload Payload, policy RetryPolicy) error
	Lookup(ctx context.Context, id JobID) (*QueuedJob, error)
	List(ctx context.Context, states ...State) ([]*QueuedJob, error)
	Remove(ctx context.Context, id JobID) error
}

// SubmitRequest はジョブ投入の入力です。
type SubmitRequest struct {
	Kind       Kind
	Brand      Brand
	Prompt     string
	WebhookURL string
	ClientIP   string
}

// Normalize はプロンプトからHTMLを取り除き、前後の空白を取り除いたコピーを返します。
// プロンプトは結果や Webhook にそのまま載るため、タグは残しません。
func (r SubmitRequest) Normalize() SubmitRequest {
	r.Prompt = stripMarkup(r.Prompt)
	r.WebhookURL = strings.TrimSpace(r.WebhookURL)
	return r
}

func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<>&") {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(plainText.Replace(markup.Sanitize(s)))
}

// Validate は入力の問題点を列挙します。問題が無ければ nil を返します。
func (r SubmitRequest) Validate() []string {
	var details []string
	if !r.Kind.Valid() {
		details = append(details, fmt.Sprintf("type must be one of %v", Kinds))
	}
	if !r.Brand.Valid() {
		details = append(details, fmt.Sprintf("brand must be one of %v", Brands))
	}
	switch n := utf8.RuneCountInString(r.Prompt); {
	case n == 0:
		details = append(details, "prompt is required")
	case n > MaxPromptLength:
		details = append(details, fmt.Sprintf("prompt must be at most %d characters", MaxPromptLength))
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			details = append(details, "webhookUrl must be an http or https URL")
		}
	}
	return details
}

// Submission は投入結果です。
type Submission struct {
	JobID       JobID     `json:"jobId"`
	Status      Status    `json:"status"`
	Progress    int       `json:"progress"`
	Kind        Kind      `json:"type"`
	Brand       Brand     `json:"brand"`
	Prompt      string    `json:"prompt"`
	SubmittedAt time.Time `json:"submittedAt"`
	WebhookURL  string    `json:"webhookUrl,omitempty"`
}

// ListFilter は一覧の絞り込み条件です。
type ListFilter struct {
	Brand            Brand // 完全一致。空なら絞り込まない
	IncludeCancelled bool  // キューから消えたキャンセル済みジョブも含める
}

// CancelOutcome はキャンセル要求の結果です。
type CancelOutcome string

const (
	// CancelRequested は実行中のため次のチェックポイントで止まることを表します。
	CancelRequested CancelOutcome = "requested"
	// CancelCompleted は即時にキャンセルされたことを表します。
	CancelCompleted CancelOutcome = "cancelled"
	// CancelAlreadyDone は以前のキャンセルでキューから削除済みであることを表します。
	CancelAlreadyDone CancelOutcome = "already-cancelled"
)

// RetryOutcome はリトライ結果です。
type RetryOutcome struct {
	JobID  JobID  `json:"jobId"`
	Status Status `json:"status"`
}

// Manager はジョブの投入・一覧・キャンセル・リトライと購読を担います。
type Manager struct {
	queue    Queue
	registry *Registry
	hub      *Hub
	policy   RetryPolicy
	logger   *log.Logger
	now      func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(queue Queue, registry *Registry, hub *Hub, policy RetryPolicy, logger *log.Logger) (*Manager, error) {
	if queue == nil {
		return nil, errors.New("queue is nil")
	}
	if registry == nil {
		return nil, errors.New("registry is nil")
	}
	if hub == nil {
		return nil, errors.New("hub is nil")
	}
	if policy.Attempts <= 0 {
		policy = DefaultRetryPolicy
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		queue:    queue,
		registry: registry,
		hub:      hub,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Submit はジョブを新しいIDでキューに投入します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	req = req.Normalize()
	if details := req.Validate(); len(details) > 0 {
		return nil, &Error{Code: "VALIDATION_ERROR", Message: strings.Join(details, "; "), Err: ErrInvalidInput}
	}

	id, err := m.queue.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate job id: %w", err)
	}
	payload := Payload{
		Kind:        req.Kind,
		Brand:       req.Brand,
		Prompt:      req.Prompt,
		WebhookURL:  req.WebhookURL,
		SubmittedAt: m.now().UTC(),
		ClientIP:    req.ClientIP,
	}
	if err := m.queue.Enqueue(ctx, id, payload, m.policy); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	return &Submission{
		JobID:       id,
		Status:      StatusQueued,
		Progress:    0,
		Kind:        payload.Kind,
		Brand:       payload.Brand,
		Prompt:      payload.Prompt,
		SubmittedAt: payload.SubmittedAt,
		WebhookURL:  payload.WebhookURL,
	}, nil
}

// List はキューが保持する全ジョブを新しい順に返します。
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]Record, error) {
	queued, err := m.queue.List(ctx, AllStates...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	seen := make(map[JobID]struct{}, len(queued))
	records := make([]Record, 0, len(queued))
	for _, q := range queued {
		seen[q.ID] = struct{}{}
		if filter.Brand != "" && q.Payload.Brand != filter.Brand {
			continue
		}
		records = append(records, m.project(q))
	}

	if filter.IncludeCancelled {
		for _, id := range m.registry.ArchivedIDs() {
			if _, ok := seen[id]; ok || !m.registry.IsCancelled(id) {
				continue
			}
			payload, ok := m.registry.Archived(id)
			if !ok || (filter.Brand != "" && payload.Brand != filter.Brand) {
				continue
			}
			records = append(records, m.project(&QueuedJob{ID: id, State: StateFailed, Payload: payload}))
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].JobID > records[j].JobID })
	return records, nil
}

// Cancel はジョブをキャンセルします。
// 実行中のジョブにはフラグだけを立て、終端の通知はワーカーが次のチェックポイントで行います。
func (m *Manager) Cancel(ctx context.Context, id JobID) (CancelOutcome, error) {
	q, err := m.queue.Lookup(ctx, id)
	if err != nil {
		return "", fmt.Errorf("lookup job %s: %w", id, err)
	}
	if q == nil {
		if _, ok := m.registry.Archived(id); ok && m.registry.IsCancelled(id) {
			return CancelAlreadyDone, nil
		}
		return "", notFound(id)
	}

	switch q.State {
	case StateCompleted, StateFailed:
		return "", invalidState("Cannot cancel completed or failed job")
	}

	m.registry.Archive(id, q.Payload)
	m.registry.MarkCancelled(id)

	switch q.State {
	case StateActive:
		return CancelRequested, nil
	case StateWaiting, StateDelayed:
		if err := m.queue.Remove(ctx, id); err != nil {
			// 確認後にワーカーが取り出した場合は実行中と同じ扱い
			if errors.Is(err, ErrJobActive) {
				return CancelRequested, nil
			}
			m.logger.Printf("cancel: could not remove job %s from queue: %v", id, err)
		}
	}

	m.hub.Broadcast(id, Update{
		JobID:  id,
		Status: StatusCancelled,
		Brand:  q.Payload.Brand,
		Kind:   q.Payload.Kind,
	}, q.Payload.WebhookURL)
	return CancelCompleted, nil
}

// Retry は失敗またはキャンセルされたジョブを同じIDで再投入します。
func (m *Manager) Retry(ctx context.Context, id JobID) (*RetryOutcome, error) {
	q, err := m.queue.Lookup(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup job %s: %w", id, err)
	}
	cancelled := m.registry.IsCancelled(id)

	var payload Payload
	if q == nil {
		archived, ok := m.registry.Archived(id)
		if !ok {
			return nil, notFound(id)
		}
		payload = archived
	} else {
		if q.State != StateFailed && !cancelled {
			return nil, invalidState("Can only retry failed or cancelled jobs")
		}
		// キャンセル要求済みでもワーカーが観測するまでは実行中のまま
		if q.State == StateActive {
			return nil, invalidState("Job is still stopping; retry after the cancellation takes effect")
		}
		payload = q.Payload
		if err := m.queue.Remove(ctx, id); err != nil {
			m.logger.Printf("retry: could not remove old job %s: %v", id, err)
		}
	}

	m.registry.Clear(id)
	if err := m.queue.Enqueue(ctx, id, payload, m.policy); err != nil {
		// 並行したリトライが先に投入済み。フラグを戻すと新しい実行がキャンセルされる
		if q == nil && errors.Is(err, ErrDuplicateJob) {
			return nil, invalidState("Job is already queued")
		}
		// 旧レコードは削除済みの可能性があるので、次のリトライ用にデータを残す
		m.registry.Archive(id, payload)
		if cancelled {
			m.registry.MarkCancelled(id)
		}
		return nil, fmt.Errorf("re-enqueue job %s: %w", id, err)
	}

	m.hub.Broadcast(id, Update{
		JobID:  id,
		Status: StatusQueued,
		Brand:  payload.Brand,
		Kind:   payload.Kind,
	}, payload.WebhookURL)
	return &RetryOutcome{JobID: id, Status: StatusQueued}, nil
}

// Subscribe は進捗の購読を開始し、既知のジョブであれば現在の状態を1件送ります。
func (m *Manager) Subscribe(ctx context.Context, id JobID) (*Subscription, error) {
	sub := m.hub.Subscribe(id)

	q, err := m.queue.Lookup(ctx, id)
	if err != nil {
		m.logger.Printf("subscribe: lookup job %s: %v", id, err)
		return sub, nil
	}
	switch {
	case q != nil:
		rec := m.project(q)
		m.hub.Send(sub, Update{
			JobID:    id,
			Status:   rec.Status,
			Progress: rec.Progress,
			Brand:    rec.Brand,
			Kind:     rec.Kind,
			Result:   rec.Result,
		})
	case m.registry.IsCancelled(id):
		if payload, ok := m.registry.Archived(id); ok {
			m.hub.Send(sub, Update{JobID: id, Status: StatusCancelled, Brand: payload.Brand, Kind: payload.Kind})
		}
	}
	return sub, nil
}

// Unsubscribe は購読を終了します。
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.hub.Unsubscribe(sub)
}

// project はキューの状態にキャンセル状態と戻り値を重ねた射影を作ります。
// 完了済みのジョブは結果を持っているため、キャンセル要求が間に合わなかった場合も completed のままにします。
func (m *Manager) project(q *QueuedJob) Record {
	status := Status(q.State)
	if q.State != StateCompleted && m.registry.IsCancelled(q.ID) {
		status = StatusCancelled
	}
	rec := Record{
		JobID:       q.ID,
		Status:      status,
		Progress:    q.Progress,
		Kind:        q.Payload.Kind,
		Brand:       q.Payload.Brand,
		Prompt:      q.Payload.Prompt,
		SubmittedAt: q.Payload.SubmittedAt,
		WebhookURL:  q.Payload.WebhookURL,
	}
	if status == StatusCancelled {
		rec.Progress = 0
	}
	if q.Return != nil {
		rec.Result = decodeResult(q.Return.Result)
		completedAt := q.Return.CompletedAt
		rec.CompletedAt = &completedAt
	}
	return rec
}

func decodeResult(raw json.RawMessage) any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return raw
}
