package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultWebhookTimeout は Webhook 1回あたりのタイムアウトです。
	DefaultWebhookTimeout = 10 * time.Second
	// DefaultWebhookBuffer はジョブごとの送信待ちの上限です。超えた分は破棄します。
	DefaultWebhookBuffer = 256

	webhookUserAgent = "AI-Workflow-Manager/1.0"
)

// WebhookPayload は Webhook の送信ボディです。
type WebhookPayload struct {
	JobID     JobID     `json:"jobId"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Kind      Kind      `json:"type"`
	Brand     Brand     `json:"brand"`
	Result    any       `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

type delivery struct {
	url    string
	update Update
}

// jobSender はジョブ1件分の送信待ちです。
type jobSender struct {
	jobID JobID
	queue chan delivery
}

// RelayOptions は Relay の設定です。
type RelayOptions struct {
	Timeout time.Duration
	Buffer  int // ジョブごとの送信待ちの上限
	Client  *http.Client
}

// Relay は進捗を呼び出し元指定のURLへ1回だけPOSTします。
// 同じジョブの通知は投入順に送り、ジョブ同士は独立に送るため、応答しない送信先が
// 他のジョブの通知を遅らせることはありません。失敗は再送せずログに残すだけです。
type Relay struct {
	client *http.Client
	logger *log.Logger
	now    func() time.Time
	buffer int

	mu        sync.Mutex
	senders   map[JobID]*jobSender
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// NewRelay は Relay を作成します。送信ゴルーチンはジョブごとに必要な間だけ動きます。
func NewRelay(opts RelayOptions, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWebhookTimeout
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultWebhookBuffer
	}
	client := &http.Client{}
	if opts.Client != nil {
		copied := *opts.Client
		client = &copied
	}
	client.Timeout = opts.Timeout

	return &Relay{
		client:  client,
		logger:  logger,
		now:     time.Now,
		buffer:  opts.Buffer,
		senders: make(map[JobID]*jobSender),
		done:    make(chan struct{}),
	}
}

// Notify は送信を予約します。ジョブの送信待ちが一杯、または停止済みの場合は破棄します。
func (r *Relay) Notify(url string, update Update) {
	if url == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Printf("webhook: relay closed, dropping job=%s status=%s", update.JobID, update.Status)
		return
	}
	s, ok := r.senders[update.JobID]
	if !ok {
		s = &jobSender{jobID: update.JobID, queue: make(chan delivery, r.buffer)}
		r.senders[update.JobID] = s
		r.wg.Add(1)
		go r.run(s)
	}
	select {
	case s.queue <- delivery{url: url, update: update}:
	default:
		r.logger.Printf("webhook: backlog full, dropping job=%s status=%s", update.JobID, update.Status)
	}
}

// Close は新規の予約を止め、予約済みの送信が終わるまで待ちます。
func (r *Relay) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		for _, s := range r.senders {
			close(s.queue)
		}
		r.mu.Unlock()
		go func() {
			r.wg.Wait()
			close(r.done)
		}()
	})
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending は送信ゴルーチンが動いているジョブの数です。
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}

// run は送信待ちが空になるまで送り、空になったら登録を外して終了します。
// Close 後はチャネルが閉じられているので、残りを送り切ってから終了します。
func (r *Relay) run(s *jobSender) {
	defer r.wg.Done()
	for {
		select {
		case d, ok := <-s.queue:
			if !ok {
				return
			}
			if err := r.Send(context.Background(), d.url, d.update); err != nil {
				r.logger.Printf("webhook: notification failed for job %s: %v", d.update.JobID, err)
			}
			continue
		default:
		}

		// Notify はロック中に投入するので、ここで空なら取りこぼしはない
		r.mu.Lock()
		if len(s.queue) == 0 && !r.closed {
			delete(r.senders, s.jobID)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

// Send は1件を同期的に送信します。失敗時は ErrDeliveryFailure を包んだエラーを返します。
func (r *Relay) Send(ctx context.Context, url string, update Update) error {
	body, err := json.Marshal(WebhookPayload{
		JobID:     update.JobID,
		Status:    update.Status,
		Progress:  update.Progress,
		Kind:      update.Kind,
		Brand:     update.Brand,
		Result:    update.Result,
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrDeliveryFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	req.Header.Set("X-Delivery-Id", uuid.NewString())

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: unexpected status %d", ErrDeliveryFailure, resp.StatusCode)
	}
	return nil
}
