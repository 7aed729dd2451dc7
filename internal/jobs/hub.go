package jobs

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
)

// DefaultSubscriptionBuffer は購読者ごとの未送信メッセージの上限です。
const DefaultSubscriptionBuffer = 64

var (
	errSubscriptionClosed = errors.New("subscription closed")
	errSubscriberLagging  = errors.New("subscriber buffer full")
)

// Notifier はプロセス外への通知（Webhook）を表します。
// Notify は呼び出し元をブロックしてはいけません。
type Notifier interface {
	Notify(url string, update Update)
}

// Subscription はジョブ1件に紐づく購読チャネルです。
type Subscription struct {
	id    uint64
	jobID JobID

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// JobID は購読対象のジョブIDを返します。
func (s *Subscription) JobID() JobID {
	return s.jobID
}

// Messages はJSONエンコード済みのメッセージを受け取るチャネルです。
// 購読が解除されると閉じられます。
func (s *Subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *Subscription) deliver(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriptionClosed
	}
	select {
	case s.ch <- msg:
		return nil
	default:
		return errSubscriberLagging
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

type connectedMessage struct {
	Type  string `json:"type"`
	JobID JobID  `json:"jobId"`
}

// Hub はジョブごとの購読者へ進捗を配信します。
// 配信に失敗した購読者は登録から外し、購読者がいなくなったジョブのエントリは削除します。
type Hub struct {
	mu       sync.RWMutex
	subs     map[JobID]map[uint64]*Subscription
	nextID   atomic.Uint64
	buffer   int
	notifier Notifier
	logger   *log.Logger
}

// NewHub は Hub を作成します。notifier は nil でも構いません。
func NewHub(notifier Notifier, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subs:     make(map[JobID]map[uint64]*Subscription),
		buffer:   DefaultSubscriptionBuffer,
		notifier: notifier,
		logger:   logger,
	}
}

// Subscribe は購読を登録し、最初のメッセージとして connected を積みます。
func (h *Hub) Subscribe(jobID JobID) *Subscription {
	sub := &Subscription{
		id:    h.nextID.Add(1),
		jobID: jobID,
		ch:    make(chan []byte, h.buffer),
	}
	if msg, err := json.Marshal(connectedMessage{Type: "connected", JobID: jobID}); err == nil {
		_ = sub.deliver(msg)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[uint64]*Subscription)
		h.subs[jobID] = set
	}
	set[sub.id] = sub
	return sub
}

// Unsubscribe は購読を解除してチャネルを閉じます。
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) removeLocked(sub *Subscription) {
	set, ok := h.subs[sub.jobID]
	if !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
	}
}

// Send は特定の購読者1件にだけ update を届けます（接続直後のスナップショット用）。
func (h *Hub) Send(sub *Subscription, update Update) {
	msg, err := json.Marshal(update)
	if err != nil {
		h.logger.Printf("hub: encode update job=%s: %v", update.JobID, err)
		return
	}
	if err := sub.deliver(msg); err != nil {
		h.drop(sub, err)
	}
}

// Broadcast は jobID の全購読者へ update を配信し、webhookURL があれば続けて通知を依頼します。
// 通知側の遅延や失敗はプロセス内の配信に影響しません。
func (h *Hub) Broadcast(jobID JobID, update Update, webhookURL string) {
	msg, err := json.Marshal(update)
	if err != nil {
		h.logger.Printf("hub: encode update job=%s: %v", jobID, err)
	} else {
		h.mu.RLock()
		targets := make([]*Subscription, 0, len(h.subs[jobID]))
		for _, sub := range h.subs[jobID] {
			targets = append(targets, sub)
		}
		h.mu.RUnlock()

		for _, sub := range targets {
			if err := sub.deliver(msg); err != nil {
				h.drop(sub, err)
			}
		}
	}

	if webhookURL != "" && h.notifier != nil {
		h.notifier.Notify(webhookURL, update)
	}
}

func (h *Hub) drop(sub *Subscription, cause error) {
	h.logger.Printf("hub: dropping subscriber job=%s: %v", sub.jobID, cause)
	h.Unsubscribe(sub)
}

// Subscribers は jobID の現在の購読者数を返します。
func (h *Hub) Subscribers(jobID JobID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Jobs は購読者が1件以上いるジョブの数を返します。
func (h *Hub) Jobs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
