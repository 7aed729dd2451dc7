package jobs

import (
	"encoding/json"
	"time"
)

// Kind はジョブの種別です。
type Kind string

const (
	KindTextGeneration  Kind = "text-generation"
	KindImageGeneration Kind = "image-generation"
	KindVideoGeneration Kind = "video-generation"
	KindModelFineTuning Kind = "model-fine-tuning"
)

// Kinds は受け付けるジョブ種別の一覧です。
var Kinds = []Kind{KindTextGeneration, KindImageGeneration, KindVideoGeneration, KindModelFineTuning}

// Valid は既知の種別かどうかを返します。
func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// Brand はジョブに付与されるブランドタグです。
type Brand string

const (
	Brand1 Brand = "Brand1"
	Brand2 Brand = "Brand2"
	Brand3 Brand = "Brand3"
)

// Brands は受け付けるブランドの一覧です。
var Brands = []Brand{Brand1, Brand2, Brand3}

// Valid は既知のブランドかどうかを返します。
func (b Brand) Valid() bool {
	for _, v := range Brands {
		if b == v {
			return true
		}
	}
	return false
}

// MaxPromptLength はプロンプトの最大文字数です。
const MaxPromptLength = 2000

// State はキュー側のネイティブな状態です。
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// AllStates は List で走査する全状態です。
var AllStates = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// Status は購読者へ通知する派生状態です。
// キューの状態に加えて queued / processing / cancelled を取ります。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal は実行の終端状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Payload は投入時のジョブデータです。リトライ時もこの内容をそのまま再投入します。
type Payload struct {
	Kind        Kind      `json:"type"`
	Brand       Brand     `json:"brand"`
	Prompt      string    `json:"prompt"`
	WebhookURL  string    `json:"webhookUrl,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	ClientIP    string    `json:"clientIp,omitempty"`
}

// ReturnValue はワーカーが完了時にキューへ記録する値です。
type ReturnValue struct {
	Result      json.RawMessage `json:"result"`
	Brand       Brand           `json:"brand"`
	Kind        Kind            `json:"type"`
	CompletedAt time.Time       `json:"completedAt"`
}

// RetryPolicy はキュー投入時の再試行方針です。
type RetryPolicy struct {
	Attempts int           // 初回実行を含む試行回数
	Backoff  time.Duration // 指数バックオフの初期値
}

// DefaultRetryPolicy は投入・リトライ時に使う標準の方針です。
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}

// QueuedJob はキューが保持しているジョブの現在値です。
type QueuedJob struct {
	ID           JobID
	State        State
	Payload      Payload
	Progress     int
	Return       *ReturnValue
	AttemptsMade int
	FailedReason string
}

// Update は進捗通知の1件分です。
type Update struct {
	JobID    JobID  `json:"jobId"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Brand    Brand  `json:"brand"`
	Kind     Kind   `json:"type"`
	Result   any    `json:"result"`
}

// Record は一覧APIで返すジョブの射影です。
type Record struct {
	JobID       JobID      `json:"jobId"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Kind        Kind       `json:"type"`
	Brand       Brand      `json:"brand"`
	Prompt      string     `json:"prompt"`
	SubmittedAt time.Time  `json:"submittedAt"`
	Result      any        `json:"result"`
	CompletedAt *time.Time `json:"completedAt"`
	WebhookURL  string     `json:"webhookUrl,omitempty"`
}
