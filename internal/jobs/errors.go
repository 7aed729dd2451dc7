package jobs

import "errors"

var (
	// ErrNotFound はキューにもアーカイブにもジョブが無いことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrInvalidState は現在の状態では許可されない操作であることを表します。
	ErrInvalidState = errors.New("invalid job state")
	// ErrCancelledByUser はワーカー内部でユーザーによるキャンセルを検知したことを表します。
	// キューの自動リトライ対象にしてはいけません。
	ErrCancelledByUser = errors.New("job cancelled by user")
	// ErrBodyFailure はジョブ本体の実行失敗です。キューのバックオフで再試行されます。
	ErrBodyFailure = errors.New("job body failed")
	// ErrDeliveryFailure は Webhook 送信の失敗です。ログにのみ残します。
	ErrDeliveryFailure = errors.New("webhook delivery failed")
	// ErrInvalidInput は投入内容の検証エラーです。
	ErrInvalidInput = errors.New("invalid job input")
	// ErrInvalidID は正規化できないジョブIDです。
	ErrInvalidID = errors.New("invalid job id")
	// ErrDuplicateJob は同じIDのレコードがキューに残っていることを表します。
	ErrDuplicateJob = errors.New("job id already queued")
	// ErrJobActive は実行中のため削除できないことを表します。
	ErrJobActive = errors.New("job is active")
)

// Error はジョブ操作の呼び出し元へ返す構造化エラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func notFound(id JobID) error {
	return &Error{Code: "JOB_NOT_FOUND", Message: "Job " + id.String() + " not found", Err: ErrNotFound}
}

func invalidState(message string) error {
	return &Error{Code: "INVALID_STATE", Message: message, Err: ErrInvalidState}
}
