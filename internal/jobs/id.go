package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JobID はジョブの外部識別子です。
// 数値として保持するため、"7" と 7 のような表記揺れは生成時点で同一キーになります。
type JobID uint64

// ParseID は文字列表現のジョブIDを正規化して返します。
// 前後の空白と先頭の 0 は無視し、正の整数以外は ErrInvalidID を返します。
func ParseID(raw string) (JobID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return JobID(n), nil
}

// String は正規化済みの10進表記を返します。
func (id JobID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Valid は採番済みのIDかどうかを返します。
func (id JobID) Valid() bool {
	return id != 0
}

// MarshalJSON は常に文字列として出力します。
func (id JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON は文字列・数値のどちらの表記も受け付けます。
func (id *JobID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	parsed, err := ParseID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
