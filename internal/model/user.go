// Package model はドメインモデルを定義する。
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// User は画像診断サービスの利用ユーザーを表す。
// Historyは追記専用で、古い順（最新が末尾）に並ぶ。
type User struct {
	ID         string
	Email      string
	Name       string
	ProfilePic string
	History    []HistoryEntry
	Version    int64 // 楽観的排他制御用。保存成功ごとに1ずつ増える
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AppendHistory は履歴の末尾にエントリを追加する。
func (u *User) AppendHistory(entry HistoryEntry) {
	u.History = append(u.History, entry)
}

// Identity は検証済みの呼び出し元を表す。パイプラインはこれを変更しない。
type Identity struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HistoryEntry は1回の診断結果を表す。
// ImageURLsにはオブジェクトストレージの恒久URLのみを含める。
type HistoryEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	ImageURLs []string        `json:"imageURLs"`
	Result    InferenceResult `json:"result"`
}

// UnmarshalJSON は構造化形式に加え、旧ドキュメントストア形式
// （date, images, predictedResult）も受け付ける。
func (e *HistoryEntry) UnmarshalJSON(data []byte) error {
	var aux struct {
		Timestamp       *time.Time      `json:"timestamp"`
		ImageURLs       []string        `json:"imageURLs"`
		Result          json.RawMessage `json:"result"`
		Date            *time.Time      `json:"date"`
		Images          []string        `json:"images"`
		PredictedResult json.RawMessage `json:"predictedResult"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	switch {
	case aux.Timestamp != nil:
		e.Timestamp = *aux.Timestamp
	case aux.Date != nil:
		e.Timestamp = *aux.Date
	}

	e.ImageURLs = aux.ImageURLs
	if len(e.ImageURLs) == 0 {
		e.ImageURLs = aux.Images
	}

	raw := aux.Result
	if len(raw) == 0 {
		raw = aux.PredictedResult
	}
	if len(raw) == 0 {
		return fmt.Errorf("history entry has no result")
	}
	return json.Unmarshal(raw, &e.Result)
}

// UnmarshalJSON は推論結果をデコードする。
// 旧形式のJSON文字列化された結果、"prediction"キー、
// 文字列で表現された数値（"1.23"）も受け付ける。
func (r *InferenceResult) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return err
		}
		return r.UnmarshalJSON([]byte(encoded))
	}

	var aux struct {
		Label          string          `json:"label"`
		Prediction     string          `json:"prediction"`
		Confidence     json.RawMessage `json:"confidence"`
		ProcessingTime json.RawMessage `json:"processingTime"`
	}
	if err := json.Unmarshal(trimmed, &aux); err != nil {
		return err
	}

	rawLabel := aux.Label
	if rawLabel == "" {
		rawLabel = aux.Prediction
	}
	label, err := ParseLabel(rawLabel)
	if err != nil {
		return err
	}

	confidence, ok, err := parseFlexFloat(aux.Confidence)
	if err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	if !ok {
		return fmt.Errorf("missing confidence")
	}

	latency, _, err := parseFlexFloat(aux.ProcessingTime)
	if err != nil {
		return fmt.Errorf("processingTime: %w", err)
	}

	*r = InferenceResult{
		Label:          label,
		Confidence:     confidence,
		LatencySeconds: latency,
	}
	return nil
}

// ParseProcessingTime は処理時間（秒）を数値または数値文字列から読み取る。
// 値が無い（空またはnull）場合はok=falseを返す。
func ParseProcessingTime(raw json.RawMessage) (float64, bool, error) {
	return parseFlexFloat(raw)
}

// parseFlexFloat は数値または数値文字列をfloat64として読み取る。
// 値が存在しない（空またはnull）場合はok=falseを返す。
// "NaN"や"Inf"のような非有限値はJSONに書き戻せないためエラーにする。
func parseFlexFloat(raw json.RawMessage) (float64, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, err
		}
		if !isFinite(v) {
			return 0, false, fmt.Errorf("non-finite number %q", s)
		}
		return v, true, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}
