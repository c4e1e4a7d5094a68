package model

import (
	"fmt"
	"math"
	"strings"
)

// Label は推論結果の分類ラベル。
type Label string

const (
	LabelPositive Label = "Positive"
	LabelNegative Label = "Negative"
)

// ParseLabel は推論サービスや旧データのラベル表記をLabelに正規化する。
// 大文字小文字は区別しない。"Cancerous"/"Non-cancerous"は旧サービスの表記。
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "cancerous":
		return LabelPositive, nil
	case "negative", "non-cancerous", "noncancerous":
		return LabelNegative, nil
	default:
		return "", fmt.Errorf("unrecognized label %q", s)
	}
}

// InferenceResult は推論サービスの結果を正規化したもの。生成後は変更しない。
type InferenceResult struct {
	Label          Label   `json:"label"`
	Confidence     float64 `json:"confidence"`
	LatencySeconds float64 `json:"processingTime"`
}

// Validate はラベルと信頼度が契約の範囲内かを検証する。
// 範囲外の値を丸めることはしない。
func (r InferenceResult) Validate() error {
	if r.Label != LabelPositive && r.Label != LabelNegative {
		return fmt.Errorf("unrecognized label %q", r.Label)
	}
	// NaNは比較がすべてfalseになるため範囲判定の前に弾く
	if !isFinite(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range [0,1]", r.Confidence)
	}
	if !isFinite(r.LatencySeconds) || r.LatencySeconds < 0 {
		return fmt.Errorf("processing time %v is not a finite non-negative number", r.LatencySeconds)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
