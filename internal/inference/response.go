package inference

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/crispcolon/internal/model"
)

// predictResponse は推論サービスの応答ボディ。
// 履歴の旧形式と違い、JSON文字列化された結果や文字列の信頼度は受け付けない。
// 処理時間だけは旧サービスが文字列で返すため数値文字列も許す。
type predictResponse struct {
	Label          string          `json:"label"`
	Prediction     string          `json:"prediction"`
	Confidence     *float64        `json:"confidence"`
	ProcessingTime json.RawMessage `json:"processingTime"`
}

// decodePrediction は応答ボディを検証済みのInferenceResultに変換する。
// processingTimeが無い場合に限り、計測した往復時間で補う（0は有効な値として扱う）。
func decodePrediction(body []byte, measured time.Duration) (model.InferenceResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.InferenceResult{}, errors.New("body is not a JSON object")
	}

	var resp predictResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return model.InferenceResult{}, fmt.Errorf("decode: %w", err)
	}

	rawLabel := resp.Label
	if rawLabel == "" {
		rawLabel = resp.Prediction
	}
	label, err := model.ParseLabel(rawLabel)
	if err != nil {
		return model.InferenceResult{}, err
	}
	if resp.Confidence == nil {
		return model.InferenceResult{}, errors.New("missing confidence")
	}

	latency, ok, err := model.ParseProcessingTime(resp.ProcessingTime)
	if err != nil {
		return model.InferenceResult{}, fmt.Errorf("processingTime: %w", err)
	}
	if !ok {
		latency = measured.Seconds()
	}

	result := model.InferenceResult{
		Label:          label,
		Confidence:     *resp.Confidence,
		LatencySeconds: latency,
	}
	if err := result.Validate(); err != nil {
		return model.InferenceResult{}, err
	}
	return result, nil
}
