// Package generate はジョブ本体となるコンテンツ生成を提供します。
// 現状は種別ごとに固定の成果物を返すプレースホルダーです。
package generate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aiworkflow/jobhub/internal/jobs"
)

const (
	imageAsset = "images/663fc2a1da49d30b9a44e793_08t53Z_u_1IlN_1024.webp"
	videoAsset = "videos/file_example_MP4_480_1_5MG.mp4"
)

// Artifact は画像・動画ジョブの成果物です。
type Artifact struct {
	Type        string `json:"type"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Service は jobs.Generator の実装です。
type Service struct {
	assetBaseURL string
}

// NewService は成果物URLの接頭辞を指定して Service を作成します。
func NewService(assetBaseURL string) *Service {
	if assetBaseURL == "" {
		assetBaseURL = "/assets"
	}
	return &Service{assetBaseURL: strings.TrimRight(assetBaseURL, "/")}
}

// Generate は種別に応じた成果物を返します。同じ入力には常に同じ結果を返します。
func (s *Service) Generate(ctx context.Context, payload jobs.Payload) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch payload.Kind {
	case jobs.KindImageGeneration:
		return Artifact{
			Type:        "image",
			URL:         s.assetURL(imageAsset),
			Description: "Generated image for: " + payload.Prompt,
		}, nil
	case jobs.KindVideoGeneration:
		return Artifact{
			Type:        "video",
			URL:         s.assetURL(videoAsset),
			Description: "Generated video for: " + payload.Prompt,
		}, nil
	case jobs.KindTextGeneration, jobs.KindModelFineTuning:
		return fmt.Sprintf("Dummy result for %s: %s", payload.Kind, payload.Prompt), nil
	default:
		return nil, fmt.Errorf("unsupported job type: %s", payload.Kind)
	}
}

func (s *Service) assetURL(path string) string {
	return s.assetBaseURL + "/" + path
}
