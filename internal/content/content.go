package content

import "context"

// Brief 描述一次内容生成的创作要求。
type Brief struct {
	AgentName   string            `json:"agent_name"`
	Personality string            `json:"personality"`
	Style       map[string]string `json:"style,omitempty"`
	ContentType string            `json:"content_type"`
	Theme       string            `json:"theme,omitempty"`
}

// StyleRequest 描述将授权风格应用到基底内容的请求。
type StyleRequest struct {
	BaseAssetID      string  `json:"base_asset_id"`
	StyleAssetID     string  `json:"style_asset_id"`
	StyleStrength    float64 `json:"style_strength"`
	PreserveIdentity bool    `json:"preserve_identity"`
}

// Draft 是生成服务返回的内容草稿。
type Draft struct {
	ContentURL  string         `json:"content_url"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata"`
}

// Generator 抽象了生成式内容服务。
type Generator interface {
	GenerateContent(ctx context.Context, brief Brief) (Draft, error)
	ApplyStyle(ctx context.Context, req StyleRequest) (Draft, error)
}

// Pinner 抽象了内容寻址存储的上传能力，返回 ipfs://CID 形式的引用。
type Pinner interface {
	UploadMetadata(ctx context.Context, payload map[string]any) (string, error)
}

// Gateway 聚合内容生成与元数据上传，是工作流引擎消费的内容侧能力集。
type Gateway interface {
	Generator
	Pinner
}

// Service 将生成服务与固定服务组合为一个 Gateway。
type Service struct {
	Generator
	Pinner
}

// NewService 组合生成客户端与上传客户端。
func NewService(gen Generator, pin Pinner) *Service {
	return &Service{Generator: gen, Pinner: pin}
}

var _ Gateway = (*Service)(nil)
