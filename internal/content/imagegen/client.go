package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Idolly-Chain/internal/content"
)

const defaultTimeout = 60 * time.Second

// Config 描述调用内容生成服务所需的信息。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 通过 HTTP 调用图像/文本生成服务。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建生成服务客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未配置内容生成服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// GenerateContent 调用生成服务产出新内容。
func (c *Client) GenerateContent(ctx context.Context, brief content.Brief) (content.Draft, error) {
	if strings.TrimSpace(brief.AgentName) == "" {
		return content.Draft{}, errors.New("创作要求缺少角色名称")
	}
	return c.post(ctx, "/v1/generate", brief)
}

// ApplyStyle 调用生成服务将授权风格应用到基底内容。
func (c *Client) ApplyStyle(ctx context.Context, req content.StyleRequest) (content.Draft, error) {
	if strings.TrimSpace(req.StyleAssetID) == "" {
		return content.Draft{}, errors.New("缺少风格资产 ID")
	}
	if req.StyleStrength <= 0 || req.StyleStrength > 1 {
		req.StyleStrength = 0.7
	}
	return c.post(ctx, "/v1/style", req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (content.Draft, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return content.Draft{}, fmt.Errorf("编码生成请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return content.Draft{}, fmt.Errorf("构建生成请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return content.Draft{}, fmt.Errorf("请求生成服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return content.Draft{}, fmt.Errorf("生成服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var draft content.Draft
	if err := json.NewDecoder(resp.Body).Decode(&draft); err != nil {
		return content.Draft{}, fmt.Errorf("解析生成结果失败: %w", err)
	}
	if strings.TrimSpace(draft.ContentURL) == "" {
		return content.Draft{}, errors.New("生成服务未返回内容地址")
	}
	return draft, nil
}

var _ content.Generator = (*Client)(nil)
