package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"Idolly-Chain/internal/content"
)

const (
	pinataBaseURL  = "https://api.pinata.cloud"
	defaultTimeout = 30 * time.Second
)

// Config 描述元数据上传客户端的配置。提供 PinataJWT 时走 Pinata 托管服务，
// 否则回退到本地 IPFS 节点的 HTTP API。
type Config struct {
	PinataJWT  string
	NodeAPIURL string
	Timeout    time.Duration
}

// Client 将 JSON 元数据固定到内容寻址存储并返回 ipfs://CID 引用。
type Client struct {
	pinataJWT  string
	nodeAPIURL string
	httpClient *http.Client
}

// NewClient 创建上传客户端。
func NewClient(cfg Config) (*Client, error) {
	jwt := strings.TrimSpace(cfg.PinataJWT)
	node := strings.TrimRight(strings.TrimSpace(cfg.NodeAPIURL), "/")
	if jwt == "" && node == "" {
		return nil, errors.New("未配置 Pinata JWT 或本地 IPFS 节点地址")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		pinataJWT:  jwt,
		nodeAPIURL: node,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// UploadMetadata 上传 JSON 元数据，返回内容引用。
func (c *Client) UploadMetadata(ctx context.Context, payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "", errors.New("元数据不能为空")
	}
	if c.pinataJWT != "" {
		return c.uploadToPinata(ctx, payload)
	}
	return c.uploadToNode(ctx, payload)
}

func (c *Client) uploadToPinata(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"pinataContent": payload})
	if err != nil {
		return "", fmt.Errorf("编码元数据失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pinataBaseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("构建 Pinata 请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.pinataJWT)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求 Pinata 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("Pinata 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 Pinata 响应失败: %w", err)
	}
	if decoded.IpfsHash == "" {
		return "", errors.New("Pinata 未返回 CID")
	}
	return "ipfs://" + decoded.IpfsHash, nil
}

func (c *Client) uploadToNode(ctx context.Context, payload map[string]any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("编码元数据失败: %w", err)
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("file", "metadata.json")
	if err != nil {
		return "", fmt.Errorf("构建上传表单失败: %w", err)
	}
	if _, err := part.Write(encoded); err != nil {
		return "", fmt.Errorf("写入上传表单失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("关闭上传表单失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.nodeAPIURL+"/api/v0/add?pin=true", &form)
	if err != nil {
		return "", fmt.Errorf("构建 IPFS 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求 IPFS 节点失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("IPFS 节点返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 IPFS 响应失败: %w", err)
	}
	if decoded.Hash == "" {
		return "", errors.New("IPFS 节点未返回 CID")
	}
	return "ipfs://" + decoded.Hash, nil
}

var _ content.Pinner = (*Client)(nil)
