package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "Idolly-Chain/internal/errors"
)

const defaultWebhookTimeout = 10 * time.Second

// DingTalkWebhookSender 通过钉钉机器人 webhook 发送文本消息。
type DingTalkWebhookSender struct {
	WebhookURL string
	HTTPClient *http.Client
}

var _ DingTalkSender = (*DingTalkWebhookSender)(nil)

// Send 发送文本消息到钉钉机器人。
func (s *DingTalkWebhookSender) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, s.HTTPClient, s.WebhookURL, payload)
}

// SlackWebhookSender 通过 Slack incoming webhook 发送消息。
type SlackWebhookSender struct {
	WebhookURL string
	HTTPClient *http.Client
}

var _ SlackSender = (*SlackWebhookSender)(nil)

// Send 发送消息到 Slack。incoming webhook 绑定了固定频道，
// channel 参数仅作为提示写入消息体。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]any{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return postJSON(ctx, s.HTTPClient, s.WebhookURL, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "webhook 地址为空")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 webhook 消息失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeGatewayFailure, err, "发送 webhook 请求失败",
			xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeGatewayFailure,
			fmt.Sprintf("webhook 返回 %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}
	return nil
}
