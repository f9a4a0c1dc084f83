// Package lark sends clinician notifications through Lark IM.
package lark

import (
	"context"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkIm "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"go.uber.org/zap"
)

// Config holds Lark client configuration
type Config struct {
	AppID     string
	AppSecret string
	// BaseURL overrides the open platform domain, e.g. lark.FeishuBaseUrl
	BaseURL string
}

// Client wraps the Lark SDK client
type Client struct {
	client *lark.Client
	logger *zap.Logger
}

// NewClient creates a new Lark client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lark.WithOpenBaseUrl(cfg.BaseURL))
	}

	return &Client{
		client: lark.NewClient(cfg.AppID, cfg.AppSecret, opts...),
		logger: logger,
	}
}

// SendMessage sends a message and returns its message id
func (c *Client) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	req := larkIm.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(larkIm.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Build()).
		Build()

	resp, err := c.client.Im.Message.Create(ctx, req)
	if err != nil {
		c.logger.Error("Failed to send message",
			zap.String("receive_id", receiveID),
			zap.Error(err))
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	if !resp.Success() {
		c.logger.Error("API returned failure",
			zap.String("receive_id", receiveID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	return messageID, nil
}
