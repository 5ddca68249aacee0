package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// SendText sends a plain text message to one user.
func (c *Client) SendText(ctx context.Context, openID, text string) error {
	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return c.sendMessage(ctx, openID, "text", string(content))
}

// SendCard sends an interactive card. The card is the full card JSON object.
func (c *Client) SendCard(ctx context.Context, openID string, card any) error {
	content, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	return c.sendMessage(ctx, openID, "interactive", string(content))
}

func (c *Client) sendMessage(ctx context.Context, openID, msgType, content string) error {
	body := map[string]string{
		"receive_id": openID,
		"msg_type":   msgType,
		"content":    content,
	}
	var data struct {
		MessageID string `json:"message_id"`
	}
	err := c.do(ctx, http.MethodPost, "/im/v1/messages?receive_id_type=open_id", body, &data)
	if err != nil {
		return err
	}
	c.logger.Debug("message sent", "msg_type", msgType, "message_id", data.MessageID)
	return nil
}
