package rest

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mvribeiro/wayfarer/internal/model"
)

// ListMessages fetches one history page for a conversation. The server
// pages newest first; before narrows the page to messages older than
// the given instant.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]model.Message, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		params.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	var msgs []model.Message
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.get(ctx, path, params, &msgs); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", conversationID, err)
	}
	return msgs, nil
}

// Upload is the attachment content handed to SendMessage.
type Upload struct {
	Name   string
	Mime   string
	Size   int64
	Reader io.Reader
}

// SendMessage delivers a message over REST. This is the required path
// for attachment sends (the live channel is text/event oriented only)
// and the fallback for text sends. The server echoes clientID back so
// the optimistic entry can be reconciled.
func (c *Client) SendMessage(ctx context.Context, conversationID, clientID, content string, upload *Upload) (*model.Message, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"

	var msg model.Message
	if upload == nil {
		body := map[string]string{"clientId": clientID, "content": content}
		if err := c.post(ctx, path, body, &msg); err != nil {
			return nil, fmt.Errorf("send message: %w", err)
		}
		return &msg, nil
	}

	// Multipart: message fields plus exactly one file part.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeMultipart(mw, clientID, content, upload)
		_ = mw.Close()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, pr)
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.do(req, &msg); err != nil {
		return nil, fmt.Errorf("send message with attachment: %w", err)
	}
	return &msg, nil
}

func writeMultipart(mw *multipart.Writer, clientID, content string, upload *Upload) error {
	if err := mw.WriteField("clientId", clientID); err != nil {
		return err
	}
	if content != "" {
		if err := mw.WriteField("content", content); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", upload.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, upload.Reader); err != nil {
		return fmt.Errorf("stream attachment: %w", err)
	}
	return nil
}

// DeleteMessage removes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	if err := c.delete(ctx, "/api/messages/"+url.PathEscape(messageID)); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	return nil
}
