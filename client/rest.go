package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/nexus-im/kindred/store/message"
)

// APIError is a rejection reported by the server.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// REST is a client for the /api fallback surface.
type REST struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewREST creates a REST client. A nil hc gets a 15s timeout client.
func NewREST(baseURL, token string, hc *http.Client) *REST {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &REST{baseURL: baseURL, token: token, hc: hc}
}

// SendMessage posts a message. duplicate is set when the server replayed an
// earlier send with the same token.
func (r *REST) SendMessage(ctx context.Context, conversationID, content, clientMessageID string) (msg *message.Message, duplicate bool, err error) {
	body := map[string]string{
		"conversationId":  conversationID,
		"content":         content,
		"clientMessageId": clientMessageID,
	}
	msg = &message.Message{}
	status, err := r.do(ctx, http.MethodPost, "/api/messages", body, msg)
	if err != nil {
		return nil, false, err
	}
	return msg, status == http.StatusOK, nil
}

// ListMessages fetches a newest-first page older than before. A zero before
// fetches the latest page.
func (r *REST) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]*message.Message, bool, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/messages/" + url.PathEscape(conversationID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page struct {
		Messages []*message.Message `json:"messages"`
		HasMore  bool               `json:"hasMore"`
	}
	if _, err := r.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, false, err
	}
	return page.Messages, page.HasMore, nil
}

// MarkDelivered batch-marks messages as delivered to the caller.
func (r *REST) MarkDelivered(ctx context.Context, ids []string) ([]message.Receipt, error) {
	var out struct {
		Receipts []message.Receipt `json:"receipts"`
	}
	if _, err := r.do(ctx, http.MethodPost, "/api/messages/delivered/batch", map[string][]string{"messageIds": ids}, &out); err != nil {
		return nil, err
	}
	return out.Receipts, nil
}

func (r *REST) MarkRead(ctx context.Context, conversationID string) error {
	_, err := r.do(ctx, http.MethodPut, "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
	return err
}

func (r *REST) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, errors.Wrapf(err, "decode %s %s", method, path)
	}
	return resp.StatusCode, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error struct {
			Code         string `json:"code"`
			Message      string `json:"message"`
			RetryAfterMs int64  `json:"retryAfterMs"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		apiErr.RetryAfter = time.Duration(body.Error.RetryAfterMs) * time.Millisecond
	}
	return apiErr
}
