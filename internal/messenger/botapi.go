package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/dkarpov/go-sales-bridge/internal/config"
)

// Bot API hard limits.
const (
	maxMessageLen    = 4000
	maxThreadNameLen = 120
)

// BotClient talks to a Telegram-style bot API hosting forum threads inside
// one group chat. It classifies platform responses into the package's error
// taxonomy so the governor can act on them uniformly.
type BotClient struct {
	baseURL string
	token   string
	groupID int64
	http    *http.Client
}

// NewBotClient builds a client from configuration.
func NewBotClient(cfg config.MessengerConfig) *BotClient {
	return &BotClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.BotToken,
		groupID: cfg.GroupID,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call posts a JSON payload to one bot method and decodes the envelope.
func (c *BotClient) call(ctx context.Context, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: malformed response: %w", method, err)
	}
	if out.OK {
		return &out, nil
	}
	return nil, c.classify(method, &out)
}

var retryAfterRE = regexp.MustCompile(`retry(?:_| in )(?:after )?(\d+)`)

// classify maps a failed envelope onto the error taxonomy.
func (c *BotClient) classify(method string, r *apiResponse) error {
	desc := strings.ToLower(r.Description)

	if r.ErrorCode == http.StatusTooManyRequests || strings.Contains(desc, "flood control") || strings.Contains(desc, "too many requests") {
		wait := 60
		if r.Parameters != nil && r.Parameters.RetryAfter > 0 {
			wait = r.Parameters.RetryAfter
		} else if m := retryAfterRE.FindStringSubmatch(desc); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				wait = n
			}
		}
		return &BackpressureError{RetryAfter: time.Duration(wait) * time.Second}
	}

	if strings.Contains(desc, "deleted") || strings.Contains(desc, "not found") ||
		strings.Contains(desc, "thread not") || strings.Contains(desc, "message_thread_id") ||
		strings.Contains(desc, "topic_deleted") {
		return ErrThreadNotFound
	}

	if r.ErrorCode == http.StatusUnauthorized || r.ErrorCode == http.StatusForbidden ||
		strings.Contains(desc, "bot was kicked") || strings.Contains(desc, "forbidden") {
		return &PermanentError{Reason: r.Description}
	}

	return fmt.Errorf("%s: %s (%d)", method, r.Description, r.ErrorCode)
}

// CreateThread opens a forum topic and returns its thread id.
func (c *BotClient) CreateThread(ctx context.Context, name string) (int64, error) {
	name = clipRunes(name, maxThreadNameLen)

	resp, err := c.call(ctx, "createForumTopic", map[string]any{
		"chat_id": c.groupID,
		"name":    name,
	})
	if err != nil {
		return 0, err
	}

	var topic struct {
		MessageThreadID int64 `json:"message_thread_id"`
	}
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return 0, fmt.Errorf("createForumTopic: malformed result: %w", err)
	}
	return topic.MessageThreadID, nil
}

// PostMessage posts text into a thread. Oversized text is clipped rather
// than rejected; an operator note losing its tail beats losing the note.
func (c *BotClient) PostMessage(ctx context.Context, threadID int64, text string) error {
	if utf8.RuneCountInString(text) > maxMessageLen {
		text = clipRunes(text, maxMessageLen)
		log.Debug().Int64("thread_id", threadID).Msg("message clipped to platform limit")
	}

	payload := map[string]any{
		"chat_id": c.groupID,
		"text":    text,
	}
	if threadID > 0 {
		payload["message_thread_id"] = threadID
	}
	_, err := c.call(ctx, "sendMessage", payload)
	return err
}

// EditThreadName renames a forum topic. Re-applying the stored name is the
// existence probe: ErrThreadNotFound means the topic was deleted.
func (c *BotClient) EditThreadName(ctx context.Context, threadID int64, name string) error {
	_, err := c.call(ctx, "editForumTopic", map[string]any{
		"chat_id":           c.groupID,
		"message_thread_id": threadID,
		"name":              clipRunes(name, maxThreadNameLen),
	})
	return err
}

// ReactTo attaches an emoji reaction to a message.
func (c *BotClient) ReactTo(ctx context.Context, threadID int64, messageID int64, emoji string) error {
	_, err := c.call(ctx, "setMessageReaction", map[string]any{
		"chat_id":    c.groupID,
		"message_id": messageID,
		"reaction":   []map[string]string{{"type": "emoji", "emoji": emoji}},
	})
	return err
}

// clipRunes truncates s to at most n runes, appending an ellipsis marker
// when anything was cut.
func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
