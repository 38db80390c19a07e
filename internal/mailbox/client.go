// Package mailbox reads the mailbox that platforms send challenge codes and
// review correspondence to, through the MailHog HTTP api.
package mailbox

import (
	"context"
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/htmlutil"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/components/textutil"
	"reviewtrail/internal/session"
	"reviewtrail/internal/timeline"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jordan-wright/email"
	"golang.org/x/time/rate"
)

const (
	report_client_search     = "client.search"
	report_client_parse      = "client.parse"
	report_client_fetch_code = "client.fetch-code"
)

type Config struct {
	BaseURL      string        `json:"base_url"`
	PollInterval time.Duration `json:"-"`
	// CodePattern extracts the challenge code, the first submatch is used when present.
	CodePattern   string  `json:"code_pattern"`
	RatePerSecond float64 `json:"rate_per_second"`
	PageSize      int     `json:"page_size"`
	// MaxPages bounds how far back a search pages through results.
	MaxPages int `json:"max_pages"`
}

type Client struct {
	http        *resty.Client
	tel         telemetry.API
	parsed      *expirable.LRU[string, timeline.Message]
	codePattern *regexp.Regexp
	config      Config
}

func NewClient(config Config, tel telemetry.API) (*Client, error) {
	assert.NotEmptyStr(config.BaseURL)
	assert.NotNil(tel)

	tel = telemetry.NewScopedAPI("mailbox", tel)

	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.CodePattern == "" {
		config.CodePattern = `\b(\d{6})\b`
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 4
	}
	if config.PageSize <= 0 {
		config.PageSize = 50
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 20
	}

	codePattern, err := regexp.Compile(config.CodePattern)
	if err != nil {
		return nil, fmt.Errorf("code pattern: %w", err)
	}

	client := resty.New()
	client.SetBaseURL(config.BaseURL)
	client.SetTimeout(15 * time.Second)
	client.SetHeader("accept", "application/json")

	rateLimiter := rate.NewLimiter(rate.Limit(config.RatePerSecond), 2)
	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(client, tel)

	return &Client{
		http:        client,
		tel:         tel,
		parsed:      expirable.NewLRU[string, timeline.Message](2048, nil, 30*time.Minute),
		codePattern: codePattern,
		config:      config,
	}, nil
}

// search pages through every message matching query, kind is one of "from",
// "to" or "containing".
func (c *Client) search(ctx context.Context, kind, query string) ([]timeline.Message, error) {
	var messages []timeline.Message
	start := 0
	for page := 0; page < c.config.MaxPages; page++ {
		var res searchResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"kind":  kind,
				"query": query,
				"start": strconv.Itoa(start),
				"limit": strconv.Itoa(c.config.PageSize),
			}).
			SetResult(&res).
			Get("/api/v2/search")
		if err != nil {
			c.tel.ReportBroken(report_client_search, fmt.Errorf("fetch: %w", err), kind, query)
			return nil, err
		}
		if resp.IsError() {
			err := fmt.Errorf("search %s=%s: unexpected status %s", kind, query, resp.Status())
			c.tel.ReportBroken(report_client_search, err)
			return nil, err
		}

		for _, item := range res.Items {
			msg, err := c.parse(item)
			if err != nil {
				c.tel.ReportWarning(report_client_parse, err, item.ID)
				continue
			}
			messages = append(messages, msg)
		}

		start += len(res.Items)
		if len(res.Items) == 0 || start >= res.Total {
			break
		}
	}
	return messages, nil
}

func (c *Client) parse(item messageItem) (timeline.Message, error) {
	if msg, ok := c.parsed.Get(item.ID); ok {
		return msg, nil
	}

	parsed, err := email.NewEmailFromReader(strings.NewReader(item.Raw.Data))
	if err != nil {
		return timeline.Message{}, fmt.Errorf("parse %s: %w", item.ID, err)
	}

	received := item.Created
	if date := parsed.Headers.Get("Date"); date != "" {
		sent, err := mail.ParseDate(date)
		if err == nil && received.IsZero() {
			received = sent
		}
	}

	body := string(parsed.Text)
	if strings.TrimSpace(body) == "" {
		text, err := htmlutil.DocumentText(string(parsed.HTML))
		if err != nil {
			c.tel.ReportWarning(report_client_parse, "unreadable html body", item.ID, err)
		}
		body = textutil.CollapseSpace(text)
	}

	to := parsed.To
	if len(to) == 0 {
		to = item.Raw.To
	}
	from := parsed.From
	if from == "" {
		from = item.Raw.From
	}

	msg := timeline.Message{
		ID:      item.ID,
		Time:    received.UTC(),
		From:    from,
		To:      to,
		Subject: parsed.Subject,
		Body:    body,
	}
	c.parsed.Add(item.ID, msg)
	return msg, nil
}

func filterAfter(messages []timeline.Message, after time.Time) []timeline.Message {
	var out []timeline.Message
	for _, msg := range messages {
		if !msg.Time.Before(after) {
			out = append(out, msg)
		}
	}
	return out
}

// Search implements timeline.MessageSource.
func (c *Client) Search(ctx context.Context, query string, after time.Time) ([]timeline.Message, error) {
	messages, err := c.search(ctx, "containing", query)
	if err != nil {
		return nil, err
	}
	messages = filterAfter(messages, after)
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Time.Before(messages[j].Time)
	})
	return messages, nil
}

// FetchCode implements session.ChallengeResolver. It polls the mailbox of
// account until a message received at or after `after` carries a code.
func (c *Client) FetchCode(ctx context.Context, account session.Account, after time.Time, timeout time.Duration) (string, error) {
	assert.NotEmptyStr(account.Email)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		messages, err := c.search(ctx, "to", account.Email)
		if err == nil {
			code, ok := c.newestCode(filterAfter(messages, after))
			if ok {
				return code, nil
			}
		}

		select {
		case <-ctx.Done():
			c.tel.ReportWarning(report_client_fetch_code, account.Key(), after)
			return "", fmt.Errorf("%s after %s: %w", account.Email, after.Format(time.RFC3339), session.ErrCodeNotFound)
		case <-ticker.C:
		}
	}
}

func (c *Client) newestCode(messages []timeline.Message) (string, bool) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Time.After(messages[j].Time)
	})
	for _, msg := range messages {
		match := c.codePattern.FindStringSubmatch(msg.Subject + "\n" + msg.Body)
		if match == nil {
			continue
		}
		if len(match) > 1 {
			return match[1], true
		}
		return match[0], true
	}
	return "", false
}
