package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	claudeAPIBase = "https://claude.ai/api"
	claudeTimeout = 10 * time.Second
)

// Claude fetches quota utilization from the claude.ai web API using a
// browser session cookie.
type Claude struct {
	client  *http.Client
	baseURL string
}

func NewClaude() *Claude {
	return NewClaudeWithBaseURL(claudeAPIBase)
}

// NewClaudeWithBaseURL is used by tests to point at a stub server.
func NewClaudeWithBaseURL(baseURL string) *Claude {
	return &Claude{
		client:  &http.Client{Timeout: claudeTimeout},
		baseURL: baseURL,
	}
}

func (c *Claude) ID() string   { return "claude" }
func (c *Claude) Name() string { return "Claude" }

func (c *Claude) ValidateCredentials(creds Credentials) bool {
	return creds.OrgID != "" && creds.SessionKey != ""
}

// claudeUsageResponse mirrors the upstream payload. Limits with no usage
// come back with a null resets_at and are skipped.
type claudeUsageResponse struct {
	FiveHour       *claudeLimitUsage `json:"five_hour"`
	SevenDay       *claudeLimitUsage `json:"seven_day"`
	SevenDayOpus   *claudeLimitUsage `json:"seven_day_opus"`
	SevenDaySonnet *claudeLimitUsage `json:"seven_day_sonnet"`
}

type claudeLimitUsage struct {
	Utilization float64 `json:"utilization"`
	ResetsAt    *string `json:"resets_at"`
}

func (c *Claude) FetchUsage(ctx context.Context, creds Credentials) (*UsageSnapshot, error) {
	if creds.OrgID == "" {
		return nil, Errorf(KindUnknown, "missing org_id")
	}
	if creds.SessionKey == "" {
		return nil, Errorf(KindSessionExpired, "missing session_key")
	}

	url := fmt.Sprintf("%s/organizations/%s/usage", c.baseURL, creds.OrgID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Errorf(KindUnknown, "building request: %v", err)
	}
	c.setHeaders(req, creds.SessionKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeouts, DNS failures, refused connections: all network-class.
		return nil, NewError(KindNetwork, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to parsing
	case http.StatusUnauthorized:
		return nil, NewError(KindSessionExpired, errors.New("session expired, update your credentials"))
	case http.StatusForbidden:
		return nil, NewError(KindBlocked, errors.New("access blocked by edge protection"))
	case http.StatusTooManyRequests:
		return nil, NewError(KindRateLimited, errors.New("provider rate limited the request"))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, Errorf(KindUnknown, "unexpected status %d: %s", resp.StatusCode, body)
	}

	var payload claudeUsageResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, Errorf(KindUnknown, "parsing usage response: %v", err)
	}

	snap := &UsageSnapshot{
		ProviderID: c.ID(),
		CapturedAt: time.Now().UTC(),
	}
	for _, entry := range []struct {
		id, label string
		usage     *claudeLimitUsage
	}{
		{"five_hour", "5-Hour Limit", payload.FiveHour},
		{"seven_day", "Weekly Limit", payload.SevenDay},
		{"seven_day_opus", "Weekly Opus", payload.SevenDayOpus},
		{"seven_day_sonnet", "Weekly Sonnet", payload.SevenDaySonnet},
	} {
		limit, err := parseClaudeLimit(entry.id, entry.label, entry.usage)
		if err != nil {
			return nil, err
		}
		if limit != nil {
			snap.Limits = append(snap.Limits, *limit)
		}
	}
	return snap, nil
}

func parseClaudeLimit(id, label string, usage *claudeLimitUsage) (*UsageLimit, error) {
	if usage == nil || usage.ResetsAt == nil {
		return nil, nil
	}
	resetsAt, err := time.Parse(time.RFC3339, *usage.ResetsAt)
	if err != nil {
		return nil, Errorf(KindUnknown, "invalid resets_at for %s: %v", id, err)
	}
	util := usage.Utilization
	if util < 0 {
		util = 0
	}
	if util > 100 {
		util = 100
	}
	return &UsageLimit{
		ID:          id,
		Label:       label,
		Utilization: util,
		ResetsAt:    resetsAt.UTC(),
	}, nil
}

// setHeaders applies the browser-like profile the upstream edge expects.
func (c *Claude) setHeaders(req *http.Request, sessionKey string) {
	req.Header.Set("Cookie", "sessionKey="+sessionKey)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Origin", "https://claude.ai")
	req.Header.Set("Referer", "https://claude.ai/")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("anthropic-client-platform", "web_claude_ai")
	req.Header.Set("sec-fetch-dest", "empty")
	req.Header.Set("sec-fetch-mode", "cors")
	req.Header.Set("sec-fetch-site", "same-origin")
}
