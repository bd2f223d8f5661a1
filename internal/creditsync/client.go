package creditsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/metrics"
	internalsettings "github.com/router-for-me/CLIProxyCredits/internal/settings"
	"github.com/router-for-me/CLIProxyCredits/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	resetPath           = "/v1/credits/reset"
	defaultTimeout      = 10 * time.Second
	maxResponseBodySize = 64 << 10
	maxErrorBodyBytes   = 256
)

// Result reports the outcome of one push. Failures are values, never errors.
type Result struct {
	Success    bool   `json:"success"`
	Disabled   bool   `json:"disabled,omitempty"` // No push was attempted; not a failure.
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
}

// Syncer pushes a key's post-reset balance to the external credit cache.
type Syncer interface {
	Sync(ctx context.Context, apiKey string, remainingCredits int64, lastResetAt *time.Time) Result
}

type resetRequest struct {
	APIKey             string  `json:"api_key"`
	RemainingCredits   int64   `json:"remaining_credits"`
	LastResetCreditsAt *string `json:"last_reset_credits_at,omitempty"`
}

type resetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client talks to the external credit cache over HTTP.
type Client struct {
	baseURL    string
	timeout    time.Duration
	location   *time.Location
	httpClient *http.Client
}

// NewClient constructs a Client. An empty baseURL yields a client whose pushes always
// report "credits sync disabled".
func NewClient(baseURL string, timeout time.Duration, loc *time.Location) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout:    timeout,
		location:   loc,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether pushes reach the network.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != "" && internalsettings.Bool(internalsettings.CreditsSyncEnabledKey, internalsettings.DefaultCreditsSyncEnabled)
}

// Sync posts {api_key, remaining_credits, last_reset_credits_at} and succeeds only on
// HTTP 200 with "success": true in the body.
func (c *Client) Sync(ctx context.Context, apiKey string, remainingCredits int64, lastResetAt *time.Time) Result {
	if !c.Enabled() {
		return Result{Disabled: true, Message: "credits sync disabled"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res := c.post(ctx, apiKey, remainingCredits, lastResetAt)
	metrics.ObserveSync(res.Success)

	entry := log.WithFields(log.Fields{
		"api_key":           util.HideAPIKey(apiKey),
		"remaining_credits": remainingCredits,
	})
	if res.Success {
		entry.Debug("credits sync: pushed")
	} else {
		entry.WithField("status_code", res.StatusCode).Warnf("credits sync: %s", res.Message)
	}
	return res
}

func (c *Client) post(ctx context.Context, apiKey string, remainingCredits int64, lastResetAt *time.Time) Result {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := resetRequest{APIKey: apiKey, RemainingCredits: remainingCredits}
	if lastResetAt != nil {
		formatted := lastResetAt.In(c.location).Format(time.RFC3339)
		payload.LastResetCreditsAt = &formatted
	}
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return Result{Message: fmt.Sprintf("encode request: %v", errMarshal)}
	}

	req, errReq := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+resetPath, bytes.NewReader(body))
	if errReq != nil {
		return Result{Message: fmt.Sprintf("build request: %v", errReq)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		var netErr net.Error
		if errors.Is(errDo, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(errDo, &netErr) && netErr.Timeout()) {
			return Result{Message: "request timed out"}
		}
		return Result{Message: fmt.Sprintf("request failed: %v", errDo)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, errRead := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if errRead != nil {
		return Result{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", errRead)}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{StatusCode: resp.StatusCode, Message: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncate(raw))}
	}

	var parsed resetResponse
	if errUnmarshal := json.Unmarshal(raw, &parsed); errUnmarshal != nil {
		return Result{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", errUnmarshal)}
	}
	if !parsed.Success {
		msg := strings.TrimSpace(parsed.Message)
		if msg == "" {
			msg = "unknown error"
		}
		return Result{StatusCode: resp.StatusCode, Message: "rejected: " + msg}
	}
	return Result{Success: true, StatusCode: resp.StatusCode, Message: "ok"}
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxErrorBodyBytes {
		return s[:maxErrorBodyBytes] + "..."
	}
	return s
}
