package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Polly2014/CopilotX/pkg/config"
)

const (
	deviceGrantType        = "urn:ietf:params:oauth:grant-type:device_code"
	defaultPollInterval    = 5
	defaultDeviceExpiresIn = 900
	slowDownStep           = 5
)

var (
	ErrDeviceCodeExpired = errors.New("device code expired, start the login again")
	ErrAccessDenied      = errors.New("authorization was denied")
)

// pollUnit scales the server's poll interval.
var pollUnit = time.Second

// DeviceCode is the user-facing half of a device authorization.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceFlow runs the OAuth device authorization grant against GitHub.
type DeviceFlow struct {
	cfg    config.OAuthConfig
	client *http.Client
}

func NewDeviceFlow(cfg config.OAuthConfig, client *http.Client) *DeviceFlow {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DeviceFlow{cfg: cfg, client: client}
}

func (f *DeviceFlow) RequestCode(ctx context.Context) (DeviceCode, error) {
	var code DeviceCode
	err := f.post(ctx, f.cfg.DeviceCodeURL, map[string]string{
		"client_id": f.cfg.ClientID,
		"scope":     f.cfg.Scope,
	}, &code)
	if err != nil {
		return DeviceCode{}, fmt.Errorf("request device code: %w", err)
	}
	if code.DeviceCode == "" || code.UserCode == "" {
		return DeviceCode{}, errors.New("request device code: response is missing the codes")
	}
	if code.Interval <= 0 {
		code.Interval = defaultPollInterval
	}
	if code.ExpiresIn <= 0 {
		code.ExpiresIn = defaultDeviceExpiresIn
	}
	return code, nil
}

type accessTokenResponse struct {
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int    `json:"interval"`
}

// Poll waits for the user to approve code and returns the GitHub token. It
// gives up when the code expires or ctx ends.
func (f *DeviceFlow) Poll(ctx context.Context, code DeviceCode) (string, error) {
	expiresIn := code.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultDeviceExpiresIn
	}
	interval := code.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(expiresIn)*pollUnit)
	defer cancel()

	for {
		timer := time.NewTimer(time.Duration(interval) * pollUnit)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrDeviceCodeExpired
			}
			return "", ctx.Err()
		case <-timer.C:
		}

		var out accessTokenResponse
		err := f.post(ctx, f.cfg.AccessTokenURL, map[string]string{
			"client_id":   f.cfg.ClientID,
			"device_code": code.DeviceCode,
			"grant_type":  deviceGrantType,
		}, &out)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return "", fmt.Errorf("poll access token: %w", err)
		}
		if tok := strings.TrimSpace(out.AccessToken); tok != "" {
			return tok, nil
		}
		switch out.Error {
		case "authorization_pending":
		case "slow_down":
			interval += slowDownStep
			if out.Interval > interval {
				interval = out.Interval
			}
		case "expired_token":
			return "", ErrDeviceCodeExpired
		case "access_denied":
			return "", ErrAccessDenied
		default:
			msg := out.ErrorDescription
			if msg == "" {
				msg = out.Error
			}
			if msg == "" {
				msg = "empty response"
			}
			return "", fmt.Errorf("device authorization failed: %s", msg)
		}
	}
}

func (f *DeviceFlow) post(ctx context.Context, url string, payload map[string]string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
