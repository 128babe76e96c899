// Package twofactor obtains short-lived numeric codes for second-factor login.
package twofactor

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Provider returns a code for token.
type Provider interface {
	Code(ctx context.Context, token string) (string, error)
}

// ErrNoCode is returned when a provider has no code for the token yet.
var ErrNoCode = errors.New("second-factor code not available")

// TOTP derives RFC 6238 codes from a base32 secret.
type TOTP struct {
	Now func() time.Time
}

// Code implements Provider.
func (p TOTP) Code(ctx context.Context, secret string) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	code, err := totp.GenerateCode(NormalizeSecret(secret), now())
	if err != nil {
		return "", errors.Wrap(err, "generate totp code")
	}
	return code, nil
}

// NormalizeSecret strips spaces and upper-cases a base32 secret.
func NormalizeSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
}

// IsTOTPSecret reports whether secret decodes as base32.
func IsTOTPSecret(secret string) bool {
	s := strings.TrimRight(NormalizeSecret(secret), "=")
	if len(s) < 16 {
		return false
	}
	_, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	return err == nil
}

// Remote fetches codes from an HTTP service: GET <BaseURL>/<token>.
// The body is either {"code":"123456"} or the bare code.
type Remote struct {
	BaseURL    string
	HTTPClient *http.Client

	group singleflight.Group
}

// NewRemote builds a remote provider for baseURL.
func NewRemote(baseURL string, httpClient *http.Client) (*Remote, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("second-factor provider url is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Remote{BaseURL: baseURL, HTTPClient: httpClient}, nil
}

// Code implements Provider. Concurrent calls for one token share a request.
func (p *Remote) Code(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("second-factor token is empty")
	}
	v, err, shared := p.group.Do(token, func() (any, error) {
		return p.fetch(ctx, token)
	})
	if shared {
		log.Debug().Msg("second-factor fetch shared with concurrent caller")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Remote) fetch(ctx context.Context, token string) (string, error) {
	endpoint := fmt.Sprintf("%s/%s", p.BaseURL, url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "build second-factor request")
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "call second-factor provider")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", errors.Wrap(err, "read second-factor response")
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return "", ErrNoCode
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return "", errors.Errorf("second-factor provider status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	code := parseCode(body)
	if code == "" {
		return "", ErrNoCode
	}
	return code, nil
}

func parseCode(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var parsed struct {
			Code string `json:"code"`
			Data struct {
				Code string `json:"code"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return ""
		}
		if parsed.Code != "" {
			return digitsOnly(parsed.Code)
		}
		return digitsOnly(parsed.Data.Code)
	}
	return digitsOnly(trimmed)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Auto uses TOTP for base32 secrets and Remote for anything else.
type Auto struct {
	TOTP   Provider
	Remote Provider
}

// Code implements Provider.
func (a Auto) Code(ctx context.Context, token string) (string, error) {
	if IsTOTPSecret(token) && a.TOTP != nil {
		return a.TOTP.Code(ctx, token)
	}
	if a.Remote == nil {
		return "", errors.New("no remote second-factor provider configured")
	}
	return a.Remote.Code(ctx, token)
}
