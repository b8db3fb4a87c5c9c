package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	TokenUrl = "https://bisexternal.ciamlogin.com/16a0fd8f-4db1-4496-8036-56968f632d98/oauth2/v2.0/token"
	ClientId = "e9265e96-d5f2-4d09-96c7-855b114bb0b2"
	Scope    = "api://98ff0f31-bee6-4d95-a402-cf5feadfa973/snapr.exporter openid profile offline_access"
)

var ErrInvalidTemplate = errors.New("tokens: invalid request template")

// Template is a replayable token request, stored as the argv of the curl
// command that was captured from a browser session.
//
// The template is treated as opaque, the only field that is ever rewritten is the
// refresh_token form field of the request body.
type Template []string

var dataFlags = map[string]bool{
	"-d":               true,
	"--data":           true,
	"--data-raw":       true,
	"--data-binary":    true,
	"--data-ascii":     true,
	"--data-urlencode": true,
}

// Validate checks that the template can be replayed at all.
func (t Template) Validate() error {
	if len(t) < 2 {
		return fmt.Errorf("%w: expected at least 2 parts, got %d", ErrInvalidTemplate, len(t))
	}
	if t[0] != "curl" && !strings.HasSuffix(t[0], "/curl") {
		return fmt.Errorf("%w: command must start with curl, got %q", ErrInvalidTemplate, t[0])
	}
	return nil
}

// Clone copies the template so substitutions never alias a stored slice.
func (t Template) Clone() Template {
	out := make(Template, len(t))
	copy(out, t)
	return out
}

// bodyIndices returns the index of every argument that is a request body.
func (t Template) bodyIndices() []int {
	var out []int
	for i := 1; i < len(t); i++ {
		if dataFlags[t[i-1]] {
			out = append(out, i)
		}
	}
	return out
}

var refreshTokenField = regexp.MustCompile(`(^|&)refresh_token=([^&]*)`)

// RefreshToken returns the raw (still form-encoded) value of the refresh_token field.
func (t Template) RefreshToken() (string, bool) {
	for _, i := range t.bodyIndices() {
		match := refreshTokenField.FindStringSubmatch(t[i])
		if match != nil {
			return match[2], true
		}
	}
	return "", false
}

// replaceRefreshToken substitutes the raw value of the refresh_token field, every other
// byte of the body stays as it is.
func (t Template) replaceRefreshToken(raw string) (Template, bool) {
	out := t.Clone()
	replaced := false
	for _, i := range out.bodyIndices() {
		loc := refreshTokenField.FindStringSubmatchIndex(out[i])
		if loc == nil {
			continue
		}
		// loc[4]:loc[5] is the value group
		out[i] = out[i][:loc[4]] + raw + out[i][loc[5]:]
		replaced = true
	}
	return out, replaced
}

// WithRefreshToken returns a copy of the template with the refresh_token field set to
// token, false is returned if the template has no such field.
func (t Template) WithRefreshToken(token string) (Template, bool) {
	return t.replaceRefreshToken(url.QueryEscape(token))
}

var nestedRefreshToken = regexp.MustCompile(`"refresh_token"\s*:\s*"([^"]+)"`)

// Repair fixes a refresh_token field whose value is a whole JSON token response instead
// of the token itself, ex. refresh_token={"refresh_token":"abc123",...}.
// It returns the repaired template and whether anything was changed.
func (t Template) Repair() (Template, bool) {
	raw, ok := t.RefreshToken()
	if !ok {
		return t, false
	}

	candidate := raw
	if decoded, err := url.QueryUnescape(raw); err == nil {
		candidate = decoded
	}
	trimmed := strings.TrimSpace(candidate)
	looksLikeJson := strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
	if !looksLikeJson && !strings.Contains(candidate, `"refresh_token"`) {
		return t, false
	}

	var nested struct {
		RefreshToken string `json:"refresh_token"`
	}
	token := ""
	if err := json.Unmarshal([]byte(trimmed), &nested); err == nil {
		token = nested.RefreshToken
	}
	if token == "" {
		match := nestedRefreshToken.FindStringSubmatch(candidate)
		if match == nil {
			return t, false
		}
		token = match[1]
	}

	return t.WithRefreshToken(token)
}

var defaultHeaders = []string{
	"Accept: */*",
	"Accept-Language: en-US,en;q=0.9",
	"Connection: keep-alive",
	"Origin: https://snapr.bis.gov",
	"Referer: https://snapr.bis.gov/",
	"Sec-Fetch-Dest: empty",
	"Sec-Fetch-Mode: cors",
	"Sec-Fetch-Site: cross-site",
	"User-Agent: Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36",
	"content-type: application/x-www-form-urlencoded;charset=utf-8",
	`sec-ch-ua: "Chromium";v="134", "Not:A-Brand";v="24", "Google Chrome";v="134"`,
	"sec-ch-ua-mobile: ?0",
	`sec-ch-ua-platform: "macOS"`,
}

// RefreshTemplate builds the minimal template that trades a refresh token for a new
// access token.
func RefreshTemplate(refreshToken string) Template {
	t := Template{"curl", TokenUrl}
	for _, h := range defaultHeaders {
		t = append(t, "-H", h)
	}

	form := url.Values{}
	form.Set("client_id", ClientId)
	form.Set("scope", Scope)
	form.Set("grant_type", "refresh_token")
	form.Set("client_info", "1")
	form.Set("x-client-SKU", "msal.js.browser")
	form.Set("x-client-VER", "3.21.0")
	// refresh_token goes last so it is easy to spot when reading the config by hand
	body := form.Encode() + "&refresh_token=" + url.QueryEscape(refreshToken)

	return append(t, "--data-raw", body)
}

// DefaultTemplate is written to the config file when there is none yet, it has no
// refresh token so it must be updated before a harvest can authenticate.
func DefaultTemplate() Template {
	return RefreshTemplate("")
}
