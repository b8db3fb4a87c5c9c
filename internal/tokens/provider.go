package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"snapr-harvest/internal/components/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("snapr/tokens")
var meter = otel.Meter("snapr/tokens")

const (
	report_provider_obtain = "provider.obtain"
	report_provider_repair = "provider.repair"
	report_provider_rotate = "provider.rotate"
)

var (
	ErrTokenParse   = errors.New("tokens: token response is not valid JSON")
	ErrTokenMissing = errors.New("tokens: token response has no access_token")
)

// Credential is a bearer token minted by replaying the template.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	// Raw is the whole decoded token response.
	Raw map[string]any
}

// Provider obtains credentials by replaying the stored template. Every successful
// obtain may rewrite the stored template, since the issuer rotates refresh tokens on
// each use.
type Provider struct {
	store          ConfigStore
	replayer       Replayer
	tel            telemetry.API
	refreshCounter metric.Int64Counter
}

func NewProvider(store ConfigStore, replayer Replayer, tel telemetry.API) (*Provider, error) {
	refreshCounter, err := meter.Int64Counter(
		"snapr_token_refresh_total",
		metric.WithDescription("The total amount of times a token has been obtained by replaying the template."),
	)
	if err != nil {
		return nil, err
	}
	return &Provider{
		store:          store,
		replayer:       replayer,
		tel:            telemetry.NewScopedAPI("tokens", tel),
		refreshCounter: refreshCounter,
	}, nil
}

// Obtain replays the stored template and returns the credential it produced.
func (p *Provider) Obtain(ctx context.Context) (Credential, error) {
	ctx, span := tracer.Start(ctx, "tokens.obtain")
	defer span.End()

	fail := func(err error, msg string) (Credential, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		p.tel.ReportBroken(report_provider_obtain, fmt.Errorf("%s: %w", msg, err))
		return Credential{}, err
	}

	config, err := p.store.Load()
	if err != nil {
		return fail(err, "load config")
	}
	template := config.CurlCommand

	repaired, fixed := template.Repair()
	if fixed {
		p.tel.ReportWarning(report_provider_repair, "found malformed refresh token in config (JSON object), fixing it")
		template = repaired
		config.CurlCommand = repaired
		err = p.store.Save(config)
		if err != nil {
			p.tel.ReportWarning(report_provider_repair, fmt.Errorf("persist repaired template: %w", err))
		}
	}

	err = template.Validate()
	if err != nil {
		return fail(err, "validate template")
	}
	span.SetAttributes(attribute.Int("template.parts", len(template)))
	p.tel.ReportDebug("replaying template", len(template), template[:min(len(template), 2)])

	output, err := p.replayer.Replay(ctx, template)
	if err != nil {
		return fail(err, "replay")
	}
	p.refreshCounter.Add(ctx, 1)

	cred, err := parseCredential(output)
	if err != nil {
		return fail(err, "parse token response")
	}

	if cred.RefreshToken != "" {
		p.rotate(config, cred.RefreshToken)
	}

	p.tel.ReportInfo("successfully obtained token", "keys", sortedKeys(cred.Raw))
	return cred, nil
}

// rotate writes the refresh token the issuer just handed out into the stored template
// so the next run can keep refreshing without user intervention.
func (p *Provider) rotate(config Config, refreshToken string) {
	next, ok := config.CurlCommand.WithRefreshToken(refreshToken)
	if !ok {
		// an authorization_code template can only be used once, from here on
		// the refresh grant is the only way to get a new token
		p.tel.ReportWarning(
			report_provider_rotate,
			"template has no refresh_token field, replacing it with a refresh token template",
		)
		next = RefreshTemplate(refreshToken)
	}
	config.CurlCommand = next
	err := p.store.Save(config)
	if err != nil {
		p.tel.ReportWarning(report_provider_rotate, fmt.Errorf("persist rotated refresh token: %w", err))
		return
	}
	p.tel.ReportDebug("updated config with new refresh token")
}

func parseCredential(output []byte) (Credential, error) {
	var raw map[string]any
	err := json.Unmarshal(output, &raw)
	if err != nil {
		return Credential{}, fmt.Errorf(
			"%w: %w (response: %q)",
			ErrTokenParse, err, telemetry.Truncate(string(output), 100),
		)
	}

	accessToken, _ := raw["access_token"].(string)
	if accessToken == "" {
		return Credential{}, fmt.Errorf(
			"%w (response keys: %v, response: %q)",
			ErrTokenMissing, sortedKeys(raw), telemetry.Truncate(string(output), 100),
		)
	}

	cred := Credential{AccessToken: accessToken, Raw: raw}
	cred.RefreshToken, _ = raw["refresh_token"].(string)
	cred.TokenType, _ = raw["token_type"].(string)
	if expiresIn, ok := raw["expires_in"].(float64); ok {
		cred.ExpiresIn = int(expiresIn)
	}
	return cred, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
