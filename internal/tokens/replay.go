package tokens

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"snapr-harvest/internal/components/telemetry"

	"github.com/go-resty/resty/v2"
)

// Replayer sends a Template and returns the raw response body.
type Replayer interface {
	Replay(ctx context.Context, t Template) ([]byte, error)
}

// ReplayError is returned when the replayed command itself failed, as opposed to the
// token endpoint answering with something unexpected.
type ReplayError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ReplayError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tokens: replay failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("tokens: replay failed (exit %d): %v", e.ExitCode, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

// CurlReplayer replays a template by running it as a curl subprocess, exactly as it
// was captured.
type CurlReplayer struct {
	// Path overrides the curl binary, the template's own first argument is used when empty.
	Path string
}

func (r CurlReplayer) Replay(ctx context.Context, t Template) ([]byte, error) {
	err := t.Validate()
	if err != nil {
		return nil, err
	}

	path := r.Path
	if path == "" {
		path = t[0]
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, curlArgs(t)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ReplayError{ExitCode: exitCode, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// curlArgs returns the arguments of t after the binary, --silent --show-error is
// put in front unless the template already silences curl.
func curlArgs(t Template) []string {
	args := t[1:].Clone()
	for _, a := range args {
		if a == "-s" || a == "--silent" {
			return args
		}
	}
	// progress meter would otherwise end up in stderr
	return append([]string{"--silent", "--show-error"}, args...)
}

// HTTPReplayer interprets a curl template and sends it with resty, for machines
// without curl. Flags that do not change the request on the wire are ignored.
type HTTPReplayer struct {
	http *resty.Client
}

func NewHTTPReplayer(tel telemetry.API) HTTPReplayer {
	client := resty.New()
	client.SetTimeout(time.Second * 30)
	telemetry.InstrumentResty(client, telemetry.NewScopedAPI("token_replay", tel))
	return HTTPReplayer{http: client}
}

type replayRequest struct {
	method  string
	url     string
	headers [][2]string
	body    []string
}

// flags whose next argument is a value we do not need
var ignoredValueFlags = map[string]bool{
	"-o":                true,
	"--output":          true,
	"-m":                true,
	"--max-time":        true,
	"--connect-timeout": true,
	"-w":                true,
	"--write-out":       true,
	"-x":                true,
	"--proxy":           true,
	"--retry":           true,
}

func interpret(t Template) (replayRequest, error) {
	err := t.Validate()
	if err != nil {
		return replayRequest{}, err
	}

	req := replayRequest{}
	args := t[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%w: flag %s has no value", ErrInvalidTemplate, arg)
			}
			i++
			return args[i], nil
		}

		switch {
		case arg == "-X" || arg == "--request":
			v, err := value()
			if err != nil {
				return replayRequest{}, err
			}
			req.method = strings.ToUpper(v)
		case arg == "-H" || arg == "--header":
			v, err := value()
			if err != nil {
				return replayRequest{}, err
			}
			name, headerValue, ok := strings.Cut(v, ":")
			if !ok {
				return replayRequest{}, fmt.Errorf("%w: malformed header %q", ErrInvalidTemplate, v)
			}
			req.headers = append(req.headers, [2]string{
				strings.TrimSpace(name),
				strings.TrimSpace(headerValue),
			})
		case arg == "-b" || arg == "--cookie":
			v, err := value()
			if err != nil {
				return replayRequest{}, err
			}
			req.headers = append(req.headers, [2]string{"Cookie", v})
		case arg == "-A" || arg == "--user-agent":
			v, err := value()
			if err != nil {
				return replayRequest{}, err
			}
			req.headers = append(req.headers, [2]string{"User-Agent", v})
		case arg == "-e" || arg == "--referer":
			v, err := value()
			if err != nil {
				return replayRequest{}, err
			}
			req.headers = append(req.headers, [2]string{"Referer", v})
		case dataFlags[arg]:
			v, err := value()
			if err != nil {
				return replayRequest{}, err
			}
			req.body = append(req.body, v)
		case arg == "--url":
			v, err := value()
			if err != nil {
				return replayRequest{}, err
			}
			req.url = v
		case ignoredValueFlags[arg]:
			_, err := value()
			if err != nil {
				return replayRequest{}, err
			}
		case strings.HasPrefix(arg, "-"):
			// --compressed, -s, -k, -L, -i ...
		default:
			if req.url == "" {
				req.url = arg
			}
		}
	}

	if req.url == "" {
		return replayRequest{}, fmt.Errorf("%w: no url", ErrInvalidTemplate)
	}
	if req.method == "" {
		req.method = http.MethodGet
		if len(req.body) > 0 {
			req.method = http.MethodPost
		}
	}
	return req, nil
}

func (r HTTPReplayer) Replay(ctx context.Context, t Template) ([]byte, error) {
	parsed, err := interpret(t)
	if err != nil {
		return nil, err
	}

	req := r.http.R().SetContext(ctx)
	for _, h := range parsed.headers {
		req.SetHeader(h[0], h[1])
	}
	if len(parsed.body) > 0 {
		req.SetBody(strings.Join(parsed.body, "&"))
	}

	res, err := req.Execute(parsed.method, parsed.url)
	if err != nil {
		return nil, &ReplayError{ExitCode: -1, Err: err}
	}
	return res.Body(), nil
}
