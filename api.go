package voicesession

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/bt-bridge/voice-session/shared"
)

// Directory is the session's HTTP collaborator surface: the duration lookup
// used during validation, the periodic heartbeat, and the one-shot exit
// beacon.
type Directory interface {
	// Duration resolves the session's allotted duration from the server.
	Duration(ctx context.Context) (time.Duration, error)
	// Heartbeat posts one liveness signal and returns the HTTP status code.
	Heartbeat(ctx context.Context) (int, error)
	// Beacon posts the best-effort termination notice. Errors are swallowed:
	// by the time it fires the caller is already going away.
	Beacon()
}

const (
	directoryRequestTimeout = 5 * time.Second
	durationLookupRetries   = 3
)

// HTTPDirectory talks to the voice-agent backend over fasthttp.
type HTTPDirectory struct {
	logger          shared.LoggerAdapter
	client          *fasthttp.Client
	sessionEndpoint string // http(s) base for this session, no trailing slash
	durationURL     string
}

var _ Directory = (*HTTPDirectory)(nil)

func NewHTTPDirectory(logger shared.LoggerAdapter, sessionEndpoint, durationURL string) (*HTTPDirectory, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if sessionEndpoint == "" {
		return nil, fmt.Errorf("no session endpoint provided")
	}
	if durationURL == "" {
		return nil, fmt.Errorf("no duration URL provided")
	}
	return &HTTPDirectory{
		logger:          logger,
		client:          &fasthttp.Client{},
		sessionEndpoint: sessionEndpoint,
		durationURL:     durationURL,
	}, nil
}

type durationResponse struct {
	DurationSeconds float64 `json:"durationSeconds"`
}

// Duration fetches the allotted session duration, retrying transient
// transport failures with exponential backoff. A definitive server rejection
// is not retried.
func (d *HTTPDirectory) Duration(ctx context.Context) (time.Duration, error) {
	var seconds float64
	op := func() error {
		status, body, err := d.do(ctx, fasthttp.MethodGet, d.durationURL)
		if err != nil {
			return err
		}
		if status != fasthttp.StatusOK {
			err := fmt.Errorf("duration lookup status %d", status)
			if status == fasthttp.StatusUnauthorized || status == fasthttp.StatusNotFound {
				return backoff.Permanent(err)
			}
			return err
		}
		var resp durationResponse
		if err := sonic.Unmarshal(body, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding duration response: %w", err))
		}
		if resp.DurationSeconds <= 0 {
			return backoff.Permanent(fmt.Errorf("non-positive durationSeconds: %v", resp.DurationSeconds))
		}
		seconds = resp.DurationSeconds
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), durationLookupRetries),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, fmt.Errorf("%w: %v", shared.ErrValidationFailed, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// Heartbeat posts one liveness signal. The caller inspects the status code:
// 401 and 404 mean the session is gone server-side.
func (d *HTTPDirectory) Heartbeat(ctx context.Context) (int, error) {
	status, _, err := d.do(ctx, fasthttp.MethodPost, d.sessionEndpoint+"/heartbeat")
	if err != nil {
		return 0, fmt.Errorf("sending heartbeat: %w", err)
	}
	return status, nil
}

// Beacon fires the termination notice exactly as far as it can and no
// further.
func (d *HTTPDirectory) Beacon() {
	status, _, err := d.do(context.Background(), fasthttp.MethodPost, d.sessionEndpoint+"/beacon")
	if err != nil {
		d.logger.Warn("beacon failed", zap.Error(err))
		return
	}
	d.logger.Info("beacon sent", zap.Int("status", status))
}

func (d *HTTPDirectory) do(ctx context.Context, method, url string) (status int, body []byte, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)

	errC := make(chan error, 1)
	go func() {
		errC <- d.client.DoDeadline(req, resp, time.Now().Add(directoryRequestTimeout))
	}()
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return 0, nil, err
		}
	}
	body = append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}
