package vast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ssuji15/loracloud/internal/config"
	"github.com/ssuji15/loracloud/internal/errdefs"
	"github.com/ssuji15/loracloud/internal/job_tracer"
	"github.com/ssuji15/loracloud/internal/provider"
	"github.com/ssuji15/loracloud/internal/service/logger"
	"github.com/ssuji15/loracloud/internal/util"
	"github.com/ssuji15/loracloud/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

type Client struct {
	baseURL    string
	apiKey     string
	onStart    string
	timeout    time.Duration
	maxRetries uint
	newBackOff func() backoff.BackOff
	httpClient *http.Client
}

func NewClient(cfg *config.VastConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.API_URL, "/"),
		apiKey:     cfg.API_KEY,
		onStart:    cfg.ONSTART,
		timeout:    time.Duration(cfg.TIMEOUT_SECONDS) * time.Second,
		maxRetries: uint(cfg.MAX_READ_RETRIES),
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type offerJSON struct {
	ID          int64   `json:"id"`
	GPUName     string  `json:"gpu_name"`
	NumGPUs     int     `json:"num_gpus"`
	GPURAM      float64 `json:"gpu_ram"`
	DPHTotal    float64 `json:"dph_total"`
	Geolocation string  `json:"geolocation"`
}

type instanceJSON struct {
	ID           int64   `json:"id"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	DPHTotal     float64 `json:"dph_total"`
	ActualStatus *string `json:"actual_status"`
	SSHHost      string  `json:"ssh_host"`
	SSHPort      int     `json:"ssh_port"`
	ImageUUID    string  `json:"image_uuid"`
	DiskSpace    float64 `json:"disk_space"`
	StartDate    float64 `json:"start_date"`
}

type rentResponse struct {
	Success     bool   `json:"success"`
	NewContract int64  `json:"new_contract"`
	Error       string `json:"error"`
	Msg         string `json:"msg"`
}

func (c *Client) SearchOffers(ctx context.Context, q model.OfferQuery) ([]model.Offer, error) {
	if err := provider.ValidateQuery(q); err != nil {
		return nil, err
	}
	ctx, span := job_tracer.GetTracer().Start(ctx, "Vast/SearchOffers")
	defer span.End()
	span.SetAttributes(attribute.String("gpu_kind", q.GPUKind))

	params := url.Values{}
	params.Set("q", buildQuery(q))

	offers, err := retryRead(ctx, c, func(ctx context.Context) ([]model.Offer, error) {
		var body struct {
			Offers []offerJSON `json:"offers"`
		}
		if err := c.do(ctx, http.MethodGet, "/bundles?"+params.Encode(), nil, &body); err != nil {
			return nil, err
		}
		out := make([]model.Offer, 0, len(body.Offers))
		for _, o := range body.Offers {
			if o.ID <= 0 || o.DPHTotal < 0 {
				logger.Log.Warn().Int64("offer_id", o.ID).Msg("skipping malformed offer")
				continue
			}
			out = append(out, model.Offer{
				ID:           strconv.FormatInt(o.ID, 10),
				GPUKind:      o.GPUName,
				NumGPUs:      o.NumGPUs,
				GPURAMGB:     o.GPURAM / 1024,
				PricePerHour: o.DPHTotal,
				Location:     o.Geolocation,
			})
		}
		return out, nil
	})
	if err != nil {
		err = mapError("provider.SearchOffers", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	return offers, nil
}

// Rent is never retried: a repeated ask could rent twice.
func (c *Client) Rent(ctx context.Context, req model.RentRequest) (model.Instance, error) {
	if err := provider.ValidateRent(req); err != nil {
		return model.Instance{}, err
	}
	ctx, span := job_tracer.GetTracer().Start(ctx, "Vast/Rent")
	defer span.End()
	span.SetAttributes(attribute.String("offer_id", req.OfferID))

	onStart := req.OnStart
	if onStart == "" {
		onStart = c.onStart
	}
	payload := map[string]any{
		"client_id": "me",
		"image":     req.Image,
		"disk":      req.DiskGB,
		"onstart":   onStart,
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp rentResponse
	if err := c.do(ctx, http.MethodPut, "/asks/"+url.PathEscape(req.OfferID)+"/", payload, &resp); err != nil {
		err = mapError("provider.Rent", err)
		util.RecordSpanError(span, err)
		return model.Instance{}, err
	}
	if !resp.Success || resp.NewContract <= 0 {
		msg := resp.Msg
		if msg == "" {
			msg = resp.Error
		}
		err := errdefs.New(errdefs.KindProviderUnavailable, "provider.Rent", "rent rejected: %s", msg)
		util.RecordSpanError(span, err)
		return model.Instance{}, err
	}

	now := time.Now().UTC()
	return model.Instance{
		ID:        strconv.FormatInt(resp.NewContract, 10),
		State:     model.InstanceRequested,
		Image:     req.Image,
		DiskGB:    req.DiskGB,
		CreatedAt: &now,
	}, nil
}

func (c *Client) List(ctx context.Context) ([]model.Instance, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Vast/List")
	defer span.End()

	instances, err := retryRead(ctx, c, func(ctx context.Context) ([]model.Instance, error) {
		var body struct {
			Instances []instanceJSON `json:"instances"`
		}
		if err := c.do(ctx, http.MethodGet, "/instances?owner=me", nil, &body); err != nil {
			return nil, err
		}
		out := make([]model.Instance, 0, len(body.Instances))
		for _, i := range body.Instances {
			if i.ID <= 0 {
				logger.Log.Warn().Msg("skipping instance without id")
				continue
			}
			out = append(out, toInstance(i))
		}
		return out, nil
	})
	if err != nil {
		err = mapError("provider.List", err)
		util.RecordSpanError(span, err)
		return nil, err
	}
	return instances, nil
}

func (c *Client) Get(ctx context.Context, id string) (model.Instance, error) {
	return provider.FindInstance(ctx, c, id)
}

// Terminate treats an already-gone instance as success.
func (c *Client) Terminate(ctx context.Context, id string) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Vast/Terminate")
	defer span.End()
	span.SetAttributes(attribute.String("instance_id", id))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(id)+"/", nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		err = mapError("provider.Terminate", err)
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func buildQuery(q model.OfferQuery) string {
	var parts []string
	if q.GPUKind != "" {
		parts = append(parts, "gpu_name="+q.GPUKind)
	}
	if q.MinGPURAMGB > 0 {
		parts = append(parts, fmt.Sprintf("gpu_ram>=%d", q.MinGPURAMGB))
	}
	if q.MaxPricePerHour > 0 {
		parts = append(parts, "dph<="+strconv.FormatFloat(q.MaxPricePerHour, 'f', -1, 64))
	}
	return strings.Join(parts, " ")
}

func toInstance(i instanceJSON) model.Instance {
	inst := model.Instance{
		ID:           strconv.FormatInt(i.ID, 10),
		GPUKind:      i.GPUName,
		NumGPUs:      i.NumGPUs,
		PricePerHour: i.DPHTotal,
		Image:        i.ImageUUID,
		DiskGB:       int(i.DiskSpace),
	}
	if i.StartDate > 0 {
		t := time.Unix(int64(i.StartDate), 0).UTC()
		inst.CreatedAt = &t
	}

	status := ""
	if i.ActualStatus != nil {
		status = *i.ActualStatus
	}
	inst.State = mapStatus(status)
	if inst.State == model.InstanceRunning {
		if i.SSHHost == "" || i.SSHPort <= 0 {
			// running without an endpoint is not usable yet
			inst.State = model.InstanceStarting
		} else {
			inst.Connection = &model.Connection{Host: i.SSHHost, Port: i.SSHPort}
		}
	}
	return inst
}

func mapStatus(s string) model.InstanceState {
	switch s {
	case "running":
		return model.InstanceRunning
	case "loading", "created", "scheduling":
		return model.InstanceStarting
	case "stopping":
		return model.InstanceStopping
	case "exited", "offline", "stopped", "destroyed":
		return model.InstanceTerminated
	default:
		return model.InstanceRequested
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vast: status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return se
		}
		return backoff.Permanent(se)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(&malformedError{err: err})
	}
	return nil
}

type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "malformed response: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// retryRead runs an idempotent read with exponential backoff. Each attempt
// gets its own timeout.
func retryRead[T any](ctx context.Context, c *Client, op func(ctx context.Context) (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return op(actx)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxRetries+1),
	)
}

func mapError(op string, err error) error {
	var se *statusError
	var me *malformedError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errdefs.Wrap(errdefs.KindProviderTimeout, op, err)
	case errors.As(err, &me):
		return errdefs.Wrap(errdefs.KindProviderUnavailable, op, err)
	case errors.As(err, &se):
		switch {
		case se.code == http.StatusNotFound:
			return errdefs.Wrap(errdefs.KindNotFound, op, err)
		case se.code == http.StatusBadRequest || se.code == http.StatusUnprocessableEntity:
			return errdefs.Wrap(errdefs.KindInvalidArgument, op, err)
		}
		return errdefs.Wrap(errdefs.KindProviderUnavailable, op, err)
	}
	return errdefs.Wrap(errdefs.KindProviderUnavailable, op, err)
}
