// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package classifier

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/go-resty/resty/v2"

	"grimm.is/tripwire/internal/errors"
)

// DefaultRemoteTimeout bounds one prediction request.
const DefaultRemoteTimeout = time.Second

type predictRequest struct {
	Features []float64 `json:"features"`
}

type predictResponse struct {
	Prediction int `json:"prediction"`
}

// Remote asks a model sidecar over HTTP: POST {url}/predict.
type Remote struct {
	client *resty.Client
}

// NewRemote creates a client for the sidecar at baseURL.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetDisableWarn(true)
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	return &Remote{client: client}
}

// Predict sends v to the sidecar.
func (r *Remote) Predict(ctx context.Context, v Vector) (Verdict, error) {
	var out predictResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(predictRequest{Features: v[:]}).
		SetResult(&out).
		Post("/predict")
	if err != nil {
		if ctx.Err() != nil {
			return Benign, errors.Wrap(err, errors.KindTimeout, "prediction cancelled")
		}
		return Benign, errors.Wrap(err, errors.KindUnavailable, "prediction request failed")
	}
	if resp.StatusCode() != http.StatusOK {
		return Benign, errors.Attr(
			errors.Errorf(errors.KindUnavailable, "model sidecar returned %d", resp.StatusCode()),
			"body", string(resp.Body()))
	}

	switch out.Prediction {
	case 0:
		return Benign, nil
	case 1:
		return Malicious, nil
	default:
		return Benign, errors.Errorf(errors.KindValidation, "unexpected prediction %d", out.Prediction)
	}
}
