// Package worker runs one task document on a compute node and reports the
// outcome to the result ingest. It is the process the slurm submission script
// starts; the boinc dry-run backend drives the same code in-process.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gridqerrors "gridq/internal/errors"
	"gridq/internal/ingest"
	"gridq/internal/shared/logging"
)

// ResultClient posts signed result envelopes to the ingest endpoint.
type ResultClient struct {
	endpoint string
	secret   string
	client   *http.Client
	logger   logging.Logger
	retry    gridqerrors.RetryConfig
}

// NewResultClient creates a client for the given ingest URL
// (".../v1/task-result") and HMAC secret.
func NewResultClient(endpoint, secret string, logger logging.Logger) *ResultClient {
	return &ResultClient{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logging.OrNop(logger),
		retry:    gridqerrors.DefaultRetryConfig(),
	}
}

// Post signs and delivers one envelope. Network failures and retryable HTTP
// statuses are retried with backoff; a 401 means the secret does not match
// the ingest and no retry will fix it.
func (c *ResultClient) Post(ctx context.Context, envelope ingest.ResultEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal result envelope: %w", err)
	}
	sig := ingest.Sign(c.secret, body)

	return gridqerrors.Retry(ctx, c.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return gridqerrors.NewPermanentError(err, "build result request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(ingest.SignatureHeader, sig)

		resp, err := c.client.Do(req)
		if err != nil {
			return gridqerrors.NewTransientError(err, "post result envelope")
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil
		}
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := fmt.Sprintf("result endpoint answered %d: %s", resp.StatusCode, detail)
		if gridqerrors.TransientHTTPStatus(resp.StatusCode) {
			return gridqerrors.NewTransientError(nil, msg)
		}
		return gridqerrors.NewPermanentError(nil, msg)
	}, c.logger)
}
