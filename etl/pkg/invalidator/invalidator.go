// Package invalidator tells the reports service to drop cached report
// payloads for users whose facts were rewritten.
package invalidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	invalidatePath    = "/api/reports/internal/invalidate"
	internalService   = "reports-etl"
	headerService     = "X-Internal-Service"
	headerIdempotency = "X-Idempotency-Key"
)

// Scopes cleared for every touched user.
var defaultScopes = []string{"list", "summary", "daily"}

type Config struct {
	Logger  *slog.Logger
	BaseURL string
	// HTTPClient defaults to a plain client; per-call deadlines come from
	// PerCallTimeout.
	HTTPClient *http.Client
	// Parallelism bounds concurrent per-user calls.
	Parallelism int
	// BulkThreshold switches to a single invalidate-all call when more
	// users than this were touched.
	BulkThreshold  int
	PerCallTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.BulkThreshold <= 0 {
		cfg.BulkThreshold = 1_000
	}
	if cfg.PerCallTimeout <= 0 {
		cfg.PerCallTimeout = 5 * time.Second
	}
	return nil
}

type Invalidator struct {
	log *slog.Logger
	cfg *Config
}

func New(cfg *Config) (*Invalidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate invalidator config: %w", err)
	}
	return &Invalidator{log: cfg.Logger, cfg: cfg}, nil
}

// Result counts invalidation outcomes. Failures are reported, never fatal;
// stale cache entries expire on their own TTL.
type Result struct {
	Succeeded int
	Failed    int
	Bulk      bool
}

type userRequest struct {
	UserID           string   `json:"user_id"`
	InvalidateScopes []string `json:"invalidate_scopes"`
}

type bulkRequest struct {
	InvalidateAll bool `json:"invalidate_all"`
}

// Invalidate fans out one call per touched user, or a single bulk call when
// the user count exceeds the threshold. The idempotency key ties every call
// to the run so retried runs cannot double-count on the service side.
func (i *Invalidator) Invalidate(ctx context.Context, runID string, userIDs []string) Result {
	if len(userIDs) == 0 {
		return Result{}
	}

	if len(userIDs) > i.cfg.BulkThreshold {
		err := i.post(ctx, runID+":all", bulkRequest{InvalidateAll: true})
		if err != nil {
			i.log.Error("bulk cache invalidation failed", "run_id", runID, "users", len(userIDs), "error", err)
			return Result{Failed: 1, Bulk: true}
		}
		i.log.Info("bulk cache invalidation sent", "run_id", runID, "users", len(userIDs))
		return Result{Succeeded: 1, Bulk: true}
	}

	var succeeded, failed atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(i.cfg.Parallelism)

	for _, userID := range userIDs {
		group.Go(func() error {
			err := i.post(groupCtx, runID+":"+userID, userRequest{
				UserID:           userID,
				InvalidateScopes: defaultScopes,
			})
			if err != nil {
				failed.Add(1)
				i.log.Warn("cache invalidation failed", "run_id", runID, "user_id", userID, "error", err)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	// Workers never return errors; Wait only joins them.
	_ = group.Wait()

	result := Result{Succeeded: int(succeeded.Load()), Failed: int(failed.Load())}
	i.log.Info("cache invalidation finished",
		"run_id", runID, "succeeded", result.Succeeded, "failed", result.Failed)
	return result
}

func (i *Invalidator) post(ctx context.Context, idempotencyKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation payload: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, i.cfg.PerCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, i.cfg.BaseURL+invalidatePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build invalidation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerService, internalService)
	req.Header.Set(headerIdempotency, idempotencyKey)

	resp, err := i.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("invalidation request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("invalidation request returned status %d", resp.StatusCode)
	}
	return nil
}
