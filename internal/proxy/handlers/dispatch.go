package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/TanDenggg/antigravity-proxy/internal/auth/token"
	"github.com/TanDenggg/antigravity-proxy/internal/config"
	"github.com/TanDenggg/antigravity-proxy/internal/db"
	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/TanDenggg/antigravity-proxy/internal/monitor"
	"github.com/TanDenggg/antigravity-proxy/internal/pool"
	"github.com/TanDenggg/antigravity-proxy/internal/proxy/middleware"
	"github.com/TanDenggg/antigravity-proxy/internal/ratelimit"
	"github.com/TanDenggg/antigravity-proxy/internal/upstream"
	"gorm.io/gorm"
)

const providerName = "google-cloud-code"

// Dispatcher wires the pool, token manager, limiter, and upstream client
// into the per-request state machine. One instance serves all routes.
type Dispatcher struct {
	DB       *gorm.DB
	Cfg      *config.Config
	Pool     *pool.Pool
	Tokens   *token.Manager
	Limiter  *ratelimit.Limiter
	Upstream *upstream.Client
	Monitor  *monitor.Monitor
}

// attemptState carries bookkeeping across the retry loop.
type attemptState struct {
	requestID     string
	model         string
	apiKeyID      uint
	start         time.Time
	attempt       int
	accountsTried map[uint]bool
	lastAccountID uint
}

func (d *Dispatcher) newAttemptState(r *http.Request, model string) *attemptState {
	st := &attemptState{
		requestID:     NewRequestID(),
		model:         model,
		start:         time.Now(),
		accountsTried: map[uint]bool{},
	}
	if key := middleware.APIKeyFrom(r.Context()); key != nil {
		st.apiKeyID = key.ID
	}
	return st
}

func (st *attemptState) noteAccount(id uint) (sameRetry bool) {
	sameRetry = st.attempt > 1 && st.lastAccountID == id
	st.accountsTried[id] = true
	st.lastAccountID = id
	return sameRetry
}

func (d *Dispatcher) logRequest(st *attemptState, accountID uint, status, errMsg string, usage *upstream.Usage, sameRetry bool) {
	entry := models.RequestLog{
		AccountID:      accountID,
		APIKeyID:       st.apiKeyID,
		Model:          st.model,
		Status:         status,
		LatencyMs:      time.Since(st.start).Milliseconds(),
		ErrorMessage:   errMsg,
		RequestID:      st.requestID,
		AttemptNo:      st.attempt,
		AccountAttempt: len(st.accountsTried),
		SameRetry:      sameRetry,
	}
	if usage != nil {
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
		entry.TotalTokens = usage.TotalTokens
		entry.ThinkingTokens = usage.ThinkingTokens
	}
	d.Monitor.LogRequest(entry)
}

// cloneBody deep-copies the caller's body so each attempt normalises its own
// envelope.
func cloneBody(body map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(body)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// sleepCtx sleeps for d or until ctx fires; reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) refreshFunc(accountID uint) upstream.RefreshFunc {
	return func(ctx context.Context) (string, error) {
		creds, err := d.Tokens.ForceRefresh(ctx, accountID)
		if err != nil {
			return "", err
		}
		return creds.AccessToken, nil
	}
}

// poolErrorSurface maps a selection failure to an HTTP status, message, and
// error code.
func poolErrorSurface(err error) (int, string, string) {
	switch {
	case errors.Is(err, pool.ErrAllLimited), errors.Is(err, pool.ErrAllBusy):
		return http.StatusTooManyRequests, "All accounts are rate limited, please retry later", codeRateLimited
	case errors.Is(err, pool.ErrNoAccounts):
		return http.StatusInternalServerError, "No accounts configured", codeInternal
	default:
		return http.StatusInternalServerError, err.Error(), codeInternal
	}
}

// Generate runs the non-streaming request lifecycle: slot, account, upstream
// call, capacity retries across accounts, release, log. writeSuccess renders
// the unwrapped upstream result in the caller's dialect.
func (d *Dispatcher) Generate(w http.ResponseWriter, r *http.Request, clientModel string, body map[string]interface{}, writeSuccess func(http.ResponseWriter, *upstream.Result)) {
	ctx := r.Context()
	model := db.ResolveModel(d.DB, clientModel)
	st := d.newAttemptState(r, model)

	if !d.Limiter.Acquire(model) {
		writeJSONError(w, http.StatusTooManyRequests, "Model concurrency limit reached, please retry later", codeModelConcurrency)
		d.logRequest(st, 0, models.RequestStatusError, "Model concurrency limit reached", nil, false)
		return
	}
	defer d.Limiter.Release(model)

	maxAttempts := d.Cfg.CapacityRetries + 1
	var lastErr error

	for st.attempt = 1; st.attempt <= maxAttempts; st.attempt++ {
		lease, err := d.Pool.GetBestAccount(ctx, model)
		if err != nil {
			if errors.Is(err, pool.ErrTokenUnavailable) && st.attempt < maxAttempts {
				lastErr = err
				continue
			}
			if ctx.Err() != nil {
				d.logRequest(st, 0, models.RequestStatusError, "client disconnected", nil, false)
				return
			}
			status, message, code := poolErrorSurface(err)
			writeJSONError(w, status, message, code)
			d.logRequest(st, 0, models.RequestStatusError, err.Error(), nil, false)
			return
		}

		accountID := lease.Account.ID
		sameRetry := st.noteAccount(accountID)
		envelope := upstream.BuildEnvelope(lease.Credentials.ProjectID, st.requestID, model, d.Cfg.ImageModel, cloneBody(body))

		callStart := time.Now()
		result, err := d.Upstream.Chat(ctx, lease.Credentials.AccessToken, envelope, d.refreshFunc(accountID))
		d.recordCall(st, lease, envelope, result, err, callStart, false)

		if err == nil {
			d.Pool.MarkCapacityRecovered(accountID, model)
			d.Pool.UnlockAccount(accountID)
			writeSuccess(w, result)
			d.logRequest(st, accountID, models.RequestStatusSuccess, "", result.Usage, sameRetry)
			return
		}

		if ctx.Err() != nil {
			d.Pool.UnlockAccount(accountID)
			d.logRequest(st, accountID, models.RequestStatusError, "client disconnected", nil, sameRetry)
			return
		}

		var capErr *upstream.CapacityError
		if errors.As(err, &capErr) {
			d.Pool.MarkCapacityLimited(accountID, model, capErr.Message, capErr.ResetAfter)
			d.Pool.UnlockAccount(accountID)
			lastErr = err
			if st.attempt < maxAttempts {
				delay := capErr.ResetAfter
				if delay <= 0 {
					delay = d.Cfg.CapacityRetryDelay() * time.Duration(st.attempt)
				}
				if !sleepCtx(ctx, delay) {
					d.logRequest(st, accountID, models.RequestStatusError, "client disconnected", nil, sameRetry)
					return
				}
				continue
			}
			break
		}

		// Terminal upstream failure for this request.
		d.Pool.MarkAccountError(accountID, err)
		d.Pool.UnlockAccount(accountID)
		lastErr = err
		break
	}

	d.surfaceError(w, st, lastErr)
}

func (d *Dispatcher) surfaceError(w http.ResponseWriter, st *attemptState, lastErr error) {
	if lastErr == nil {
		lastErr = fmt.Errorf("request failed")
	}

	var capErr *upstream.CapacityError
	if errors.As(lastErr, &capErr) {
		writeJSONError(w, http.StatusTooManyRequests, "All accounts have exhausted their capacity for this model, please retry later", codeRateLimited)
	} else {
		writeJSONError(w, http.StatusInternalServerError, lastErr.Error(), codeInternal)
	}
	d.logRequest(st, st.lastAccountID, models.RequestStatusError, lastErr.Error(), nil, false)
}

// StreamGenerate runs the streaming lifecycle. Headers are committed before
// the attempt loop; once any event has been written, capacity errors are no
// longer retried on another account — the caller has observed a partial
// transcript bound to this attempt. translate maps one unwrapped upstream
// chunk to zero or more outbound event payloads; finish optionally writes a
// closing event after a successful stream.
func (d *Dispatcher) StreamGenerate(w http.ResponseWriter, r *http.Request, clientModel string, body map[string]interface{}, translate func([]byte) [][]byte, finish func(io.Writer)) {
	ctx := r.Context()
	model := db.ResolveModel(d.DB, clientModel)
	st := d.newAttemptState(r, model)

	if !d.Limiter.Acquire(model) {
		writeJSONError(w, http.StatusTooManyRequests, "Model concurrency limit reached, please retry later", codeModelConcurrency)
		d.logRequest(st, 0, models.RequestStatusError, "Model concurrency limit reached", nil, false)
		return
	}
	defer d.Limiter.Release(model)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming not supported", codeInternal)
		d.logRequest(st, 0, models.RequestStatusError, "streaming not supported", nil, false)
		return
	}

	SetSSEHeaders(w)

	emitted := 0
	writeEvent := func(payload []byte) {
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	emit := func(chunk []byte) {
		for _, payload := range translate(chunk) {
			writeEvent(payload)
		}
		emitted++
	}

	maxAttempts := d.Cfg.CapacityRetries + 1
	var lastErr error
	var lastUsage *upstream.Usage

	for st.attempt = 1; st.attempt <= maxAttempts; st.attempt++ {
		lease, err := d.Pool.GetBestAccount(ctx, model)
		if err != nil {
			if errors.Is(err, pool.ErrTokenUnavailable) && st.attempt < maxAttempts {
				lastErr = err
				continue
			}
			if ctx.Err() != nil {
				d.logRequest(st, 0, models.RequestStatusError, "client disconnected", nil, false)
				return
			}
			_, message, code := poolErrorSurface(err)
			writeEvent(streamErrorEvent(message, code))
			d.logRequest(st, 0, models.RequestStatusError, err.Error(), nil, false)
			return
		}

		accountID := lease.Account.ID
		sameRetry := st.noteAccount(accountID)
		envelope := upstream.BuildEnvelope(lease.Credentials.ProjectID, st.requestID, model, d.Cfg.ImageModel, cloneBody(body))

		callStart := time.Now()
		result, err := d.Upstream.StreamChat(ctx, lease.Credentials.AccessToken, envelope, d.refreshFunc(accountID), emit)
		d.recordCall(st, lease, envelope, result, err, callStart, true)
		if result != nil && result.Usage != nil {
			lastUsage = result.Usage
		}

		if err == nil {
			d.Pool.MarkCapacityRecovered(accountID, model)
			d.Pool.UnlockAccount(accountID)
			if finish != nil {
				finish(w)
				flusher.Flush()
			}
			d.logRequest(st, accountID, models.RequestStatusSuccess, "", lastUsage, sameRetry)
			return
		}

		if ctx.Err() != nil {
			d.Pool.UnlockAccount(accountID)
			d.logRequest(st, accountID, models.RequestStatusError, "client disconnected", nil, sameRetry)
			return
		}

		var capErr *upstream.CapacityError
		if errors.As(err, &capErr) {
			d.Pool.MarkCapacityLimited(accountID, model, capErr.Message, capErr.ResetAfter)
			d.Pool.UnlockAccount(accountID)
			lastErr = err
			// Retry only while the caller has seen nothing: once bytes have
			// flowed, the transcript is bound to this attempt.
			if st.attempt < maxAttempts && emitted == 0 {
				delay := capErr.ResetAfter
				if delay <= 0 {
					delay = d.Cfg.CapacityRetryDelay() * time.Duration(st.attempt)
				}
				if !sleepCtx(ctx, delay) {
					d.logRequest(st, accountID, models.RequestStatusError, "client disconnected", nil, sameRetry)
					return
				}
				continue
			}
			writeEvent(streamErrorEvent("Account capacity exhausted for this model", codeRateLimited))
			d.logRequest(st, accountID, models.RequestStatusError, capErr.Message, lastUsage, sameRetry)
			return
		}

		d.Pool.MarkAccountError(accountID, err)
		d.Pool.UnlockAccount(accountID)

		if errors.Is(err, upstream.ErrEmptyResponse) {
			writeEvent(streamErrorEvent("Upstream returned an empty response", codeEmptyResponse))
			d.logRequest(st, accountID, models.RequestStatusError, err.Error(), nil, sameRetry)
			return
		}

		writeEvent(streamErrorEvent(err.Error(), codeInternal))
		d.logRequest(st, accountID, models.RequestStatusError, err.Error(), nil, sameRetry)
		return
	}

	// Attempts exhausted on capacity errors with nothing emitted.
	message := "All accounts have exhausted their capacity for this model, please retry later"
	writeEvent(streamErrorEvent(message, codeRateLimited))
	errMsg := message
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	d.logRequest(st, st.lastAccountID, models.RequestStatusError, errMsg, nil, false)
}

// recordCall feeds the model-call logger after every upstream invocation.
// Only calls that reached the upstream client land here.
func (d *Dispatcher) recordCall(st *attemptState, lease *pool.Lease, envelope map[string]interface{}, result *upstream.Result, err error, start time.Time, stream bool) {
	kind := "chat"
	endpoint := ":generateContent"
	if stream {
		kind = "stream_chat"
		endpoint = ":streamGenerateContent"
	}

	rec := monitor.CallRecord{
		Kind:         kind,
		Provider:     providerName,
		Endpoint:     endpoint,
		Model:        st.model,
		Stream:       stream,
		Status:       models.RequestStatusSuccess,
		Latency:      time.Since(start),
		AccountID:    lease.Account.ID,
		AccountEmail: lease.Account.Email,
		AccountTier:  lease.Account.Tier,
	}
	if raw, marshalErr := json.Marshal(envelope); marshalErr == nil {
		rec.RequestBody = string(raw)
	}
	if result != nil {
		rec.Chunks = result.Chunks
		if !stream {
			rec.ResponseBody = string(result.Body)
		}
		for _, raw := range result.RawDropped {
			rec.DroppedRaw = append(rec.DroppedRaw, string(raw))
		}
	}
	if err != nil {
		rec.Status = models.RequestStatusError
		rec.Error = err.Error()
		log.Printf("❌ Upstream %s failed for account %d: %v", kind, lease.Account.ID, err)
	}
	d.Monitor.RecordCall(rec)
}
