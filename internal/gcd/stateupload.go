package gcd

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/config"
	"deviceagent/internal/httpclient"
	"deviceagent/internal/statequeue"
)

type statePatchEntry struct {
	TimeMs int64          `json:"timeMs"`
	Patch  map[string]any `json:"patch"`
}

type patchStateRequest struct {
	RequestTimeMs int64             `json:"requestTimeMs"`
	Patches       []statePatchEntry `json:"patches"`
}

// NotifyState records a property change for eventual upload. Safe to call
// from any goroutine; the queue itself is internally synchronized.
func (c *Controller) NotifyState(path string, value any) uint64 {
	return c.stateQueue.Notify(path, value, time.Now())
}

// StateSnapshot returns the current value of every tracked property.
func (c *Controller) StateSnapshot() map[string]any {
	return c.stateQueue.Snapshot()
}

func (c *Controller) onStateQueueNotify() {
	c.postGen(c.maybeUploadState)
}

func (c *Controller) startStateUpload() {
	c.postGen(c.maybeUploadState)
}

// maybeUploadState uploads every change since the acknowledged watermark,
// enforcing at most one in-flight request; changes produced while an
// upload is outstanding are picked up by the follow-up attempt it
// schedules on success.
func (c *Controller) maybeUploadState() {
	if c.stateUploadRun || c.state != StateConnected {
		return
	}
	changes := c.stateQueue.GetSince(c.ackWatermark)
	if len(changes) == 0 {
		return
	}

	watermark := c.stateQueue.LastChangeID()
	settings := c.settings
	c.stateUploadRun = true

	go func() {
		err := c.uploadStateChanges(settings, changes)
		c.postGen(func() {
			c.stateUploadRun = false
			c.finishStateUpload(watermark, err)
		})
	}()
}

func (c *Controller) finishStateUpload(watermark uint64, err error) {
	if err == nil {
		c.backoff.Reset()
		c.ackWatermark = watermark
		c.stateQueue.ClearUpTo(watermark)
		c.maybeUploadState()
		return
	}

	if isDroppableClientError(err) {
		c.logger.Warn("state upload rejected by Cloud, dropping batch", "err", err)
		c.ackWatermark = watermark
		c.stateQueue.ClearUpTo(watermark)
		return
	}

	delay := c.backoff.Next()
	c.logger.Warn("state upload failed, retrying", "err", err, "delay", delay)
	c.postGenDelayed(c.maybeUploadState, delay)
}

func (c *Controller) uploadStateChanges(settings *config.Settings, changes []statequeue.Change) error {
	if settings == nil {
		return agenterr.New(agenterr.DomainBuffet, agenterr.CodeUnauthorized, "not registered")
	}

	patches := make([]statePatchEntry, 0, len(changes))
	for _, ch := range changes {
		patches = append(patches, statePatchEntry{
			TimeMs: ch.Occurred.UnixMilli(),
			Patch:  map[string]any{ch.Path: ch.Value},
		})
	}

	body := patchStateRequest{
		RequestTimeMs: time.Now().UnixMilli(),
		Patches:       patches,
	}

	url := httpclient.BuildURL(settings.ServiceURL, "devices/"+settings.CloudID+"/patchState")
	ctx, cancel := context.WithTimeout(context.Background(), httpclient.DefaultTimeout)
	defer cancel()
	return c.httpClient.DoJSON(ctx, http.MethodPost, url, body, nil)
}

// isDroppableClientError reports whether err is a Cloud 4xx response other
// than 401 — state is idempotent, so these batches are dropped and logged
// rather than retried forever.
func isDroppableClientError(err error) bool {
	e, ok := err.(*agenterr.Error)
	if !ok || e.Domain != agenterr.DomainGCDServer || !strings.HasPrefix(e.Code, "http_") {
		return false
	}
	status, convErr := strconv.Atoi(strings.TrimPrefix(e.Code, "http_"))
	if convErr != nil {
		return false
	}
	return status >= 400 && status < 500 && status != http.StatusUnauthorized
}
