// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

package retention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/store"
)

// DeletionStatus is the lifecycle state of a deletion request.
type DeletionStatus string

const (
	DeletionPending   DeletionStatus = "pending"
	DeletionCompleted DeletionStatus = "completed"
	DeletionFailed    DeletionStatus = "failed"
)

// DeletionRequest is one right-to-be-forgotten request and its outcome,
// grounded on DataDeletionManager's deletion_log entries.
type DeletionRequest struct {
	RequestID     string
	AppID         string
	Categories    []DataCategory
	Reason        string
	Status        DeletionStatus
	RequestedAt   time.Time
	CompletedAt   time.Time
	DeletedCounts map[string]int
	Error         string
}

// allCategories is substituted when a caller asks to delete "everything
// held" for an app, i.e. requests no categories explicitly.
var allCategories = []DataCategory{
	CategoryAuditLogs, CategoryUsageRecords, CategoryRequestLogs,
	CategoryDecisionTraces, CategoryErrorLogs, CategoryAnalytics,
}

// DeletionManager tracks and executes GDPR Article 17 deletion requests
// against the record store. The in-process log is an audit convenience
// for operators; the store itself is the durable record of what was
// actually deleted. Grounded on DataDeletionManager.
type DeletionManager struct {
	store store.Store
	now   func() time.Time

	mu  sync.Mutex
	log []DeletionRequest
}

type DeletionOption func(*DeletionManager)

// WithDeletionClock overrides the manager's time source, for
// deterministic tests.
func WithDeletionClock(now func() time.Time) DeletionOption {
	return func(d *DeletionManager) { d.now = now }
}

func NewDeletionManager(st store.Store, opts ...DeletionOption) *DeletionManager {
	d := &DeletionManager{store: st, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RequestDeletion logs a pending deletion request and returns it. A nil
// or empty categories slice means every category this manager knows
// about.
func (d *DeletionManager) RequestDeletion(appID string, categories []DataCategory, reason string) DeletionRequest {
	if len(categories) == 0 {
		categories = allCategories
	}
	if reason == "" {
		reason = "data_subject_request"
	}

	now := d.now()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", appID, now.UnixNano(), reason)))
	req := DeletionRequest{
		RequestID:   hex.EncodeToString(sum[:])[:16],
		AppID:       appID,
		Categories:  categories,
		Reason:      reason,
		Status:      DeletionPending,
		RequestedAt: now,
	}

	d.mu.Lock()
	d.log = append(d.log, req)
	d.mu.Unlock()
	return req
}

// ExecuteDeletion runs a previously requested deletion against the
// store and records its outcome in the log. It is idempotent: executing
// an already-completed request re-runs the store deletion (a no-op if
// nothing remains) and refreshes the completion record.
func (d *DeletionManager) ExecuteDeletion(ctx context.Context, requestID string) (DeletionRequest, error) {
	d.mu.Lock()
	idx := -1
	for i, r := range d.log {
		if r.RequestID == requestID {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return DeletionRequest{}, fmt.Errorf("retention: no deletion request %q", requestID)
	}
	req := d.log[idx]
	d.mu.Unlock()

	categories := make([]string, len(req.Categories))
	for i, c := range req.Categories {
		categories[i] = string(c)
	}

	counts, err := d.store.DeleteAppData(ctx, req.AppID, categories)

	d.mu.Lock()
	defer d.mu.Unlock()
	req.CompletedAt = d.now()
	if err != nil {
		req.Status = DeletionFailed
		req.Error = err.Error()
	} else {
		req.Status = DeletionCompleted
		req.DeletedCounts = counts
	}
	d.log[idx] = req
	return req, err
}

// DeletionLog returns the deletion requests recorded for appID, oldest
// first. An empty appID returns the full log across every app.
func (d *DeletionManager) DeletionLog(appID string) []DeletionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if appID == "" {
		out := make([]DeletionRequest, len(d.log))
		copy(out, d.log)
		return out
	}
	var out []DeletionRequest
	for _, r := range d.log {
		if r.AppID == appID {
			out = append(out, r)
		}
	}
	return out
}
