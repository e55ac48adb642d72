// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bcem/ticketing/internal/events"
	"github.com/bcem/ticketing/internal/gmail"
	"github.com/bcem/ticketing/internal/requestctx"
)

// RunRecorder is the part of the event store that tracks import runs.
type RunRecorder interface {
	ImportStarted(ctx context.Context, runID, mailbox string, params map[string]any) (events.Event, error)
	ImportCompleted(ctx context.Context, runID string, stats events.ImportStats) (events.Event, error)
	ImportFailed(ctx context.Context, runID string, cause error) (events.Event, error)
	APIError(ctx context.Context, service, operation string, cause error, details map[string]any) (events.Event, error)
}

// Run is one import run: a backfill or a history sync. Its id is the
// correlation id of every event recorded while it is active.
type Run struct {
	ID string

	rec RunRecorder

	mu    sync.Mutex
	stats events.ImportStats
}

// StartRun records import.started and returns the run together with a
// context that carries the run id as correlation id.
func StartRun(ctx context.Context, rec RunRecorder, mailbox string, params map[string]any) (*Run, context.Context, error) {
	r := &Run{ID: uuid.NewString(), rec: rec}
	ctx = requestctx.WithCorrelationID(ctx, r.ID)
	if _, err := rec.ImportStarted(ctx, r.ID, mailbox, params); err != nil {
		return nil, ctx, fmt.Errorf("record import started: %w", err)
	}
	return r, ctx, nil
}

// Tally adds the outcome of one message to the run statistics.
func (r *Run) Tally(o Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Fetched++
	switch {
	case err != nil:
		r.stats.Errors++
	case o == OutcomeAssigned:
		r.stats.Assigned++
	case o == OutcomeDeferred:
		r.stats.Deferred++
	default:
		r.stats.Skipped++
	}
}

// Stats returns a snapshot of the run statistics.
func (r *Run) Stats() events.ImportStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// APIError records a failed Gmail call made on behalf of the run.
func (r *Run) APIError(ctx context.Context, operation string, cause error, details map[string]any) {
	var apiErr *gmail.APIError
	if !errors.As(cause, &apiErr) {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["status_code"] = apiErr.StatusCode
	details["run_id"] = r.ID
	if _, err := r.rec.APIError(ctx, "gmail", operation, cause, details); err != nil {
		slog.Error("failed to record api error", "run_id", r.ID, "error", err)
	}
}

// Finish records import.completed, or import.failed when cause is set. The
// event is written even if ctx was cancelled.
func (r *Run) Finish(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if cause != nil {
		if _, err := r.rec.ImportFailed(ctx, r.ID, cause); err != nil {
			return fmt.Errorf("record import failed: %w", err)
		}
		return nil
	}
	if _, err := r.rec.ImportCompleted(ctx, r.ID, r.Stats()); err != nil {
		return fmt.Errorf("record import completed: %w", err)
	}
	return nil
}
