// Package alert surfaces data-integrity faults to operators.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dspaving.app/licensing/internal/logger"
	"github.com/getsentry/sentry-go"
)

// Reporter receives faults that need a human: payments the pipeline could not
// attribute, ledger constraint violations, forged webhooks.
type Reporter interface {
	Report(ctx context.Context, err error, fields logger.Fields)
}

// Init configures the Sentry client. An empty DSN leaves Sentry disabled and
// Report only logs.
func Init(dsn, environment, release string) (flush func(), err error) {
	err = sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return func() {}, fmt.Errorf("sentry.Init: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

type SentryReporter struct{}

func NewSentryReporter() *SentryReporter {
	return &SentryReporter{}
}

func (SentryReporter) Report(ctx context.Context, err error, fields logger.Fields) {
	logger.Error("Operator alert", mergeError(fields, err))

	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub().Clone()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range fields {
			scope.SetExtra(k, v)
			if s, ok := v.(string); ok && (k == "reference_id" || k == "user_id" || k == "gateway") {
				scope.SetTag(k, s)
			}
		}
		hub.CaptureException(err)
	})
}

// Recorder keeps reports in memory. Tests use it to assert that a fault
// reached operators.
type Recorder struct {
	mu      sync.Mutex
	Reports []Report
}

type Report struct {
	Err    error
	Fields logger.Fields
}

func (r *Recorder) Report(_ context.Context, err error, fields logger.Fields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Reports = append(r.Reports, Report{Err: err, Fields: fields})
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Reports)
}

func mergeError(fields logger.Fields, err error) logger.Fields {
	out := logger.Fields{"error": err.Error()}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
