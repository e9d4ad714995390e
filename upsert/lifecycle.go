package upsert

import (
	"context"
	"errors"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"memo-sync/domain"
)

const tracerName = "memo-sync"

// Lifecycle brackets asynchronous operations with busy signals and funnels
// their outcome into a notification.
type Lifecycle struct {
	indicator Indicator
	notifier  Notifier
	logger    *log.Logger
	tracer    trace.Tracer
	active    atomic.Int32
}

// NewLifecycle builds a Lifecycle. Nil collaborators are replaced by no-ops.
func NewLifecycle(indicator Indicator, notifier Notifier, logger *log.Logger) *Lifecycle {
	if indicator == nil {
		indicator = nopIndicator{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Lifecycle{
		indicator: indicator,
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// Busy reports whether any operation is running.
func (l *Lifecycle) Busy() bool { return l.active.Load() > 0 }

// Run calls Show, runs fn and calls Hide exactly once, including when fn
// panics. The panic is re-raised after Hide.
func (l *Lifecycle) Run(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	ctx, span := l.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("memo.operation", op)))
	l.active.Add(1)
	l.indicator.Show(op)
	defer func() {
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, "panic")
			l.end(op, span)
			panic(r)
		}
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
		case domain.IsValidation(err):
			span.SetAttributes(attribute.Bool("memo.validation_failed", true))
			span.SetStatus(codes.Ok, "")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "operation failed")
		}
		l.end(op, span)
	}()
	return fn(ctx)
}

func (l *Lifecycle) end(op string, span trace.Span) {
	l.indicator.Hide(op)
	l.active.Add(-1)
	span.End()
}

// Report turns an outcome into a notification. Validation errors stay in
// the form and produce none. Other errors are logged; the notifier only
// learns that op failed.
func (l *Lifecycle) Report(op string, err error) {
	if err == nil {
		l.notifier.Success(op)
		return
	}
	if domain.IsValidation(err) {
		return
	}
	entry := l.logger.WithError(err).WithField("op", op)
	var partial *domain.PartialCreateError
	if errors.As(err, &partial) {
		entry = entry.WithField("memo", partial.ID)
	}
	entry.Error("memo operation failed")
	l.notifier.Failure(op)
}
