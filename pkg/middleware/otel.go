package middleware

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/boardsync/pkg/server"
)

const defaultTracerName = "boardsync"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "boardsync").
	TracerName string

	// TracerProvider supplies the tracer. Default: the global provider.
	TracerProvider trace.TracerProvider

	// IncludeUserID includes the user ID in spans.
	// Disabled by default.
	IncludeUserID bool

	// Filter determines which events to trace. If nil, all events are traced.
	Filter func(ec *server.EventContext) bool

	// AttributeExtractor adds custom attributes to each span.
	AttributeExtractor func(ec *server.EventContext) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeUserID enables including the user ID in spans.
func WithIncludeUserID(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeUserID = include
	}
}

// WithEventFilter sets a filter function for events.
func WithEventFilter(filter func(ec *server.EventContext) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(ec *server.EventContext) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

// OpenTelemetry creates middleware that traces every inbound event. The span
// context is installed on the event so storage calls made by the handler
// become child spans.
//
// Cursor events are frequent and carry no state; filter them out when
// tracing is sampled at a high rate:
//
//	middleware.OpenTelemetry(
//	    middleware.WithEventFilter(func(ec *server.EventContext) bool {
//	        return ec.Type != protocol.TypeCursorPosition
//	    }),
//	)
func OpenTelemetry(opts ...OTelOption) server.EventMiddleware {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(config.TracerName)

	return server.EventMiddlewareFunc(func(ec *server.EventContext, next func() error) error {
		if config.Filter != nil && !config.Filter(ec) {
			return next()
		}

		eventType := string(ec.Type)
		if eventType == "" {
			eventType = "unknown"
		}

		attrs := []attribute.KeyValue{
			attribute.String("boardsync.event_type", eventType),
			attribute.String("boardsync.conn_id", ec.ConnID()),
			attribute.Int("boardsync.event_bytes", ec.Size),
		}
		if boardID := ec.BoardID(); boardID != "" {
			attrs = append(attrs, attribute.String("boardsync.board_id", boardID))
		}
		if config.IncludeUserID {
			if userID := ec.UserID(); userID != "" {
				attrs = append(attrs, attribute.String("boardsync.user_id", userID))
			}
		}
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(ec)...)
		}

		ctx, span := tracer.Start(ec.Context(), "boardsync."+eventType,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()
		ec.WithContext(ctx)

		err := next()

		span.SetAttributes(attribute.String("boardsync.status", server.EventStatus(err)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	})
}

// SpanFromEvent returns the span the middleware started for ec. It returns
// a non-recording span when the event is not traced.
func SpanFromEvent(ec *server.EventContext) trace.Span {
	return trace.SpanFromContext(ec.Context())
}
