package obs

import (
	"context"

	"github.com/llm-router/keyrouter/core"
)

// InfoWithContext implements core.Logger, merging any baggage attached to
// ctx (e.g. a request's correlation id) into the logged fields.
func (l *TelemetryLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, withBaggageFields(ctx, fields))
}

// ErrorWithContext implements core.Logger.
func (l *TelemetryLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, withBaggageFields(ctx, fields))
}

// WarnWithContext implements core.Logger.
func (l *TelemetryLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, withBaggageFields(ctx, fields))
}

// DebugWithContext implements core.Logger.
func (l *TelemetryLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, withBaggageFields(ctx, fields))
}

// WithComponent implements core.ComponentAwareLogger, returning a logger
// that tags every line with the given component name.
func (l *TelemetryLogger) WithComponent(component string) core.Logger {
	return &componentLogger{base: l, component: component}
}

func withBaggageFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	bag := GetBaggage(ctx)
	if len(bag) == 0 {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+len(bag))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range bag {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return merged
}

// componentLogger tags every log line with a fixed component name, per
// core.ComponentAwareLogger.
type componentLogger struct {
	base      *TelemetryLogger
	component string
}

func (c *componentLogger) tag(fields map[string]interface{}) map[string]interface{} {
	tagged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		tagged[k] = v
	}
	tagged["component"] = c.component
	return tagged
}

func (c *componentLogger) Info(msg string, fields map[string]interface{})  { c.base.Info(msg, c.tag(fields)) }
func (c *componentLogger) Error(msg string, fields map[string]interface{}) { c.base.Error(msg, c.tag(fields)) }
func (c *componentLogger) Warn(msg string, fields map[string]interface{})  { c.base.Warn(msg, c.tag(fields)) }
func (c *componentLogger) Debug(msg string, fields map[string]interface{}) { c.base.Debug(msg, c.tag(fields)) }

func (c *componentLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.InfoWithContext(ctx, msg, c.tag(fields))
}

func (c *componentLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.ErrorWithContext(ctx, msg, c.tag(fields))
}

func (c *componentLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.WarnWithContext(ctx, msg, c.tag(fields))
}

func (c *componentLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.base.DebugWithContext(ctx, msg, c.tag(fields))
}
