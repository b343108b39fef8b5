package notify

import (
	"context"

	logx "silentmate/pkg/logx"
)

// LogSink renders notifications into the structured log. It is the default
// sink when no platform notification surface is wired in.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.Int("urgency", n.Urgency),
	}
	if n.Sound != "" {
		fields = append(fields, logx.String("sound", n.Sound))
	}
	switch {
	case n.Urgency >= 9:
		s.Log.Error("notification", fields...)
	case n.Urgency >= 7:
		s.Log.Warn("notification", fields...)
	default:
		s.Log.Info("notification", fields...)
	}
	return nil
}

// FuncSink adapts a function to the Sink interface. Useful in tests and for
// small hosts that just forward to a desktop notification command.
type FuncSink func(ctx context.Context, n Notification) error

func (f FuncSink) Send(ctx context.Context, n Notification) error { return f(ctx, n) }
