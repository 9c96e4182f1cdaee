package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportError forwards an unexpected error to Sentry, if a DSN was configured
// at process start. Safe to call when Sentry is disabled.
func ReportError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	GetSentryHubFromContextOrDefault(ctx).CaptureException(err)
}
