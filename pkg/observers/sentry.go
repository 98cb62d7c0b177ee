package observers

import (
	"github.com/getsentry/sentry-go"
)

// SentryReporter captures terminal session failures. It is a no-op until
// sentry.Init has configured a client.
type SentryReporter struct{}

func (SentryReporter) Report(err error, tags map[string]string) {
	if err == nil || sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}
