package service

import "time"

type options struct {
	now           func() time.Time
	metrics       *Metrics
	subjectPrefix string
	approvers     *ApproverRegistry
}

func defaultOptions() options {
	return options{
		now:           func() time.Time { return time.Now().UTC() },
		subjectPrefix: DefaultSubjectPrefix,
		approvers:     DefaultApproverRegistry(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures the catalog, engine, scheduler, query service and relay.
type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSubjectPrefix sets the event subject prefix.
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.subjectPrefix = prefix
		}
	}
}

// WithApproverRegistry replaces the approver strategies.
func WithApproverRegistry(r *ApproverRegistry) Option {
	return func(o *options) { o.approvers = r }
}
