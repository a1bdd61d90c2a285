package metrics

import "time"

// JobCompleted records a successful job completion
func JobCompleted(jobType string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, "completed").Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// JobFailed records a job failure
func JobFailed(jobType string) {
	JobsTotal.WithLabelValues(jobType, "failed").Inc()
}

// JobRetried records a job retry attempt
func JobRetried(jobType string) {
	JobRetriesTotal.WithLabelValues(jobType).Inc()
}

// ObserveGateway records the latency of one gateway call.
func ObserveGateway(provider, operation string, start time.Time) {
	GatewayRequestDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
}

// SweepProcessed records one row handled by a scheduled sweep.
func SweepProcessed(sweep, result string) {
	SweepRowsTotal.WithLabelValues(sweep, result).Inc()
}
