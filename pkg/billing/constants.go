package billing

// Provider-independent failure codes carried in Settlement.ErrorCode.
const (
	// FailureCodeTimeout marks a job the poller gave up on: the provider
	// never delivered a terminal signal within the attempt or age budget.
	FailureCodeTimeout = "timeout"
)

// Default credit pricing. Duration rates are credits per second of output
// video; flat prices are credits per generated video.
const (
	RatePerSecondStandard = 10
	RatePerSecondPro      = 14

	FlatTextToVideoStandard  = 20
	FlatTextToVideoHD        = 30
	FlatImageToVideoStandard = 25
	FlatImageToVideoHD       = 35
)

// ReferenceKindJob tags ledger references pointing at a job.
const ReferenceKindJob = "job"

// SpendIdempotencyKey derives the ledger key for a job's debit. Every path
// that charges a job derives the same key, so the debit lands once no matter
// how often it is retried.
func SpendIdempotencyKey(jobID string) string {
	return "job:" + jobID + ":spend"
}

// RefundIdempotencyKey derives the ledger key for a job's refund.
func RefundIdempotencyKey(jobID string) string {
	return "job:" + jobID + ":refund"
}
