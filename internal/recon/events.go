package recon

// Event topics published by the Recon module.
const (
	TopicScanStarted   = "recon.scan.started"
	TopicScanCompleted = "recon.scan.completed"
)
