package sftp

// Job is the download-job message consumed from a source's configured AMQP
// job queue. Hash is optional: when present, the executor verifies the
// downloaded content against it before materializing the file. Attempt
// counts transient-failure requeues: since a plain broker requeue redelivers
// the original message unchanged, the executor tracks retries by
// republishing an incremented copy of the job rather than nacking with
// requeue=true.
type Job struct {
	Source  string `json:"source"`
	Path    string `json:"path"`
	Size    *int64 `json:"size,omitempty"`
	Hash    string `json:"hash,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}
