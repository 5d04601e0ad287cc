package worker

// Task is one object to migrate.
type Task struct {
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ETag        string            `json:"etag"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata"`
}

// Result is the outcome of one task, consumed by the orchestration loop
// which owns all checkpoint writes.
type Result struct {
	Key     string
	Size    int64
	Skipped bool
	Err     error
}

// Config contains worker configuration.
type Config struct {
	TargetBucket       string
	MultipartThreshold int64
	PartSize           int64
	SkipExisting       bool
}
