package media

import "fmt"

// ValidationError rejects media locally before any network call: oversized
// clips, empty buffers. Recovered in the UI without an alarm.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "media: " + e.Reason }

// ResourceError reports a capture-device problem: permission denied, device
// already held by another recording. Surfaced immediately; recording never
// starts.
type ResourceError struct {
	Reason string
	Err    error
}

func (e *ResourceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media: %s: %v", e.Reason, e.Err)
	}
	return "media: " + e.Reason
}

func (e *ResourceError) Unwrap() error { return e.Err }

// UploadError wraps a blob-store failure. The whole send is aborted; a
// message row is never created without its media URL resolved.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("media: upload: %v", e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }
