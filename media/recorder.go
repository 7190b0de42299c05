package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CaptureDevice is the microphone/camera collaborator. Exclusively held by
// one recording at a time; every exit path must release it.
type CaptureDevice interface {
	// Acquire opens the device. A ResourceError means permission was
	// denied or the device is unavailable.
	Acquire(ctx context.Context) error
	// Read returns the bytes captured so far and releases the device.
	Read() ([]byte, error)
	// Release discards the buffer and frees the device synchronously.
	Release()
}

// RecorderState is the attachment-capture lifecycle position.
type RecorderState int

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
	RecorderFinalizing
	RecorderUploaded
	RecorderCancelled
	RecorderFailed
)

func (s RecorderState) String() string {
	switch s {
	case RecorderIdle:
		return "idle"
	case RecorderRecording:
		return "recording"
	case RecorderFinalizing:
		return "finalizing"
	case RecorderUploaded:
		return "uploaded"
	case RecorderCancelled:
		return "cancelled"
	case RecorderFailed:
		return "failed"
	}
	return "unknown"
}

// VoiceClip is the result of a finished recording: a stable blob URL ready to
// be used as a message body, and the elapsed duration.
type VoiceClip struct {
	URL      string
	Duration int // seconds
}

// Recorder drives one voice recording: Idle -> Recording(elapsed) ->
// Finalizing -> Uploaded | Cancelled | Failed. Elapsed time advances on a
// one-second tick. No upper bound is enforced for voice.
type Recorder struct {
	device CaptureDevice
	blobs  BlobStore
	logger *slog.Logger

	mu       sync.Mutex
	state    RecorderState
	elapsed  int
	stopTick chan struct{}
	onTick   func(seconds int)

	// tick source, swappable in tests
	ticker func() (<-chan time.Time, func())
}

// NewRecorder builds an idle recorder. onTick, if non-nil, receives the
// elapsed seconds after every tick (UI counter); it must not block.
func NewRecorder(device CaptureDevice, blobs BlobStore, onTick func(int)) *Recorder {
	return &Recorder{
		device: device,
		blobs:  blobs,
		logger: slog.Default(),
		onTick: onTick,
		ticker: func() (<-chan time.Time, func()) {
			t := time.NewTicker(time.Second)
			return t.C, t.Stop
		},
	}
}

// Start acquires the capture device and begins counting. A second Start
// while recording is rejected, not queued.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state == RecorderRecording || r.state == RecorderFinalizing {
		r.mu.Unlock()
		return &ResourceError{Reason: "capture device already in use"}
	}
	r.mu.Unlock()

	if err := r.device.Acquire(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = RecorderRecording
	r.elapsed = 0
	stop := make(chan struct{})
	r.stopTick = stop
	r.mu.Unlock()

	ticks, cancel := r.ticker()
	go func() {
		defer cancel()
		for {
			select {
			case <-ticks:
				r.mu.Lock()
				if r.state != RecorderRecording {
					r.mu.Unlock()
					return
				}
				r.elapsed++
				n := r.elapsed
				cb := r.onTick
				r.mu.Unlock()
				if cb != nil {
					cb(n)
				}
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// Elapsed returns the seconds recorded so far.
func (r *Recorder) Elapsed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// State returns the current lifecycle state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stop finalizes the recording: reads the buffer, releases the device and
// uploads the blob. On upload failure the whole send is aborted and the
// recorder lands in Failed; no message may be created from it.
func (r *Recorder) Stop(ctx context.Context, ownerID string) (VoiceClip, error) {
	r.mu.Lock()
	if r.state != RecorderRecording {
		state := r.state
		r.mu.Unlock()
		return VoiceClip{}, fmt.Errorf("media: stop from state %s", state)
	}
	r.state = RecorderFinalizing
	close(r.stopTick)
	duration := r.elapsed
	r.mu.Unlock()

	data, err := r.device.Read()
	if err != nil {
		r.setState(RecorderFailed)
		return VoiceClip{}, &ResourceError{Reason: "read capture buffer", Err: err}
	}
	if len(data) == 0 {
		r.setState(RecorderFailed)
		return VoiceClip{}, &ValidationError{Reason: "empty recording"}
	}

	url, err := r.blobs.Upload(ctx, data, ownerID)
	if err != nil {
		r.setState(RecorderFailed)
		r.logger.Warn("voice upload failed", "err", err)
		return VoiceClip{}, &UploadError{Err: err}
	}

	r.setState(RecorderUploaded)
	return VoiceClip{URL: url, Duration: duration}, nil
}

// Cancel discards the buffer without uploading and releases the capture
// device synchronously. Only legal from Recording.
func (r *Recorder) Cancel() error {
	r.mu.Lock()
	if r.state != RecorderRecording {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("media: cancel from state %s", state)
	}
	r.state = RecorderCancelled
	close(r.stopTick)
	r.mu.Unlock()

	r.device.Release()
	return nil
}

func (r *Recorder) setState(s RecorderState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
