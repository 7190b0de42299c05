package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu        sync.Mutex
	acquired  bool
	released  bool
	denied    bool
	buffer    []byte
	readCalls int
}

func (d *fakeDevice) Acquire(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denied {
		return &ResourceError{Reason: "microphone permission denied"}
	}
	d.acquired = true
	d.released = false
	return nil
}

func (d *fakeDevice) Read() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readCalls++
	d.released = true
	return d.buffer, nil
}

func (d *fakeDevice) Release() {
	d.mu.Lock()
	d.released = true
	d.mu.Unlock()
}

func (d *fakeDevice) isReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

type fakeBlobs struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	lastLen int
}

func (b *fakeBlobs) Upload(ctx context.Context, data []byte, ownerID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lastLen = len(data)
	if b.fail {
		return "", errors.New("blob store down")
	}
	return "https://cdn.example.com/" + ownerID + "/clip.ogg", nil
}

func (b *fakeBlobs) uploadCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// manualRecorder wires a hand-driven tick channel.
func manualRecorder(device CaptureDevice, blobs BlobStore) (*Recorder, chan time.Time) {
	ticks := make(chan time.Time)
	r := NewRecorder(device, blobs, nil)
	r.ticker = func() (<-chan time.Time, func()) { return ticks, func() {} }
	return r, ticks
}

func tickSeconds(t *testing.T, r *Recorder, ticks chan time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ticks <- time.Now()
	}
	require.Eventually(t, func() bool { return r.Elapsed() == n }, time.Second, time.Millisecond)
}

func TestRecorderVoiceLifecycle(t *testing.T) {
	device := &fakeDevice{buffer: []byte("opus-bytes")}
	blobs := &fakeBlobs{}
	r, ticks := manualRecorder(device, blobs)

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, RecorderRecording, r.State())

	tickSeconds(t, r, ticks, 12)

	clip, err := r.Stop(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 12, clip.Duration)
	assert.Equal(t, "https://cdn.example.com/user-1/clip.ogg", clip.URL)
	assert.Equal(t, RecorderUploaded, r.State())
	assert.True(t, device.isReleased())
}

func TestRecorderCancelReleasesDeviceWithoutUpload(t *testing.T) {
	device := &fakeDevice{buffer: []byte("opus-bytes")}
	blobs := &fakeBlobs{}
	r, ticks := manualRecorder(device, blobs)

	require.NoError(t, r.Start(context.Background()))
	tickSeconds(t, r, ticks, 3)

	require.NoError(t, r.Cancel())
	assert.Equal(t, RecorderCancelled, r.State())
	assert.True(t, device.isReleased(), "capture device released synchronously on cancel")
	assert.Zero(t, blobs.uploadCalls(), "cancel never uploads")
}

func TestRecorderCancelOnlyWhileRecording(t *testing.T) {
	device := &fakeDevice{}
	r, _ := manualRecorder(device, &fakeBlobs{})

	assert.Error(t, r.Cancel(), "cancel from idle is illegal")
}

func TestRecorderSecondStartRejected(t *testing.T) {
	device := &fakeDevice{buffer: []byte("x")}
	r, _ := manualRecorder(device, &fakeBlobs{})

	require.NoError(t, r.Start(context.Background()))

	err := r.Start(context.Background())
	var resErr *ResourceError
	require.ErrorAs(t, err, &resErr, "second recording is rejected, not queued")

	require.NoError(t, r.Cancel())
}

func TestRecorderPermissionDenied(t *testing.T) {
	device := &fakeDevice{denied: true}
	r, _ := manualRecorder(device, &fakeBlobs{})

	err := r.Start(context.Background())
	var resErr *ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, RecorderIdle, r.State(), "recording never starts without the device")
}

func TestRecorderUploadFailureAbortsSend(t *testing.T) {
	device := &fakeDevice{buffer: []byte("opus-bytes")}
	blobs := &fakeBlobs{fail: true}
	r, ticks := manualRecorder(device, blobs)

	require.NoError(t, r.Start(context.Background()))
	tickSeconds(t, r, ticks, 2)

	clip, err := r.Stop(context.Background(), "user-1")
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Empty(t, clip.URL, "no URL means no message row may be created")
	assert.Equal(t, RecorderFailed, r.State())
}

func TestPipelineOversizedClipRejectedBeforeUpload(t *testing.T) {
	blobs := &fakeBlobs{}
	p := NewPipeline(blobs)

	_, err := p.UploadClip(context.Background(), []byte("video"), 35, "user-1")
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Zero(t, blobs.uploadCalls(), "no network call for an oversized clip")
}

func TestPipelineClipWithinLimitUploads(t *testing.T) {
	blobs := &fakeBlobs{}
	p := NewPipeline(blobs)

	url, err := p.UploadClip(context.Background(), []byte("video"), MaxClipSeconds, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.Equal(t, 1, blobs.uploadCalls())
}

func TestPipelineImageUpload(t *testing.T) {
	blobs := &fakeBlobs{}
	p := NewPipeline(blobs)

	url, err := p.UploadImage(context.Background(), []byte("jpeg"), "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	_, err = p.UploadImage(context.Background(), nil, "user-1")
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, 1, blobs.uploadCalls())
}
