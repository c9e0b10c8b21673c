package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

// Device wraps a single malgo duplex stream and exposes it as both a
// pipeline.AudioCapture and a pipeline.AudioPlayback. Capture and playback
// share one hardware clock, which is what lets the aggregate-device AEC mode
// (§4.3 mode 1) assume the two channels are sample-synchronous.
type Device struct {
	cfg pipeline.Config
	log pipeline.Logger

	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	bytesPerFrame int
	captureAcc    []byte
	frames        chan pipeline.AudioFrame

	mu             sync.Mutex
	cond           *sync.Cond
	playbackBuf    []byte
	playing        bool
	watermarkBytes int

	refTap chan pipeline.AudioFrame
}

// NewDevice opens the default duplex audio device according to cfg. Capture
// delivers frames of cfg.CaptureFramePeriod at cfg.CaptureSampleRate /
// cfg.CaptureChannels; playback accepts frames at cfg.PlaybackSampleRate.
func NewDevice(cfg pipeline.Config, log pipeline.Logger) (*Device, error) {
	if log == nil {
		log = pipeline.NoOpLogger{}
	}

	channels := cfg.CaptureChannels
	if channels <= 0 {
		channels = 1
	}
	bytesPerFrame := int(float64(cfg.CaptureSampleRate) * cfg.CaptureFramePeriod.Seconds()) * channels * 2
	if bytesPerFrame <= 0 {
		return nil, fmt.Errorf("audio: invalid capture frame period/sample rate")
	}

	watermarkBytes := int(float64(cfg.PlaybackSampleRate) * cfg.PlaybackWatermark.Seconds()) * 2
	if watermarkBytes <= 0 {
		watermarkBytes = cfg.PlaybackSampleRate / 5 * 2 // 200ms fallback
	}

	d := &Device{
		cfg:            cfg,
		log:            log,
		bytesPerFrame:  bytesPerFrame,
		frames:         make(chan pipeline.AudioFrame, 4),
		watermarkBytes: watermarkBytes,
		refTap:         make(chan pipeline.AudioFrame, 8),
	}
	d.cond = sync.NewCond(&d.mu)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: malgo init context: %v", pipeline.ErrDeviceBusy, err)
	}
	d.mctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.CaptureSampleRate)
	deviceConfig.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, fmt.Errorf("%w: malgo init device: %v", pipeline.ErrDeviceBusy, err)
	}
	d.dev = dev

	return d, nil
}

func (d *Device) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil {
		d.captureAcc = append(d.captureAcc, pInput...)
		for len(d.captureAcc) >= d.bytesPerFrame {
			chunk := make([]byte, d.bytesPerFrame)
			copy(chunk, d.captureAcc[:d.bytesPerFrame])
			d.captureAcc = d.captureAcc[d.bytesPerFrame:]

			frame := pipeline.AudioFrame{
				SampleRate: d.cfg.CaptureSampleRate,
				Channels:   maxInt(d.cfg.CaptureChannels, 1),
				Format:     pipeline.SampleFormatS16LE,
				Samples:    chunk,
				CapturedAt: time.Now(),
			}
			select {
			case d.frames <- frame:
			default:
				d.log.Warn("audio: capture frame dropped, consumer too slow")
			}
		}
	}

	if pOutput != nil {
		d.mu.Lock()
		n := copy(pOutput, d.playbackBuf)
		if n > 0 {
			tap := make([]byte, n)
			copy(tap, d.playbackBuf[:n])
			d.playbackBuf = d.playbackBuf[n:]

			select {
			case d.refTap <- pipeline.AudioFrame{
				SampleRate: d.cfg.PlaybackSampleRate,
				Channels:   1,
				Format:     pipeline.SampleFormatS16LE,
				Samples:    tap,
				CapturedAt: time.Now(),
			}:
			default:
			}
		}
		if len(d.playbackBuf) == 0 {
			d.playing = false
		}
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
		d.cond.Broadcast()
		d.mu.Unlock()
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// --- pipeline.AudioCapture ---

func (d *Device) Start() error {
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrCaptureFailed, err)
	}
	return nil
}

func (d *Device) Frames() <-chan pipeline.AudioFrame { return d.frames }

func (d *Device) Stop() error {
	d.dev.Uninit()
	d.mctx.Uninit()
	return nil
}

// --- pipeline.AudioPlayback ---

// Submit appends frame to the playback queue, blocking until the queued
// backlog drops at or below the configured watermark or ctx is cancelled.
func (d *Device) Submit(ctx context.Context, frame pipeline.AudioFrame) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stop:
		}
	}()

	d.mu.Lock()
	for len(d.playbackBuf) > d.watermarkBytes {
		if ctx.Err() != nil {
			d.mu.Unlock()
			return ctx.Err()
		}
		d.cond.Wait()
	}
	if ctx.Err() != nil {
		d.mu.Unlock()
		return ctx.Err()
	}
	d.playbackBuf = append(d.playbackBuf, frame.Samples...)
	d.playing = true
	d.mu.Unlock()
	return nil
}

// Flush blocks until every queued playback byte has actually been written to
// the device, or ctx is cancelled.
func (d *Device) Flush(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		case <-stop:
		}
	}()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.playing {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.cond.Wait()
	}
	return nil
}

// Abort discards every queued byte immediately and silences the device; the
// next output callback writes only zeros, satisfying the <=30ms abort bound.
func (d *Device) Abort() error {
	d.mu.Lock()
	d.playbackBuf = nil
	d.playing = false
	d.cond.Broadcast()
	d.mu.Unlock()
	return nil
}

func (d *Device) IsPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// ReferenceTap mirrors every byte actually written to the output device,
// tagged with the wall-clock time it left the device, for SoftwareAEC to
// align against captured microphone frames.
func (d *Device) ReferenceTap() <-chan pipeline.AudioFrame { return d.refTap }
