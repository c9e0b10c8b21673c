package pipeline

import "errors"

var (
	// ErrEmptyTranscription reports that ASR produced only whitespace. The
	// Pipeline does not return it: an empty final transcript returns the
	// turn state to Idle.
	ErrEmptyTranscription = errors.New("transcription returned empty text")

	// ErrASRAuthFailed is returned on ASR authentication/quota failure.
	ErrASRAuthFailed = errors.New("asr authentication failed")

	// ErrCaptureFailed is returned when AudioCapture hits an unrecoverable
	// device error.
	ErrCaptureFailed = errors.New("audio capture failed")

	// ErrDeviceBusy is returned when the audio device cannot be acquired;
	// audio.NewDevice returns it when the device cannot be initialised.
	ErrDeviceBusy = errors.New("audio device busy")

	// ErrLLMFailed is a fatal language-model error (auth, quota, malformed request).
	ErrLLMFailed = errors.New("language model generation failed")

	// ErrLLMInterrupted is a transient language-model error with a partially
	// delivered token stream; tokens already produced remain valid.
	ErrLLMInterrupted = errors.New("language model stream interrupted")

	// ErrLLMTimeout is returned when no token arrives within the first-token
	// timeout.
	ErrLLMTimeout = errors.New("language model first-token timeout")

	// ErrTTSFailed is a fatal text-to-speech error.
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	// ErrTTSTimeout is returned when no audio arrives within the first-frame
	// timeout.
	ErrTTSTimeout = errors.New("text-to-speech first-frame timeout")

	// ErrNilProvider is returned when a required collaborator was not configured.
	ErrNilProvider = errors.New("required provider is nil")

	// ErrTurnActive reports that a turn is already active. The Pipeline does
	// not return it: SubmitText during an active turn cancels that turn and
	// then starts the new one.
	ErrTurnActive = errors.New("a turn is already active")

	// ErrContextCancelled wraps context cancellation at a stage boundary.
	ErrContextCancelled = errors.New("operation cancelled by context")
)
