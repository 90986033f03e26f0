package subtitle

import "fmt"

// StartError reports a session start rejected by the transcription service.
// The message is the service's own and is safe to surface to the user; the
// operation is retryable.
type StartError struct {
	ChannelID string
	Message   string
	Err       error
}

func (e *StartError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("subtitle session start rejected for channel %s: %s", e.ChannelID, e.Message)
	}
	return fmt.Sprintf("subtitle session start failed for channel %s: %v", e.ChannelID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// ExportError reports a failed SRT export. Non-fatal, the user may retry.
type ExportError struct {
	SessionID  string
	StatusCode int
	Err        error
}

func (e *ExportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("subtitle export failed for session %s: service returned %d", e.SessionID, e.StatusCode)
	}
	return fmt.Sprintf("subtitle export failed for session %s: %v", e.SessionID, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }
