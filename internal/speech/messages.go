package speech

import "fmt"

// Server event types handled by the client. Unrecognized types are logged
// and ignored.
const (
	eventSessionCreated      = "session.created"
	eventSessionUpdated      = "session.updated"
	eventSpeechStarted       = "input_audio_buffer.speech_started"
	eventSpeechStopped       = "input_audio_buffer.speech_stopped"
	eventAudioDelta          = "response.output_audio.delta"
	eventAudioDone           = "response.output_audio.done"
	eventTranscriptCompleted = "conversation.item.input_audio_transcription.completed"
	eventError               = "error"
)

// Client event types sent to the service.
const (
	eventInputAudioAppend = "input_audio_buffer.append"
	eventInputAudioCommit = "input_audio_buffer.commit"
	eventSessionUpdate    = "session.update"
	eventResponseCreate   = "response.create"
)

// clientEvent is the outbound wire envelope.
type clientEvent struct {
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session *sessionConfig `json:"session,omitempty"`
}

// sessionConfig is the session.update payload.
type sessionConfig struct {
	Instructions  string               `json:"instructions,omitempty"`
	Audio         *sessionAudio        `json:"audio,omitempty"`
	Transcription *transcriptionConfig `json:"transcription,omitempty"`
}

type sessionAudio struct {
	Input  *audioInputConfig  `json:"input,omitempty"`
	Output *audioOutputConfig `json:"output,omitempty"`
}

type audioInputConfig struct {
	Format        string         `json:"format,omitempty"`
	TurnDetection *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioOutputConfig struct {
	Format string `json:"format,omitempty"`
	Voice  string `json:"voice,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

// serverEvent is the inbound wire envelope. Fields are populated depending
// on the event type.
type serverEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	ItemID     string       `json:"item_id,omitempty"`
	Session    *sessionInfo `json:"session,omitempty"`
	Error      *serverError `json:"error,omitempty"`
}

type sessionInfo struct {
	ID    string `json:"id"`
	Model string `json:"model,omitempty"`
}

type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *serverError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("speech service error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("speech service error: %s", e.Message)
}
