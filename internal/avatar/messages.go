package avatar

// Control tokens received over the avatar stream.
const (
	tokenStart  = "START"
	tokenStop   = "STOP"
	tokenSpeak  = "SPEAK"
	tokenSilent = "SILENT"
	tokenAck    = "ACK"
)

// Control token sent to flush the remote-side audio buffer.
const tokenSkip = "SKIP"

// createSessionRequest is the out-of-band session-creation payload.
type createSessionRequest struct {
	FaceID        string `json:"faceId"`
	APIKey        string `json:"apiKey"`
	HandleSilence bool   `json:"handleSilence"`
	SyncAudio     bool   `json:"syncAudio"`
}

// createSessionResponse carries the session token used to authenticate the
// streaming connection.
type createSessionResponse struct {
	SessionToken string `json:"session_token"`
}

// signalMessage is a JSON message on the streaming connection: media
// transport negotiation or a structured error. Plain control tokens arrive
// as bare text instead.
type signalMessage struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}
