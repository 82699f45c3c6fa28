package protocol

import "time"

// TextFragment is one piece of upstream text for a session.
type TextFragment struct {
	SessionID  string `json:"session_id"`
	Content    string `json:"content"`
	Final      bool   `json:"is_final"`
	SequenceID int64  `json:"sequence_id"`
}

// AudioFrame carries one frame of PCM for a generation.
type AudioFrame struct {
	SessionID   string  `json:"session_id"`
	Generation  uint64  `json:"generation"`
	FrameIndex  int     `json:"frame_index"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
	SampleWidth int     `json:"sample_width"`
	DurationMS  float64 `json:"duration_ms"`
	PCM         []byte  `json:"pcm"`
	Last        bool    `json:"is_last"`
}

// Revoke withdraws every frame of a generation.
type Revoke struct {
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
}

// Status reports a terminal generation state.
type Status struct {
	SessionID  string    `json:"session_id"`
	Generation uint64    `json:"generation"`
	State      string    `json:"state"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Frames     int       `json:"frames"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTextFragment = "tts.text.fragment"
	SubjectAudioFrame   = "tts.audio.frame"
	SubjectAudioRevoke  = "tts.audio.revoke"
	SubjectStatus       = "tts.status"
)
