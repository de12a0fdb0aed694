package constants

import "time"

const (
	DefaultICETimeout    = 10 * time.Second
	DefaultStreamID      = "ling-meet"
	ParticipantIDLength  = 13
	MaxIDCollisionRetry  = 3
	DefaultRetryMax      = 4
	DefaultRetryBaseWait = 200 * time.Millisecond
)

// DefaultStunServers is the STUN set every peer connection starts from.
var DefaultStunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Signaling message types (the only three the core ever acts on)
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "ice-candidate"
)

// Reserved pub/sub topics
const (
	TopicChat      = "CHAT"
	TopicRaiseHand = "RAISE_HAND"
)

// Meeting document status values
const (
	MeetingStatusActive = "active"
	MeetingStatusEnded  = "ended"
)

// Sub-collection names under meetings/{meetingId}
const (
	CollectionMeetings     = "meetings"
	CollectionParticipants = "participants"
	CollectionSignaling    = "signaling"
	CollectionMessages     = "messages"
)

// Track purposes carried in stream IDs so receivers never have to guess
// from track labels.
const (
	PurposeCamera = "camera"
	PurposeMic    = "mic"
	PurposeScreen = "screen"
)

// Capture quality hints
const (
	CameraIdealWidth   = 1280
	CameraIdealHeight  = 720
	ScreenIdealWidth   = 1920
	ScreenIdealHeight  = 1080
	ScreenIdealFPS     = 15
	MicSampleRate      = 8000
	MicChannels        = 1
	MicFrameDurationMs = 20
)

// Environment variable keys
const (
	ENV_MODE            = "MODE"
	ENV_STORE_DRIVER    = "STORE_DRIVER"
	ENV_REDIS_ADDR      = "REDIS_ADDR"
	ENV_REDIS_PASSWORD  = "REDIS_PASSWORD"
	ENV_REDIS_DB        = "REDIS_DB"
	ENV_STUN_SERVERS    = "STUN_SERVERS"
	ENV_ICE_TIMEOUT_SEC = "ICE_TIMEOUT_SEC"
	ENV_RETRY_MAX       = "RETRY_MAX"
	ENV_RETRY_BASE_MS   = "RETRY_BASE_MS"
	ENV_DISPLAY_NAME    = "DISPLAY_NAME"
	ENV_DEFAULT_MIC_ON  = "DEFAULT_MIC_ON"
	ENV_DEFAULT_CAM_ON  = "DEFAULT_CAM_ON"
)
