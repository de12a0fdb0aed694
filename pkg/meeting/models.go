package meeting

import (
	"strings"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cast"

	"github.com/LingByte/LingMeet/pkg/constants"
	"github.com/LingByte/LingMeet/pkg/store"
)

// Participant is one roster entry. Streams is populated lazily for remote
// participants once their peer connection produces tracks; it never round
// trips through the store.
type Participant struct {
	ID                 string
	DisplayName        string
	JoinedAt           time.Time
	MicEnabled         bool
	WebcamEnabled      bool
	ScreenShareEnabled bool
	IsLocal            bool
	HasVideoStream     bool
	HasAudioStream     bool
	HasScreenStream    bool
	Streams            []*RemoteStream
}

// RemoteStream is an inbound track plus the purpose tag recovered from
// its stream id.
type RemoteStream struct {
	StreamID string
	Purpose  string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// PurposeOfStreamID recovers the purpose tag from a stream id of the form
// "<participantID>:<purpose>". Unknown layouts default to camera.
func PurposeOfStreamID(streamID string) string {
	if i := strings.LastIndex(streamID, ":"); i >= 0 {
		switch p := streamID[i+1:]; p {
		case constants.PurposeCamera, constants.PurposeMic, constants.PurposeScreen:
			return p
		}
	}
	return constants.PurposeCamera
}

// ToDoc serializes the store-visible fields.
func (p *Participant) ToDoc() map[string]interface{} {
	return map[string]interface{}{
		"displayName":        p.DisplayName,
		"joinedAt":           p.JoinedAt,
		"micEnabled":         p.MicEnabled,
		"webcamEnabled":      p.WebcamEnabled,
		"screenShareEnabled": p.ScreenShareEnabled,
		"isLocal":            p.IsLocal,
		"hasVideoStream":     p.HasVideoStream,
		"hasAudioStream":     p.HasAudioStream,
		"hasScreenStream":    p.HasScreenStream,
	}
}

// ParticipantFromDoc decodes a participants-collection document.
func ParticipantFromDoc(doc store.Document) *Participant {
	return &Participant{
		ID:                 doc.ID,
		DisplayName:        cast.ToString(doc.Data["displayName"]),
		JoinedAt:           cast.ToTime(doc.Data["joinedAt"]),
		MicEnabled:         cast.ToBool(doc.Data["micEnabled"]),
		WebcamEnabled:      cast.ToBool(doc.Data["webcamEnabled"]),
		ScreenShareEnabled: cast.ToBool(doc.Data["screenShareEnabled"]),
		IsLocal:            cast.ToBool(doc.Data["isLocal"]),
		HasVideoStream:     cast.ToBool(doc.Data["hasVideoStream"]),
		HasAudioStream:     cast.ToBool(doc.Data["hasAudioStream"]),
		HasScreenStream:    cast.ToBool(doc.Data["hasScreenStream"]),
	}
}

// Clone returns a copy safe to hand outside the roster. The stream slice
// is copied; the underlying tracks are shared.
func (p *Participant) Clone() *Participant {
	cp := *p
	cp.Streams = make([]*RemoteStream, len(p.Streams))
	copy(cp.Streams, p.Streams)
	return &cp
}

// SignalMessage is the directed envelope written to the signaling log.
// Exactly one of SDP or Candidate is meaningful depending on Type.
type SignalMessage struct {
	ID        string
	Type      string
	SDP       string
	Candidate webrtc.ICECandidateInit
	From      string
	To        string
	Timestamp time.Time
}

// ToDoc serializes the signaling envelope.
func (m *SignalMessage) ToDoc() map[string]interface{} {
	doc := map[string]interface{}{
		"type":      m.Type,
		"from":      m.From,
		"to":        m.To,
		"timestamp": store.ServerTimestamp,
	}
	switch m.Type {
	case constants.SignalCandidate:
		candidate := map[string]interface{}{"candidate": m.Candidate.Candidate}
		if m.Candidate.SDPMid != nil {
			candidate["sdpMid"] = *m.Candidate.SDPMid
		}
		if m.Candidate.SDPMLineIndex != nil {
			candidate["sdpMLineIndex"] = int(*m.Candidate.SDPMLineIndex)
		}
		doc["candidate"] = candidate
	default:
		doc["sdp"] = m.SDP
	}
	return doc
}

// SignalFromDoc decodes a signaling-log document.
func SignalFromDoc(doc store.Document) SignalMessage {
	msg := SignalMessage{
		ID:        doc.ID,
		Type:      cast.ToString(doc.Data["type"]),
		SDP:       cast.ToString(doc.Data["sdp"]),
		From:      cast.ToString(doc.Data["from"]),
		To:        cast.ToString(doc.Data["to"]),
		Timestamp: cast.ToTime(doc.Data["timestamp"]),
	}
	if raw, ok := doc.Data["candidate"]; ok {
		fields := cast.ToStringMap(raw)
		msg.Candidate.Candidate = cast.ToString(fields["candidate"])
		if v, ok := fields["sdpMid"]; ok {
			mid := cast.ToString(v)
			msg.Candidate.SDPMid = &mid
		}
		if v, ok := fields["sdpMLineIndex"]; ok {
			idx := cast.ToUint16(v)
			msg.Candidate.SDPMLineIndex = &idx
		}
	}
	return msg
}

// TopicMessage is one pub/sub payload.
type TopicMessage struct {
	ID         string
	Topic      string
	SenderID   string
	SenderName string
	Body       string
	Timestamp  time.Time
}

// ToDoc serializes the topic message.
func (m *TopicMessage) ToDoc() map[string]interface{} {
	return map[string]interface{}{
		"topic":      m.Topic,
		"message":    m.Body,
		"senderId":   m.SenderID,
		"senderName": m.SenderName,
		"timestamp":  store.ServerTimestamp,
	}
}

// TopicMessageFromDoc decodes a messages-collection document.
func TopicMessageFromDoc(doc store.Document) TopicMessage {
	return TopicMessage{
		ID:         doc.ID,
		Topic:      cast.ToString(doc.Data["topic"]),
		SenderID:   cast.ToString(doc.Data["senderId"]),
		SenderName: cast.ToString(doc.Data["senderName"]),
		Body:       cast.ToString(doc.Data["message"]),
		Timestamp:  cast.ToTime(doc.Data["timestamp"]),
	}
}

// Collection paths under a meeting.

func meetingsPath() store.Path {
	return store.Path{constants.CollectionMeetings}
}

func participantsPath(meetingID string) store.Path {
	return store.Path{constants.CollectionMeetings, meetingID, constants.CollectionParticipants}
}

func signalingPath(meetingID string) store.Path {
	return store.Path{constants.CollectionMeetings, meetingID, constants.CollectionSignaling}
}

func messagesPath(meetingID string) store.Path {
	return store.Path{constants.CollectionMeetings, meetingID, constants.CollectionMessages}
}
