package domain

import "github.com/pion/webrtc/v4"

type MessageType string

const (
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeCandidate      MessageType = "candidate"
	TypePresenceToggle MessageType = "presence-toggle"
	TypeRegister       MessageType = "register"
)

// Message is the signaling envelope exchanged with the remote party.
// Delivery is at-least-once and may be duplicated or reordered.
type Message struct {
	Type          MessageType              `json:"type"`
	From          PeerID                   `json:"from"`
	SDP           string                   `json:"sdp,omitempty"`
	PartnerUserID PeerID                   `json:"partnerUserId,omitempty"`
	RoomID        RoomID                   `json:"roomId,omitempty"`
	Candidate     *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Enabled       *bool                    `json:"enabled,omitempty"`
}

// Description converts an offer or answer message to a session description.
func (m Message) Description() (webrtc.SessionDescription, bool) {
	switch m.Type {
	case TypeOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}, true
	case TypeAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}, true
	}
	return webrtc.SessionDescription{}, false
}
