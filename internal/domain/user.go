// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxPeerIDLen = 64
	MaxRoomIDLen = 64
)

var (
	ErrPeerIDTooLong = errors.New("peer id too long")
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrRoomIDTooLong = errors.New("room id too long")
)

type (
	PeerID string
	RoomID string
	CallID string
)

// Partner is the remote party of the current call attempt.
type Partner struct {
	PeerID PeerID `json:"peer_id"`
	RoomID RoomID `json:"room_id,omitempty"`
	CallID CallID `json:"call_id"`
}

// NewPartner validates identifiers and assigns a fresh call id.
func NewPartner(peer PeerID, room RoomID) (*Partner, error) {
	if len(peer) == 0 {
		return nil, ErrPeerIDEmpty
	}
	if len(peer) > MaxPeerIDLen {
		return nil, ErrPeerIDTooLong
	}
	if len(room) > MaxRoomIDLen {
		return nil, ErrRoomIDTooLong
	}
	return &Partner{PeerID: peer, RoomID: room, CallID: NewCallID()}, nil
}

func NewCallID() CallID { return CallID(uuid.NewString()) }

// Matched reports whether the partner was assigned by room matching rather
// than a direct call.
func (p *Partner) Matched() bool { return p.RoomID != "" }

// Accepts reports whether a message sent by from, optionally scoped to room,
// belongs to this partner.
func (p *Partner) Accepts(from PeerID, room RoomID) bool {
	if p == nil || from != p.PeerID {
		return false
	}
	return room == "" || p.RoomID == "" || room == p.RoomID
}
