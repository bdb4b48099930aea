package domain

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalCallRequest  SignalType = "call-request"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalCallAccept   SignalType = "call-accept"
	SignalCallReject   SignalType = "call-reject"
	SignalCallEnd      SignalType = "call-end"
)

// SignalMessage is one immutable entry of a call's append-only message log.
type SignalMessage struct {
	ID        string        `json:"id" bson:"_id"`
	CallID    string        `json:"callId" bson:"call_id"`
	Type      SignalType    `json:"type" bson:"type"`
	From      UserID        `json:"from" bson:"from"`
	To        UserID        `json:"to" bson:"to"`
	Payload   SignalPayload `json:"payload" bson:"payload"`
	Timestamp time.Time     `json:"timestamp" bson:"ts"`
}

// SignalPayload is the opaque union carried by a message. Exactly one of
// Description and Candidate is set for offer/answer and ice-candidate;
// the remaining types only carry CallID.
type SignalPayload struct {
	CallID      string       `json:"callId,omitempty" bson:"call_id,omitempty"`
	Description *Description `json:"description,omitempty" bson:"description,omitempty"`
	Candidate   *Candidate   `json:"candidate,omitempty" bson:"candidate,omitempty"`
}

// Description is a session description plus the offer revision it belongs
// to. Revision 1 is the initial offer; each ICE restart bumps it.
type Description struct {
	Type     string `json:"type" bson:"type"`
	SDP      string `json:"sdp" bson:"sdp"`
	Revision int    `json:"revision" bson:"revision"`
}

type Candidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdp_m_line_index,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"username_fragment,omitempty"`
}

func DescriptionFromWebRTC(sd webrtc.SessionDescription, revision int) *Description {
	return &Description{Type: sd.Type.String(), SDP: sd.SDP, Revision: revision}
}

func (d Description) WebRTC() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func CandidateFromWebRTC(ci webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func (c Candidate) WebRTC() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Key identifies a candidate for de-duplication.
func (c Candidate) Key() string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	return key
}
