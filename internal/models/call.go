package models

import "time"

// CallStatus is the network-visible status of a call session
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusEnded    CallStatus = "ended"
)

func (s CallStatus) rank() int {
	switch s {
	case CallStatusRinging:
		return 1
	case CallStatusAnswered:
		return 2
	case CallStatusEnded:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status
func (s CallStatus) Valid() bool {
	return s.rank() > 0
}

// Advances reports whether moving from s to next is a forward step.
// Status never regresses: ringing -> answered -> ended.
func (s CallStatus) Advances(next CallStatus) bool {
	return next.rank() > s.rank()
}

// Role identifies which side of a call a peer plays
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Opposite returns the other side's role
func (r Role) Opposite() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is one ICE candidate, shaped like the browser's RTCIceCandidateInit
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallSession is the shared record for one call
type CallSession struct {
	ID          string              `json:"id"`
	InitiatorID string              `json:"initiatorId"`
	ResponderID string              `json:"responderId"`
	Offer       *SessionDescription `json:"offer,omitempty"`  // Written once by the initiator
	Answer      *SessionDescription `json:"answer,omitempty"` // Written once by the responder
	Status      CallStatus          `json:"status"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// Clone returns a deep copy so subscribers never share a record
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.Offer != nil {
		offer := *s.Offer
		c.Offer = &offer
	}
	if s.Answer != nil {
		answer := *s.Answer
		c.Answer = &answer
	}
	return &c
}

// Equal reports whether two records carry the same negotiation state
func (s *CallSession) Equal(o *CallSession) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.ID == o.ID &&
		s.Status == o.Status &&
		sameDescription(s.Offer, o.Offer) &&
		sameDescription(s.Answer, o.Answer)
}

func sameDescription(a, b *SessionDescription) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Participant reports whether userID is one of the two sides of the call
func (s *CallSession) Participant(userID string) bool {
	return userID != "" && (s.InitiatorID == userID || s.ResponderID == userID)
}

// RoleOf returns the side of the call played by userID
func (s *CallSession) RoleOf(userID string) (Role, bool) {
	switch {
	case userID == "":
		return "", false
	case s.InitiatorID == userID:
		return RoleInitiator, true
	case s.ResponderID == userID:
		return RoleResponder, true
	}
	return "", false
}

// SessionUpdate is a partial update of a CallSession. Nil fields are left untouched.
type SessionUpdate struct {
	Answer *SessionDescription `json:"answer,omitempty"`
	Status *CallStatus         `json:"status,omitempty"`
}

// OriginateCallRequest is the request body for starting a call
type OriginateCallRequest struct {
	CalleeID string `json:"calleeId" binding:"required"`
}

// OriginateCallResponse is the response for starting a call
type OriginateCallResponse struct {
	SessionID string `json:"sessionId"`
}

// CallInfo is what the API reports about one call
type CallInfo struct {
	Session    *CallSession `json:"session,omitempty"`
	LocalState string       `json:"localState,omitempty"`
}
