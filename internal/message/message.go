// Package message defines the vocabulary exchanged between the coordinator,
// its clients and its participants.
package message

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Kind identifies the step of the protocol a message belongs to.
type Kind int32

const (
	ClientRequest Kind = iota
	CoordinatorPropose
	ParticipantVoteCommit
	ParticipantVoteAbort
	CoordinatorCommit
	CoordinatorAbort
	ClientResultCommit
	ClientResultAbort
	CoordinatorExit
)

var kindNames = [...]string{
	ClientRequest:         "ClientRequest",
	CoordinatorPropose:    "CoordinatorPropose",
	ParticipantVoteCommit: "ParticipantVoteCommit",
	ParticipantVoteAbort:  "ParticipantVoteAbort",
	CoordinatorCommit:     "CoordinatorCommit",
	CoordinatorAbort:      "CoordinatorAbort",
	ClientResultCommit:    "ClientResultCommit",
	ClientResultAbort:     "ClientResultAbort",
	CoordinatorExit:       "CoordinatorExit",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// IsCommit reports whether k belongs to the commit family.
func (k Kind) IsCommit() bool {
	switch k {
	case ParticipantVoteCommit, CoordinatorCommit, ClientResultCommit:
		return true
	}
	return false
}

// IsAbort reports whether k belongs to the abort family.
func (k Kind) IsAbort() bool {
	switch k {
	case ParticipantVoteAbort, CoordinatorAbort, ClientResultAbort:
		return true
	}
	return false
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown message kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("cannot marshal message kind %d", int32(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnknownSuffix marks a transaction id whose abort was caused by a vote the
// coordinator never saw.
const UnknownSuffix = "_unknown"

// ProtocolMessage is the only payload carried between actors. Values are
// never modified in place; the helpers below return derived copies.
type ProtocolMessage struct {
	Kind     Kind   `json:"kind"`
	UID      uint32 `json:"uid"`
	TxID     string `json:"txid"`
	SenderID string `json:"senderid"`
	OpID     uint32 `json:"opid"`
}

var uidCounter atomic.Uint32

// Generate builds a message with a fresh process-unique UID. The caller is
// responsible for txid uniqueness.
func Generate(kind Kind, txid, senderID string, opID uint32) ProtocolMessage {
	return Instantiate(kind, uidCounter.Add(1), txid, senderID, opID)
}

// Instantiate builds a message from raw fields.
func Instantiate(kind Kind, uid uint32, txid, senderID string, opID uint32) ProtocolMessage {
	return ProtocolMessage{
		Kind:     kind,
		UID:      uid,
		TxID:     txid,
		SenderID: senderID,
		OpID:     opID,
	}
}

// Relabel returns a copy of m carrying kind.
func (m ProtocolMessage) Relabel(kind Kind) ProtocolMessage {
	m.Kind = kind
	return m
}

// Addressed returns a copy of m with its sender id replaced.
func (m ProtocolMessage) Addressed(senderID string) ProtocolMessage {
	m.SenderID = senderID
	return m
}

// MarkUnknown returns a copy of m whose txid carries UnknownSuffix.
func (m ProtocolMessage) MarkUnknown() ProtocolMessage {
	if !m.Unknown() {
		m.TxID += UnknownSuffix
	}
	return m
}

// Unknown reports whether the txid carries UnknownSuffix.
func (m ProtocolMessage) Unknown() bool {
	return strings.HasSuffix(m.TxID, UnknownSuffix)
}

// BaseTxID strips UnknownSuffix from the txid.
func (m ProtocolMessage) BaseTxID() string {
	return BaseTxID(m.TxID)
}

func (m ProtocolMessage) String() string {
	return fmt.Sprintf("%s{txid=%s sender=%s op=%d uid=%d}", m.Kind, m.TxID, m.SenderID, m.OpID, m.UID)
}

// BaseTxID strips UnknownSuffix from txid.
func BaseTxID(txid string) string {
	return strings.TrimSuffix(txid, UnknownSuffix)
}

// TxID names the n-th request issued by actor.
func TxID(actor string, n uint32) string {
	return fmt.Sprintf("%s_op_%d", actor, n)
}
