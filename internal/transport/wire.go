package transport

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/davischen/twopc/internal/message"
)

// Field names of the wire encoding. Messages travel as structpb.Struct so the
// stream needs no generated code.
const (
	fieldKind   = "kind"
	fieldUID    = "uid"
	fieldTxID   = "txid"
	fieldSender = "senderid"
	fieldOpID   = "opid"

	fieldActor = "actor"
	fieldToken = "token"
)

func encode(m message.ProtocolMessage) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldKind:   structpb.NewStringValue(m.Kind.String()),
		fieldUID:    structpb.NewNumberValue(float64(m.UID)),
		fieldTxID:   structpb.NewStringValue(m.TxID),
		fieldSender: structpb.NewStringValue(m.SenderID),
		fieldOpID:   structpb.NewNumberValue(float64(m.OpID)),
	}}
}

func decode(s *structpb.Struct) (message.ProtocolMessage, error) {
	f := s.GetFields()
	kind, err := message.ParseKind(f[fieldKind].GetStringValue())
	if err != nil {
		return message.ProtocolMessage{}, errors.Wrap(err, "decode message")
	}
	return message.Instantiate(
		kind,
		uint32(f[fieldUID].GetNumberValue()),
		f[fieldTxID].GetStringValue(),
		f[fieldSender].GetStringValue(),
		uint32(f[fieldOpID].GetNumberValue()),
	), nil
}

func encodeHello(actor, token string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldActor: structpb.NewStringValue(actor),
		fieldToken: structpb.NewStringValue(token),
	}}
}

func decodeHello(s *structpb.Struct) (actor, token string) {
	f := s.GetFields()
	return f[fieldActor].GetStringValue(), f[fieldToken].GetStringValue()
}
