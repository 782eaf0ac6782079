package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type MessageType int32

const (
	MessageType_Unknown MessageType = 0

	// repository socket
	MessageType_Authenticate       MessageType = 1
	MessageType_AuthenticateResult MessageType = 2
	MessageType_GetDocuments       MessageType = 3
	MessageType_CloseDocumentSet   MessageType = 4
	MessageType_Error              MessageType = 5
	MessageType_DocumentBatch      MessageType = 6
	MessageType_DocumentUpdate     MessageType = 7
	MessageType_InclusionBatch     MessageType = 8
	MessageType_Removed            MessageType = 9
	MessageType_Handled            MessageType = 10

	// collaboration session
	MessageType_CollabAuth             MessageType = 20
	MessageType_CollabAuthenticated    MessageType = 21
	MessageType_CollabPermissionDenied MessageType = 22
	MessageType_CollabSyncRequest      MessageType = 23
	MessageType_CollabSyncState        MessageType = 24
	MessageType_CollabUpdate           MessageType = 25
	MessageType_CollabSynced           MessageType = 26
	MessageType_CollabStateless        MessageType = 27
)

var messageTypeNames = map[MessageType]string{
	MessageType_Authenticate:           "Authenticate",
	MessageType_AuthenticateResult:     "AuthenticateResult",
	MessageType_GetDocuments:           "GetDocuments",
	MessageType_CloseDocumentSet:       "CloseDocumentSet",
	MessageType_Error:                  "Error",
	MessageType_DocumentBatch:          "DocumentBatch",
	MessageType_DocumentUpdate:         "DocumentUpdate",
	MessageType_InclusionBatch:         "InclusionBatch",
	MessageType_Removed:                "Removed",
	MessageType_Handled:                "Handled",
	MessageType_CollabAuth:             "CollabAuth",
	MessageType_CollabAuthenticated:    "CollabAuthenticated",
	MessageType_CollabPermissionDenied: "CollabPermissionDenied",
	MessageType_CollabSyncRequest:      "CollabSyncRequest",
	MessageType_CollabSyncState:        "CollabSyncState",
	MessageType_CollabUpdate:           "CollabUpdate",
	MessageType_CollabSynced:           "CollabSynced",
	MessageType_CollabStateless:        "CollabStateless",
}

func (self MessageType) String() string {
	if name, ok := messageTypeNames[self]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int32(self))
}

// wire fields
const (
	frameFieldCallId       protowire.Number = 1
	frameFieldDocumentName protowire.Number = 2
	frameFieldMessageType  protowire.Number = 3
	frameFieldMessageBytes protowire.Number = 4
)

var ErrMalformedFrame = errors.New("malformed frame")

// the envelope of every binary message on both sockets
type Frame struct {
	// empty for unsolicited messages
	CallId string
	// set on collaboration frames, which multiplex documents over one session
	DocumentName string
	MessageType  MessageType
	MessageBytes []byte
}

func (self *Frame) Marshal() []byte {
	var b []byte
	if self.CallId != "" {
		b = protowire.AppendTag(b, frameFieldCallId, protowire.BytesType)
		b = protowire.AppendString(b, self.CallId)
	}
	if self.DocumentName != "" {
		b = protowire.AppendTag(b, frameFieldDocumentName, protowire.BytesType)
		b = protowire.AppendString(b, self.DocumentName)
	}
	b = protowire.AppendTag(b, frameFieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(self.MessageType))
	if 0 < len(self.MessageBytes) {
		b = protowire.AppendTag(b, frameFieldMessageBytes, protowire.BytesType)
		b = protowire.AppendBytes(b, self.MessageBytes)
	}
	return b
}

func (self *Frame) Unmarshal(b []byte) error {
	*self = Frame{}
	for 0 < len(b) {
		number, wireType, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case number == frameFieldCallId && wireType == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			self.CallId = v
			b = b[n:]
		case number == frameFieldDocumentName && wireType == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			self.DocumentName = v
			b = b[n:]
		case number == frameFieldMessageType && wireType == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			self.MessageType = MessageType(v)
			b = b[n:]
		case number == frameFieldMessageBytes && wireType == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			self.MessageBytes = append([]byte(nil), v...)
			b = b[n:]
		default:
			// skip unknown fields for forward compatibility
			n := protowire.ConsumeFieldValue(number, wireType, b)
			if n < 0 {
				return fmt.Errorf("%w: %s", ErrMalformedFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if self.MessageType == MessageType_Unknown {
		return fmt.Errorf("%w: missing message type", ErrMalformedFrame)
	}
	return nil
}
