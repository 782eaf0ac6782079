package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// raw payload messages, carried as bytes without a struct payload

type CollabSyncRequest struct{}

type CollabSyncState struct {
	Update []byte
}

type CollabUpdate struct {
	Update []byte
}

type CollabStateless struct {
	Payload string
}

func ToFrame(callId string, message any) (*Frame, error) {
	var messageType MessageType
	switch v := message.(type) {
	case *Authenticate:
		messageType = MessageType_Authenticate
	case *AuthenticateResult:
		messageType = MessageType_AuthenticateResult
	case *GetDocuments:
		messageType = MessageType_GetDocuments
	case *CloseDocumentSet:
		messageType = MessageType_CloseDocumentSet
	case *Error:
		messageType = MessageType_Error
	case *DocumentBatch:
		messageType = MessageType_DocumentBatch
	case *DocumentUpdate:
		messageType = MessageType_DocumentUpdate
	case *InclusionBatch:
		messageType = MessageType_InclusionBatch
	case *Removed:
		messageType = MessageType_Removed
	case *Handled:
		messageType = MessageType_Handled
	case *CollabAuth:
		messageType = MessageType_CollabAuth
	case *CollabAuthenticated:
		messageType = MessageType_CollabAuthenticated
	case *CollabPermissionDenied:
		messageType = MessageType_CollabPermissionDenied
	case *CollabSynced:
		messageType = MessageType_CollabSynced
	case *CollabSyncRequest:
		return &Frame{
			CallId:      callId,
			MessageType: MessageType_CollabSyncRequest,
		}, nil
	case *CollabSyncState:
		return &Frame{
			CallId:       callId,
			MessageType:  MessageType_CollabSyncState,
			MessageBytes: v.Update,
		}, nil
	case *CollabUpdate:
		return &Frame{
			CallId:       callId,
			MessageType:  MessageType_CollabUpdate,
			MessageBytes: v.Update,
		}, nil
	case *CollabStateless:
		return &Frame{
			CallId:       callId,
			MessageType:  MessageType_CollabStateless,
			MessageBytes: []byte(v.Payload),
		}, nil
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := marshalPayload(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		CallId:       callId,
		MessageType:  messageType,
		MessageBytes: b,
	}, nil
}

func RequireToFrame(callId string, message any) *Frame {
	frame, err := ToFrame(callId, message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.MessageType {
	case MessageType_Authenticate:
		message = &Authenticate{}
	case MessageType_AuthenticateResult:
		message = &AuthenticateResult{}
	case MessageType_GetDocuments:
		message = &GetDocuments{}
	case MessageType_CloseDocumentSet:
		message = &CloseDocumentSet{}
	case MessageType_Error:
		message = &Error{}
	case MessageType_DocumentBatch:
		message = &DocumentBatch{}
	case MessageType_DocumentUpdate:
		message = &DocumentUpdate{}
	case MessageType_InclusionBatch:
		message = &InclusionBatch{}
	case MessageType_Removed:
		message = &Removed{}
	case MessageType_Handled:
		message = &Handled{}
	case MessageType_CollabAuth:
		message = &CollabAuth{}
	case MessageType_CollabAuthenticated:
		message = &CollabAuthenticated{}
	case MessageType_CollabPermissionDenied:
		message = &CollabPermissionDenied{}
	case MessageType_CollabSynced:
		message = &CollabSynced{}
	case MessageType_CollabSyncRequest:
		return &CollabSyncRequest{}, nil
	case MessageType_CollabSyncState:
		return &CollabSyncState{Update: frame.MessageBytes}, nil
	case MessageType_CollabUpdate:
		return &CollabUpdate{Update: frame.MessageBytes}, nil
	case MessageType_CollabStateless:
		return &CollabStateless{Payload: string(frame.MessageBytes)}, nil
	default:
		return nil, fmt.Errorf("Unknown message type: %s", frame.MessageType)
	}
	if err := unmarshalPayload(frame.MessageBytes, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeFrame(callId string, message any) ([]byte, error) {
	frame, err := ToFrame(callId, message)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(), nil
}

func DecodeFrame(b []byte) (*Frame, any, error) {
	frame := &Frame{}
	if err := frame.Unmarshal(b); err != nil {
		return nil, nil, err
	}
	message, err := FromFrame(frame)
	if err != nil {
		return frame, nil, err
	}
	return frame, message, nil
}

// payloads are the json shape of the message as a protobuf struct
func marshalPayload(message any) ([]byte, error) {
	jsonBytes, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	payload := &structpb.Struct{}
	if err := protojson.Unmarshal(jsonBytes, payload); err != nil {
		return nil, err
	}
	return proto.Marshal(payload)
}

func unmarshalPayload(b []byte, message any) error {
	if len(b) == 0 {
		return nil
	}
	payload := &structpb.Struct{}
	if err := proto.Unmarshal(b, payload); err != nil {
		return err
	}
	jsonBytes, err := protojson.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, message)
}
