package protocol

// repository socket messages
// these travel as `structpb.Struct` payloads; see `codec.go`

type Authenticate struct {
	Token string `json:"token"`
}

type AuthenticateResult struct {
	Subject string `json:"subject,omitempty"`
}

type Timespan struct {
	// ISO-8601
	From string `json:"from"`
	To   string `json:"to"`
}

type GetDocuments struct {
	SetName  string    `json:"setName"`
	Type     string    `json:"type"`
	Timespan *Timespan `json:"timespan,omitempty"`
	// relation patterns for pulling in related documents
	Include []string `json:"include,omitempty"`
	Labels  []string `json:"labels,omitempty"`
}

type CloseDocumentSet struct {
	SetName string `json:"setName"`
}

type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (self *Error) Error() string {
	if self.Code != "" {
		return self.Code + ": " + self.Message
	}
	return self.Message
}

type DocumentBatch struct {
	SetName   string           `json:"setName"`
	Documents []*DocumentState `json:"documents"`
}

type DocumentUpdate struct {
	SetName  string        `json:"setName"`
	Document *Document     `json:"document,omitempty"`
	Meta     *DocumentMeta `json:"meta,omitempty"`
	// true when the document is an inclusion of documents in the set, not a member
	Included bool `json:"included,omitempty"`
}

func (self *DocumentUpdate) Uuid() string {
	if self.Document != nil {
		return self.Document.Uuid
	}
	return ""
}

type InclusionBatch struct {
	SetName   string           `json:"setName"`
	Documents []*DocumentState `json:"documents"`
}

type Removed struct {
	SetName       string   `json:"setName"`
	DocumentUuids []string `json:"documentUuids"`
}

type Handled struct {
	SetName string `json:"setName,omitempty"`
}

// collaboration session messages

type CollabAuth struct {
	Token string `json:"token"`
}

type CollabAuthenticated struct {
	Scope string `json:"scope,omitempty"`
}

type CollabPermissionDenied struct {
	Reason string `json:"reason,omitempty"`
}

type CollabSynced struct {
	// number of updates the server has persisted since the last ack
	Acked int `json:"acked"`
}
