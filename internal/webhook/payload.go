package webhook

// Envelope is the body the voice platform posts to the webhook. Only the
// fields the tracker needs are decoded; end-of-call reports can be large.
type Envelope struct {
	Message *Message `json:"message"`
}

type Message struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Call   *Call  `json:"call,omitempty"`
}

type Call struct {
	ID         string   `json:"id"`
	Status     string   `json:"status,omitempty"`
	ControlURL string   `json:"controlUrl,omitempty"`
	Monitor    *Monitor `json:"monitor,omitempty"`
}

type Monitor struct {
	ControlURL string `json:"controlUrl,omitempty"`
	ListenURL  string `json:"listenUrl,omitempty"`
}

// CallID returns message.call.id or "".
func (e *Envelope) CallID() string {
	if e == nil || e.Message == nil || e.Message.Call == nil {
		return ""
	}
	return e.Message.Call.ID
}

// EventType returns message.type or "".
func (e *Envelope) EventType() string {
	if e == nil || e.Message == nil {
		return ""
	}
	return e.Message.Type
}

// CallStatus prefers call.status and falls back to message.status.
func (e *Envelope) CallStatus() string {
	if e == nil || e.Message == nil {
		return ""
	}
	if e.Message.Call != nil && e.Message.Call.Status != "" {
		return e.Message.Call.Status
	}
	return e.Message.Status
}
