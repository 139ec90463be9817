package line

// textMessage is the wire form of a single outbound text message.
type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textMessages(text string) []textMessage {
	return []textMessage{{Type: "text", Text: text}}
}

type pushPayload struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

type broadcastPayload struct {
	Messages []textMessage `json:"messages"`
}

type replyPayload struct {
	ReplyToken string        `json:"replyToken"`
	Messages   []textMessage `json:"messages"`
}

// ---- Inbound webhook ----

// WebhookPayload is the body posted by the messaging channel to /webhook.
type WebhookPayload struct {
	Destination string         `json:"destination"`
	Events      []WebhookEvent `json:"events"`
}

// WebhookEvent is one inbound channel event. Message-type events carry a
// reply token valid for a short window; follow/unfollow events track the
// recipient audience.
type WebhookEvent struct {
	Type       string        `json:"type"` // "message" | "follow" | "unfollow"
	ReplyToken string        `json:"replyToken,omitempty"`
	Timestamp  int64         `json:"timestamp,omitempty"` // ms since epoch
	Source     EventSource   `json:"source"`
	Message    *EventMessage `json:"message,omitempty"`
}

type EventSource struct {
	Type   string `json:"type"` // "user" | "group" | "room"
	UserID string `json:"userId"`
}

type EventMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"` // "text" | "sticker" | ...
	Text string `json:"text,omitempty"`
}
