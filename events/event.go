package events

import "encoding/json"

// Kind names an event on the wire.
type Kind string

const (
	KindSessionStarted          Kind = "session-started"
	KindSessionEnded            Kind = "session-ended"
	KindChatMessage             Kind = "chat-message"
	KindFollowedStreamsUpdated  Kind = "followed-streams-updated"
	KindSubscriberJoinedSession Kind = "subscriber-joined-active-session"
)

// FollowedStream is a live followed channel as shown on the dashboard.
type FollowedStream struct {
	Channel      string `json:"channel"`
	Title        string `json:"title"`
	Game         string `json:"game"`
	ViewerCount  int    `json:"viewer_count"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// Event is one message to subscribers. Only the fields of its Kind are encoded.
type Event struct {
	Kind     Kind
	Channel  string
	Username string
	Color    string
	Text     string
	Streams  []FollowedStream
}

func SessionStarted(channel string) Event { return Event{Kind: KindSessionStarted, Channel: channel} }

func SessionEnded() Event { return Event{Kind: KindSessionEnded} }

func SubscriberJoinedActiveSession(channel string) Event {
	return Event{Kind: KindSubscriberJoinedSession, Channel: channel}
}

func ChatMessage(username, color, text string) Event {
	return Event{Kind: KindChatMessage, Username: username, Color: color, Text: text}
}

func FollowedStreamsUpdated(streams []FollowedStream) Event {
	if streams == nil {
		streams = []FollowedStream{}
	}
	return Event{Kind: KindFollowedStreamsUpdated, Streams: streams}
}

// MarshalJSON encodes the flat wire object, e.g. {"event":"session-started","channel":"alice"}.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindSessionStarted, KindSubscriberJoinedSession:
		return json.Marshal(struct {
			Event   Kind   `json:"event"`
			Channel string `json:"channel"`
		}{e.Kind, e.Channel})
	case KindChatMessage:
		return json.Marshal(struct {
			Event    Kind   `json:"event"`
			Username string `json:"username"`
			Color    string `json:"color"`
			Text     string `json:"text"`
		}{e.Kind, e.Username, e.Color, e.Text})
	case KindFollowedStreamsUpdated:
		streams := e.Streams
		if streams == nil {
			streams = []FollowedStream{}
		}
		return json.Marshal(struct {
			Event   Kind             `json:"event"`
			Streams []FollowedStream `json:"streams"`
		}{e.Kind, streams})
	default:
		return json.Marshal(struct {
			Event Kind `json:"event"`
		}{e.Kind})
	}
}
