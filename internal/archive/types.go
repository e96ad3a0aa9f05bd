package archive

// Conversation is a persisted conversation row.
type Conversation struct {
	ID            string
	DisplayName   string
	Avatar        string
	Favorite      bool
	LastMessageAt int64
}

// Message is a persisted confirmed message.
type Message struct {
	ID             int64
	ConversationID string
	Seq            int64
	SenderID       string
	Body           string
	Timestamp      int64
	CorrelationID  string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
