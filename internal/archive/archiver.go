package archive

import (
	"go.uber.org/zap"

	"github.com/foundxnet/chatkit/internal/bus"
	"github.com/foundxnet/chatkit/internal/msgstore"
	"github.com/foundxnet/chatkit/internal/roster"
)

// Archiver consumes bus events and mirrors them into the history database.
// Persistence failures are logged and skipped: the in-memory state stays
// authoritative for the running session.
type Archiver struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger

	unsub func()
	quit  chan struct{}
	done  chan struct{}
}

// NewArchiver creates an archiver over the given database and bus.
func NewArchiver(db *DB, b *bus.Bus, logger *zap.Logger) *Archiver {
	return &Archiver{db: db, bus: b, logger: logger}
}

// Start begins consuming events. Call Close to stop.
func (a *Archiver) Start() {
	ch, unsub := a.bus.Subscribe("", 256)
	a.unsub = unsub
	a.quit = make(chan struct{})
	a.done = make(chan struct{})
	go a.run(ch)
}

func (a *Archiver) run(ch <-chan bus.Event) {
	defer close(a.done)
	for {
		select {
		case evt := <-ch:
			a.handle(evt)
		case <-a.quit:
			return
		}
	}
}

func (a *Archiver) handle(evt bus.Event) {
	switch evt.Kind {
	case "message.confirmed":
		msg, ok := evt.Payload.(msgstore.Message)
		if !ok {
			return
		}
		err := a.db.UpsertMessage(&Message{
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			SenderID:       msg.SenderID,
			Body:           msg.Text,
			Timestamp:      msg.Timestamp,
			CorrelationID:  msg.CorrelationID,
		})
		if err == nil {
			err = a.db.UpsertConversation(&Conversation{
				ID:            msg.ConversationID,
				LastMessageAt: msg.Timestamp,
			})
		}
		if err != nil {
			a.logger.Warn("archive message",
				zap.String("conversation", msg.ConversationID),
				zap.Int64("seq", msg.Seq),
				zap.Error(err))
		}
	case "roster.favorite_changed":
		change, ok := evt.Payload.(roster.FavoriteChange)
		if !ok {
			return
		}
		if err := a.db.SetFavorite(change.ConversationID, change.Favorite); err != nil {
			a.logger.Warn("archive favorite",
				zap.String("conversation", change.ConversationID),
				zap.Error(err))
		}
	}
}

// Close stops the consumer and waits for the in-flight event to finish.
func (a *Archiver) Close() {
	if a.unsub == nil {
		return
	}
	a.unsub()
	close(a.quit)
	<-a.done
	a.unsub = nil
}

// Hydrate replays the archived history into the in-memory stores. Archived
// messages flow through the same confirmation path as live ones, so ordering
// and dedup rules apply identically.
func (a *Archiver) Hydrate(store *msgstore.Store, index *roster.Index) error {
	convs, err := a.db.ListConversations()
	if err != nil {
		return err
	}
	for _, c := range convs {
		index.Ensure(c.ID)
		index.SetProfile(c.ID, c.DisplayName, c.Avatar)
		index.SetFavorite(c.ID, c.Favorite)

		msgs, err := a.db.ListMessages(c.ID, 0, 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			store.Confirm(c.ID, msgstore.Message{
				SenderID:      m.SenderID,
				Text:          m.Body,
				Timestamp:     m.Timestamp,
				Seq:           m.Seq,
				CorrelationID: m.CorrelationID,
			})
		}
	}
	a.logger.Info("history hydrated", zap.Int("conversations", len(convs)))
	return nil
}
