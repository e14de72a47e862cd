package sqlite

import (
	"github.com/nextlevelbuilder/zapdesk/internal/store"
)

// NewStores creates all stores backed by SQLite (standalone mode).
func NewStores(path string) (*store.Stores, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Directory:     NewDirectoryStore(db),
		Conversations: NewConversationStore(db),
		Transfers:     NewTransferStore(db),
		Close:         db.Close,
	}, nil
}
