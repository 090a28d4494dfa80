// Package mail is the mailbox collaborator boundary: search candidate
// message ids, fetch one message snapshot, mark a message read.
package mail

import (
	"context"

	"gymagent/internal/model"
)

// Mailbox abstracts the mail provider. Identifiers are opaque strings,
// unique per provider.
type Mailbox interface {
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
	Fetch(ctx context.Context, id string) (*model.Message, error)
	MarkRead(ctx context.Context, id string) error
}
