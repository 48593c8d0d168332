// Package contracts holds the messages exchanged by the example publisher
// and subscriber.
package contracts

import (
	"github.com/google/uuid"
	"github.com/lsfera/go-pq-outbox/naming"
)

var (
	UserCreatedKind    = naming.Kind{Name: "UserCreated", URN: "user.created.v1"}
	UserDeletedKind    = naming.Kind{Name: "UserDeleted", URN: "user.deleted.v1"}
	UserModifiedKind   = naming.Kind{Name: "UserModified", URN: "user.modified.v1"}
	UserSubscribedKind = naming.Kind{Name: "UserSubscribed", URN: "user.subscribed.v1"}
)

// Kinds lists every example message kind by name.
var Kinds = map[string]naming.Kind{
	UserCreatedKind.Name:    UserCreatedKind,
	UserDeletedKind.Name:    UserDeletedKind,
	UserModifiedKind.Name:   UserModifiedKind,
	UserSubscribedKind.Name: UserSubscribedKind,
}

type UserCreated struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type UserDeleted struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type UserModified struct {
	ID      uuid.UUID `json:"id"`
	Surname string    `json:"surname"`
}

type UserSubscribed struct {
	ID     uuid.UUID `json:"id"`
	Plan   string    `json:"plan"`
	Period int       `json:"period"`
}

// New builds a message of the named kind with a fresh id.
func New(name string) (any, bool) {
	id := uuid.New()
	switch name {
	case UserCreatedKind.Name:
		return UserCreated{ID: id, Name: "Ada"}, true
	case UserDeletedKind.Name:
		return UserDeleted{ID: id, Name: "Ada"}, true
	case UserModifiedKind.Name:
		return UserModified{ID: id, Surname: "Lovelace"}, true
	case UserSubscribedKind.Name:
		return UserSubscribed{ID: id, Plan: "premium", Period: 12}, true
	}
	return nil, false
}
