package directory

import (
	"context"
	"errors"
	"sync"
)

var ErrUserNotFound = errors.New("directory: user not found")

// User is the read-only identity the call core needs about a participant.
type User struct {
	ID          string `json:"id" db:"id"`
	DisplayName string `json:"displayName" db:"display_name"`
	Email       string `json:"email" db:"email"`
}

// Directory resolves user ids. The call core never writes to it.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// MemoryDirectory is a fixed in-memory directory for tests and local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *MemoryDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *MemoryDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// DisplayName resolves a name, falling back to the id when the lookup fails.
func DisplayName(ctx context.Context, d Directory, userID string) (string, error) {
	if d == nil {
		return userID, nil
	}
	u, err := d.Lookup(ctx, userID)
	if err != nil {
		return userID, err
	}
	if u.DisplayName == "" {
		return userID, nil
	}
	return u.DisplayName, nil
}
