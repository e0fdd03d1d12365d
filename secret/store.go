package secret

import (
	"errors"
	"github.com/google/uuid"
	"github.com/shimmeringbee/persistence"
	"sync"
)

const UserIdentifierKey = "UserIdentifier"

var ErrEmptyKey = errors.New("secret key must not be empty")

// Store is the secure key value store the core persists credentials into. Implementations are
// expected to be backed by the platform credential vault.
type Store interface {
	Save(key string, value string) error
	Read(key string) (string, bool)
	Delete(key string) error
}

// NewSectionStore stores secrets as string values within a persistence section.
func NewSectionStore(s persistence.Section) *SectionStore {
	return &SectionStore{s: s}
}

type SectionStore struct {
	s persistence.Section
}

func (ss *SectionStore) Save(key string, value string) error {
	if key == "" {
		return ErrEmptyKey
	}

	ss.s.Set(key, value)
	return nil
}

func (ss *SectionStore) Read(key string) (string, bool) {
	return ss.s.String(key)
}

func (ss *SectionStore) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	ss.s.Delete(key)
	return nil
}

var _ Store = (*SectionStore)(nil)

var userIdentifierLock = &sync.Mutex{}

// UserIdentifier returns the stable local user identifier, generating and saving one on first use.
func UserIdentifier(s Store) (string, error) {
	userIdentifierLock.Lock()
	defer userIdentifierLock.Unlock()

	if id, found := s.Read(UserIdentifierKey); found && id != "" {
		return id, nil
	}

	id := uuid.NewString()

	if err := s.Save(UserIdentifierKey, id); err != nil {
		return "", err
	}

	return id, nil
}
