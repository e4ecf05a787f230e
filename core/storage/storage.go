package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/sessiongate/core/jcs"
	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
	"github.com/davidahmann/sessiongate/core/schema/validate"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

var (
	ErrCorrupt     = errors.New("session collection is corrupt")
	ErrUnsupported = errors.New("unsupported storage configuration")
)

// Storage persists the whole session collection as one unit. Save must be atomic:
// after it returns an error the previously saved collection is still the one Load sees.
type Storage interface {
	Load(ctx context.Context) (schemasession.Collection, error)
	Save(ctx context.Context, collection schemasession.Collection) error
	Close() error
}

type Config struct {
	Backend string
	Path    string
	Format  string
}

func Open(ctx context.Context, config Config) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(config.Backend)) {
	case "", BackendFile:
		return NewFile(config.Path, config.Format)
	case BackendSQLite:
		return OpenSQLite(ctx, config.Path)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: backend %q", ErrUnsupported, config.Backend)
	}
}

// Seal stamps schema identity, updated_at and the sessions digest onto a copy of
// collection.
func Seal(collection schemasession.Collection, now time.Time) (schemasession.Collection, error) {
	sealed := collection
	if sealed.Sessions == nil {
		sealed.Sessions = map[string]schemasession.Session{}
	}
	sealed.SchemaID = schemasession.CollectionSchemaID
	sealed.SchemaVersion = schemasession.CollectionSchemaVersion
	sealed.UpdatedAt = normalizeNow(now)
	digest, err := Digest(sealed.Sessions)
	if err != nil {
		return schemasession.Collection{}, err
	}
	sealed.Digest = digest
	return sealed, nil
}

func Digest(sessions map[string]schemasession.Session) (string, error) {
	if sessions == nil {
		sessions = map[string]schemasession.Session{}
	}
	digest, err := jcs.DigestValue(sessions)
	if err != nil {
		return "", fmt.Errorf("digest sessions: %w", err)
	}
	return digest, nil
}

// Verify checks a loaded collection against its schema and recorded digest.
func Verify(collection schemasession.Collection) error {
	if collection.Sessions == nil {
		collection.Sessions = map[string]schemasession.Session{}
	}
	document, err := json.Marshal(collection)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrCorrupt, err)
	}
	validator, err := collectionValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateJSON(document); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	digest, err := Digest(collection.Sessions)
	if err != nil {
		return err
	}
	if digest != collection.Digest {
		return fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	for id, record := range collection.Sessions {
		if record.ID != id {
			return fmt.Errorf("%w: session key %s holds id %s", ErrCorrupt, id, record.ID)
		}
	}
	return nil
}

var collectionValidator = sync.OnceValues(func() (*validate.Validator, error) {
	validator, err := validate.New(schemasession.CollectionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile collection schema: %w", err)
	}
	return validator, nil
})

func normalizeNow(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value.UTC()
}
