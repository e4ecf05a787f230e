package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/sessiongate/core/fsx"
	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
)

// File keeps the collection in a single file that is rewritten atomically on every
// save. It serializes nothing across processes.
type File struct {
	path  string
	codec codec
	now   func() time.Time
}

func NewFile(path string, format string) (*File, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("%w: file backend requires a path", ErrUnsupported)
	}
	selected, err := codecFor(format)
	if err != nil {
		return nil, err
	}
	return &File{path: trimmedPath, codec: selected, now: time.Now}, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Format() string {
	return f.codec.Name()
}

func (f *File) Load(ctx context.Context) (schemasession.Collection, error) {
	if err := ctx.Err(); err != nil {
		return schemasession.Collection{}, err
	}
	payload, found, err := fsx.ReadFileOptional(f.path)
	if err != nil {
		return schemasession.Collection{}, fmt.Errorf("load session collection: %w", err)
	}
	if !found || len(strings.TrimSpace(string(payload))) == 0 {
		return schemasession.NewCollection(), nil
	}
	collection, err := f.codec.Decode(payload)
	if err != nil {
		return schemasession.Collection{}, err
	}
	if collection.Sessions == nil {
		collection.Sessions = map[string]schemasession.Session{}
	}
	if err := Verify(collection); err != nil {
		return schemasession.Collection{}, err
	}
	return collection, nil
}

func (f *File) Save(ctx context.Context, collection schemasession.Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, err := Seal(collection, f.now())
	if err != nil {
		return err
	}
	payload, err := f.codec.Encode(sealed)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(f.path, payload, 0o600); err != nil {
		return fmt.Errorf("save session collection: %w", err)
	}
	return nil
}

func (f *File) Close() error {
	return nil
}
