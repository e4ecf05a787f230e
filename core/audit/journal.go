package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/sessiongate/core/fsx"
	"github.com/davidahmann/sessiongate/core/jcs"
	schemaaudit "github.com/davidahmann/sessiongate/core/schema/v1/audit"
	"github.com/davidahmann/sessiongate/core/schema/validate"
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrChainBroken      = errors.New("audit chain broken")
)

type head struct {
	sequence int64
	digest   string
}

// Journal keeps one append-only JSONL file per session. Every event carries the digest
// of its predecessor so truncation or edits are detectable.
type Journal struct {
	root string

	mu    sync.Mutex
	heads map[string]head
}

func NewJournal(root string) (*Journal, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("audit root is required")
	}
	if err := fsx.EnsureDir(trimmed); err != nil {
		return nil, fmt.Errorf("create audit root: %w", err)
	}
	return &Journal{root: trimmed, heads: map[string]head{}}, nil
}

// Append assigns sequence, prev_digest and digest, then durably appends the event.
func (j *Journal) Append(event schemaaudit.Event) (schemaaudit.Event, error) {
	path, err := j.pathFor(event.SessionID)
	if err != nil {
		return schemaaudit.Event{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	current, ok := j.heads[event.SessionID]
	if !ok {
		current, err = readHead(path)
		if err != nil {
			return schemaaudit.Event{}, err
		}
	}

	event.SchemaID = schemaaudit.EventSchemaID
	event.SchemaVersion = schemaaudit.EventSchemaVersion
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.CreatedAt = event.CreatedAt.UTC()
	event.Sequence = current.sequence + 1
	event.PrevDigest = current.digest
	event.Digest = ""
	digest, err := jcs.DigestValue(event)
	if err != nil {
		return schemaaudit.Event{}, fmt.Errorf("digest audit event: %w", err)
	}
	event.Digest = digest

	line, err := json.Marshal(event)
	if err != nil {
		return schemaaudit.Event{}, fmt.Errorf("encode audit event: %w", err)
	}
	if err := fsx.AppendLineLocked(path, line, 0o600); err != nil {
		return schemaaudit.Event{}, fmt.Errorf("append audit event: %w", err)
	}
	j.heads[event.SessionID] = head{sequence: event.Sequence, digest: event.Digest}
	return event, nil
}

func (j *Journal) Read(sessionID string) ([]schemaaudit.Event, error) {
	path, err := j.pathFor(sessionID)
	if err != nil {
		return nil, err
	}
	return readEvents(path)
}

// Verify validates every event against the event schema and checks the digest chain.
func (j *Journal) Verify(sessionID string) error {
	path, err := j.pathFor(sessionID)
	if err != nil {
		return err
	}
	lines, err := fsx.ReadLines(path)
	if err != nil {
		return fmt.Errorf("read audit journal: %w", err)
	}
	validator, err := eventValidator()
	if err != nil {
		return err
	}
	previous := ""
	for index, line := range lines {
		if err := validator.ValidateJSON(line); err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrChainBroken, index+1, err)
		}
		var event schemaaudit.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrChainBroken, index+1, err)
		}
		if event.Sequence != int64(index+1) {
			return fmt.Errorf("%w: event %d has sequence %d", ErrChainBroken, index+1, event.Sequence)
		}
		if event.PrevDigest != previous {
			return fmt.Errorf("%w: event %d prev_digest mismatch", ErrChainBroken, index+1)
		}
		recorded := event.Digest
		event.Digest = ""
		computed, err := jcs.DigestValue(event)
		if err != nil {
			return fmt.Errorf("digest audit event: %w", err)
		}
		if computed != recorded {
			return fmt.Errorf("%w: event %d digest mismatch", ErrChainBroken, index+1)
		}
		previous = recorded
	}
	return nil
}

func (j *Journal) pathFor(sessionID string) (string, error) {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" || trimmed != sessionID {
		return "", ErrInvalidSessionID
	}
	for _, character := range trimmed {
		isAlpha := (character >= 'a' && character <= 'z') || (character >= 'A' && character <= 'Z')
		isDigit := character >= '0' && character <= '9'
		if !isAlpha && !isDigit && character != '-' && character != '_' {
			return "", ErrInvalidSessionID
		}
	}
	return filepath.Join(j.root, trimmed+".jsonl"), nil
}

func readHead(path string) (head, error) {
	events, err := readEvents(path)
	if err != nil {
		return head{}, err
	}
	if len(events) == 0 {
		return head{}, nil
	}
	last := events[len(events)-1]
	return head{sequence: last.Sequence, digest: last.Digest}, nil
}

func readEvents(path string) ([]schemaaudit.Event, error) {
	lines, err := fsx.ReadLines(path)
	if err != nil {
		return nil, fmt.Errorf("read audit journal: %w", err)
	}
	events := make([]schemaaudit.Event, 0, len(lines))
	for _, line := range lines {
		var event schemaaudit.Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}

var eventValidator = sync.OnceValues(func() (*validate.Validator, error) {
	validator, err := validate.New(schemaaudit.EventSchema)
	if err != nil {
		return nil, fmt.Errorf("compile audit event schema: %w", err)
	}
	return validator, nil
})
