package persister

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"accessgraph.dev/event"

	"github.com/google/uuid"
)

// kindTags fixes the on-disk byte for each event.Kind. Record layout:
// kind_tag u8, event_id 16B, action u8, occurred_time i64, hash_code i32,
// payload length-prefixed strings. Tags are positional, so entries must
// never be reordered or removed.
var kindTags = []event.Kind{
	event.KindUser,
	event.KindGroup,
	event.KindUserToGroupMapping,
	event.KindGroupToGroupMapping,
	event.KindUserToComponentAccess,
	event.KindGroupToComponentAccess,
	event.KindEntityType,
	event.KindEntity,
	event.KindUserToEntityMapping,
	event.KindGroupToEntityMapping,
}

// payloadFields returns the fixed order every record's length-prefixed
// payload strings are written and read in, regardless of kind. The file is
// transient (truncated after every successful replay) so the unused-field
// overhead of a kind-independent layout does not matter.
func payloadFields(p event.Payload) [8]string {
	return [8]string{p.User, p.Group, p.FromGroup, p.ToGroup, p.Component, p.AccessLevel, p.EntityType, p.Entity}
}

func kindTag(k event.Kind) (byte, error) {
	for i, kt := range kindTags {
		if kt == k {
			return byte(i), nil
		}
	}
	return 0, fmt.Errorf("persister: no kind tag registered for %q", k)
}

func tagKind(tag byte) (event.Kind, error) {
	if int(tag) >= len(kindTags) {
		return "", fmt.Errorf("persister: unknown kind tag %d", tag)
	}
	return kindTags[tag], nil
}

func actionTag(a event.Action) byte {
	if a == event.ActionRemove {
		return 1
	}
	return 0
}

func tagAction(b byte) event.Action {
	if b == 1 {
		return event.ActionRemove
	}
	return event.ActionAdd
}

// BackupEventFile is a per-node, transient append-only journal: events land
// here only when the primary durable store is unreachable, and the file is
// replayed then truncated on the next successful primary commit. Readback
// preserves event order.
type BackupEventFile struct {
	mu   sync.Mutex
	path string
}

// NewBackupEventFile opens (creating if necessary) the journal at path.
func NewBackupEventFile(path string) (*BackupEventFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup event file: %w", err)
	}
	_ = f.Close()
	return &BackupEventFile{path: path}, nil
}

// Append writes events to the journal in order.
func (b *BackupEventFile) Append(events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open backup event file for append: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range events {
		if err := writeRecord(w, e); err != nil {
			return fmt.Errorf("failed to write backup event record: %w", err)
		}
	}
	return w.Flush()
}

// ReadAll returns every event currently journaled, in the order they were
// appended.
func (b *BackupEventFile) ReadAll() ([]event.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open backup event file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []event.Event
	for {
		e, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read backup event record: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Truncate empties the journal after a successful replay.
func (b *BackupEventFile) Truncate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return os.Truncate(b.path, 0)
}

func writeRecord(w io.Writer, e event.Event) error {
	tag, err := kindTag(e.Kind)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, tag); err != nil {
		return err
	}
	idBytes := e.EventID
	if _, err := w.Write(idBytes[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, actionTag(e.Action)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.OccurredTime.UnixNano()); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, e.HashCode); err != nil {
		return err
	}
	for _, s := range payloadFields(e.Payload) {
		if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readRecord(r io.Reader) (event.Event, error) {
	var tag byte
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return event.Event{}, err
	}
	kind, err := tagKind(tag)
	if err != nil {
		return event.Event{}, err
	}

	var idBytes [16]byte
	if _, err := io.ReadFull(r, idBytes[:]); err != nil {
		return event.Event{}, err
	}

	var actionByte byte
	if err := binary.Read(r, binary.BigEndian, &actionByte); err != nil {
		return event.Event{}, err
	}

	var occurredNano int64
	if err := binary.Read(r, binary.BigEndian, &occurredNano); err != nil {
		return event.Event{}, err
	}

	var hashCode int32
	if err := binary.Read(r, binary.BigEndian, &hashCode); err != nil {
		return event.Event{}, err
	}

	var fields [8]string
	for i := range fields {
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return event.Event{}, err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return event.Event{}, err
		}
		fields[i] = string(buf)
	}

	return event.Event{
		EventID:      uuid.UUID(idBytes),
		Kind:         kind,
		Action:       tagAction(actionByte),
		OccurredTime: time.Unix(0, occurredNano).UTC(),
		HashCode:     hashCode,
		Payload: event.Payload{
			User:        fields[0],
			Group:       fields[1],
			FromGroup:   fields[2],
			ToGroup:     fields[3],
			Component:   fields[4],
			AccessLevel: fields[5],
			EntityType:  fields[6],
			Entity:      fields[7],
		},
	}, nil
}
