package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/portal-roomchat/roomchat/proto"
)

// transcriptStore keeps every rendered message in PebbleDB so a failed
// history load can still show the last known page.
// Keys are "m" + room (8 bytes BE) + message id (8 bytes BE), so a room's
// messages are contiguous and ordered by id.
type transcriptStore struct {
	db *pebble.DB
}

func openTranscriptStore(dir string) (*transcriptStore, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &transcriptStore{db: db}, nil
}

func roomPrefix(room int64) []byte {
	key := make([]byte, 9)
	key[0] = 'm'
	binary.BigEndian.PutUint64(key[1:], uint64(room))
	return key
}

func messageKey(room, id int64) []byte {
	key := make([]byte, 17)
	copy(key, roomPrefix(room))
	binary.BigEndian.PutUint64(key[9:], uint64(id))
	return key
}

// Save stores m under its room and id. Saving the same id again replaces it.
func (s *transcriptStore) Save(m proto.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	if m.ID <= 0 {
		return fmt.Errorf("transcript: message without id")
	}
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(messageKey(m.ChatRoomID, m.ID), val, pebble.Sync)
}

// Recent returns up to limit messages of room with the highest ids, oldest
// first.
func (s *transcriptStore) Recent(room int64, limit int) ([]proto.Message, error) {
	if s == nil || s.db == nil || limit <= 0 {
		return nil, nil
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: roomPrefix(room),
		UpperBound: roomPrefix(room + 1),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]proto.Message, 0, limit)
	for it.Last(); it.Valid() && len(out) < limit; it.Prev() {
		var m proto.Message
		if err := json.Unmarshal(it.Value(), &m); err == nil {
			out = append(out, m)
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *transcriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
