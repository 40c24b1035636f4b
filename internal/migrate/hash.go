package migrate

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"

	"github.com/opsfin/tenant-router/internal/model"
)

// streamHasher digests the canonical serialization of an ordered event
// stream. Fields are length-prefixed so no two different streams can
// collide by field concatenation; two exports of an unchanged stream
// always produce the same digest.
type streamHasher struct {
	h hash.Hash
}

func newStreamHasher() *streamHasher {
	return &streamHasher{h: sha256.New()}
}

func (s *streamHasher) writeUint64(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	s.h.Write(buf[:])
}

func (s *streamHasher) writeField(v string) {
	s.writeUint64(uint64(len(v)))
	s.h.Write([]byte(v))
}

// Add folds one event, in stream order.
func (s *streamHasher) Add(ev model.DomainEvent) {
	s.writeUint64(ev.EventID)
	s.writeField(ev.AggregateType)
	s.writeField(ev.AggregateID)
	s.writeField(ev.EventType)
	s.writeField(ev.Payload)
	s.writeUint64(uint64(ev.SchemaVersion))
}

// Sum returns the digest in "sha256:<hex>" form.
func (s *streamHasher) Sum() string {
	return "sha256:" + hex.EncodeToString(s.h.Sum(nil))
}
