package migrate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opsfin/tenant-router/internal/model"
)

// ErrUnsupportedVersion means the snapshot's major format version is
// unknown to this reader.
var ErrUnsupportedVersion = errors.New("unsupported export format version")

// WriteSnapshot encodes a snapshot as JSON Lines: the header object
// first, then one object per event in ascending event_id order.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(snap.Header); err != nil {
		return err
	}
	for i := range snap.Events {
		if err := enc.Encode(snap.Events[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnapshot decodes a snapshot written by WriteSnapshot. Readers
// are forward-compatible within a major version and reject unknown
// major versions.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty snapshot")
	}
	var header Header
	if err := json.Unmarshal(sc.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	if err := checkVersion(header.FormatVersion); err != nil {
		return nil, err
	}

	events := make([]model.DomainEvent, 0, header.EventCount)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.DomainEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("snapshot event %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(events) != header.EventCount {
		return nil, fmt.Errorf("snapshot truncated: header says %d events, read %d", header.EventCount, len(events))
	}
	return &Snapshot{Header: header, Events: events}, nil
}

func checkVersion(v string) error {
	major := v
	if i := strings.IndexByte(v, '.'); i >= 0 {
		major = v[:i]
	}
	supported := FormatVersion
	if i := strings.IndexByte(supported, '.'); i >= 0 {
		supported = supported[:i]
	}
	if major != supported {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	return nil
}
