package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/TFMV/ntuple"
	json "github.com/goccy/go-json"
	"github.com/spaolacci/murmur3"
)

// File layout:
//
//	magic | blob 0 | blob 1 | ... | toc (JSON) | toc length (u64 LE) | magic
var magic = []byte("NTUPLE\x00\x01")

const formatVersion = 1

type toc struct {
	Version int         `json:"version"`
	Stores  []blobEntry `json:"stores"`
}

type blobEntry struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	Checksum uint64 `json:"checksum"`
}

func encode(entries []blobEntry, blobs [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic)
	for i, data := range blobs {
		entries[i].Offset = buf.Len()
		entries[i].Length = len(data)
		entries[i].Checksum = murmur3.Sum64(data)
		buf.Write(data)
	}
	meta, err := json.Marshal(toc{Version: formatVersion, Stores: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to encode table of contents: %w", err)
	}
	buf.Write(meta)
	buf.Write(binary.LittleEndian.AppendUint64(nil, uint64(len(meta))))
	buf.Write(magic)
	return buf.Bytes(), nil
}

func decode(data []byte) ([]blobEntry, error) {
	trailer := 8 + len(magic)
	if len(data) < len(magic)+trailer {
		return nil, fmt.Errorf("%w: %d bytes is too short", ntuple.ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[:len(magic)], magic) || !bytes.Equal(data[len(data)-len(magic):], magic) {
		return nil, fmt.Errorf("%w: bad magic", ntuple.ErrCorrupt)
	}
	end := len(data) - trailer
	n := binary.LittleEndian.Uint64(data[end : end+8])
	if n > uint64(end-len(magic)) {
		return nil, fmt.Errorf("%w: table of contents length %d", ntuple.ErrCorrupt, n)
	}
	start := end - int(n)

	var t toc
	if err := json.Unmarshal(data[start:end], &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ntuple.ErrCorrupt, err)
	}
	if t.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ntuple.ErrCorrupt, t.Version)
	}
	for _, e := range t.Stores {
		if e.Offset < len(magic) || e.Offset > start || e.Length < 0 || e.Length > start-e.Offset {
			return nil, fmt.Errorf("%w: store %q out of bounds", ntuple.ErrCorrupt, e.Name)
		}
		if murmur3.Sum64(data[e.Offset:e.Offset+e.Length]) != e.Checksum {
			return nil, fmt.Errorf("%w: checksum mismatch for store %q", ntuple.ErrCorrupt, e.Name)
		}
	}
	return t.Stores, nil
}
