// Package backup reads and writes compressed snapshots of the persisted
// organizer state.
//
// The format is: 7-byte magic "bgLz40\x00" + 4-byte LE uint32 uncompressed
// size + lz4 block data. The payload is the JSON encoding of storage.State.
package backup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/lotas/bubblegroups/internal/storage"
	"github.com/pierrec/lz4/v4"
)

var magic = []byte("bgLz40\x00")

const headerSize = 7 + 4

// Compress frames data as a backup payload.
func Compress(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("bglz4: compress failed: %w", err)
	}

	out := make([]byte, 0, headerSize+n)
	out = append(out, magic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(data)))
	return append(out, dst[:n]...), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("bglz4: data too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("bglz4: invalid header magic")
	}

	size := binary.LittleEndian.Uint32(data[len(magic):headerSize])
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(data[headerSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("bglz4: decompress failed: %w", err)
	}
	return dst[:n], nil
}

// Write encodes st to w.
func Write(w io.Writer, st *storage.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	framed, err := Compress(data)
	if err != nil {
		return err
	}
	_, err = w.Write(framed)
	return err
}

// Read decodes a state written by Write.
func Read(r io.Reader) (*storage.State, error) {
	framed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	data, err := Decompress(framed)
	if err != nil {
		return nil, err
	}
	var st storage.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// WriteFile writes st to path, creating parent directories.
func WriteFile(path string, st *storage.State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	var buf bytes.Buffer
	if err := Write(&buf, st); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// ReadFile reads a backup from path.
func ReadFile(path string) (*storage.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backup: %w", err)
	}
	defer f.Close()
	return Read(f)
}
