package kv

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
)

// File is a Store keeping one file per key under a directory. Values above
// a small threshold are zstd-compressed when that actually saves space.
// Writes go through a temp file and rename so a crash never leaves a
// half-written value behind.
type File struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *log.Logger
}

const (
	fileMagic         = "quietwave-kv 1"
	compressThreshold = 1024
)

// NewFile creates the directory if needed and returns a file-backed store.
func NewFile(dir string, logger *log.Logger) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kv directory: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	if logger == nil {
		logger = log.Default()
	}
	return &File{dir: dir, encoder: encoder, decoder: decoder, logger: logger}, nil
}

func (f *File) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".kv")
}

// Get retrieves a value. A missing or unreadable file is treated as absent;
// corruption is logged, never surfaced.
func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read kv file: %w", err)
	}

	_, payload, compressed, err := parseEnvelope(data)
	if err != nil {
		f.logger.Warn("Corrupt kv file, treating as absent", "key", key, "err", err)
		return "", false, nil
	}

	if compressed {
		payload, err = f.decoder.DecodeAll(payload, nil)
		if err != nil {
			f.logger.Warn("Corrupt kv payload, treating as absent", "key", key, "err", err)
			return "", false, nil
		}
	}
	return string(payload), true, nil
}

// Set stores a value atomically.
func (f *File) Set(_ context.Context, key, value string) error {
	payload := []byte(value)
	compressed := false
	if len(payload) > compressThreshold {
		z := f.encoder.EncodeAll(payload, nil)
		if len(z) < len(payload) {
			payload = z
			compressed = true
		}
	}

	mode := "r"
	if compressed {
		mode = "z"
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\n", fileMagic, mode, url.QueryEscape(key))
	buf.Write(payload)

	path := f.path(key)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write kv file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename kv file: %w", err)
	}
	return nil
}

// Delete removes a key. Absent keys are a no-op.
func (f *File) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete kv file: %w", err)
	}
	return nil
}

// Keys lists all stored keys by reading each envelope header.
func (f *File) Keys(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list kv directory: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".kv") {
			continue
		}
		key, err := readEnvelopeKey(filepath.Join(f.dir, e.Name()))
		if err != nil {
			f.logger.Warn("Skipping unreadable kv file", "file", e.Name(), "err", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close releases the compressor state.
func (f *File) Close() error {
	f.decoder.Close()
	return f.encoder.Close()
}

// parseEnvelope splits a kv file into its header fields and payload.
func parseEnvelope(data []byte) (key string, payload []byte, compressed bool, err error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return "", nil, false, fmt.Errorf("missing header")
	}
	fields := strings.Fields(string(data[:nl]))
	if len(fields) != 4 || fields[0]+" "+fields[1] != fileMagic {
		return "", nil, false, fmt.Errorf("bad header")
	}
	key, err = url.QueryUnescape(fields[3])
	if err != nil {
		return "", nil, false, fmt.Errorf("bad key encoding: %w", err)
	}
	return key, data[nl+1:], fields[2] == "z", nil
}

func readEnvelopeKey(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	header, err := bufio.NewReader(file).ReadString('\n')
	if err != nil {
		return "", err
	}
	key, _, _, err := parseEnvelope([]byte(header))
	return key, err
}
