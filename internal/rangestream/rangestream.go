// Package rangestream implements C9: mapping a plaintext byte range to the
// minimal span of parts, fetching and decrypting only that window. Grounded
// on the teacher's handleDownload (which has no range support at all — the
// teacher streams the whole file) generalized to the HTTP Range contract
// spec.md §4.9/§6 require, with the same resolve/fetch/decrypt shape as
// download.Assembler.
package rangestream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"discordvault/internal/chunkcodec"
	"discordvault/internal/config"
	"discordvault/internal/fetcher"
	"discordvault/internal/index"
	"discordvault/internal/kdf"
	"discordvault/internal/logging"
	"discordvault/internal/resolver"
	"discordvault/internal/vaulterrors"
)

// Options configures one Stream call.
type Options struct {
	EncryptionKey string
}

type Streamer struct {
	Index    *index.Index
	Resolver *resolver.Resolver
	Fetcher  *fetcher.Fetcher
	Config   *config.Config
	log      *logging.Logger
}

func New(idx *index.Index, res *resolver.Resolver, fet *fetcher.Fetcher, cfg *config.Config) *Streamer {
	return &Streamer{Index: idx, Resolver: res, Fetcher: fet, Config: cfg, log: logging.New(logging.TagDownload)}
}

// window describes the contiguous part span needed to satisfy a plaintext
// byte range (spec.md §4.9).
type window struct {
	firstPartIndex int
	lastPartIndex  int
	offsetInFirst  int64
	bytesFromLast  int64
	contentLength  int64
}

// computeWindow builds the cumulative plaintext-offset table and finds the
// minimal span of parts covering [rangeStart, rangeEnd].
func computeWindow(parts []index.Part, rangeStart, rangeEnd int64) (*window, error) {
	var fileSize int64
	for _, p := range parts {
		fileSize += p.PlainSize
	}
	if rangeStart < 0 || rangeEnd < rangeStart || rangeEnd >= fileSize {
		return nil, fmt.Errorf("rangestream: range [%d,%d] outside [0,%d]: %w", rangeStart, rangeEnd, fileSize-1, vaulterrors.RangeNotSatisfiable)
	}

	plainStart := make([]int64, len(parts))
	var cum int64
	for i, p := range parts {
		plainStart[i] = cum
		cum += p.PlainSize
	}

	first := -1
	for i, p := range parts {
		if plainStart[i]+p.PlainSize-1 >= rangeStart {
			first = i
			break
		}
	}
	last := -1
	for i := range parts {
		if plainStart[i] <= rangeEnd {
			last = i
		}
	}
	if first == -1 || last == -1 || first > last {
		return nil, fmt.Errorf("rangestream: could not map range [%d,%d]: %w", rangeStart, rangeEnd, vaulterrors.RangeNotSatisfiable)
	}

	return &window{
		firstPartIndex: first,
		lastPartIndex:  last,
		offsetInFirst:  rangeStart - plainStart[first],
		bytesFromLast:  rangeEnd - plainStart[last] + 1,
		contentLength:  rangeEnd - rangeStart + 1,
	}, nil
}

// Stream implements spec.md §4.9: resolve URLs for the messages the
// selected window touches, fetch only the window's parts compacted into a
// scratch file, decrypt in order, and return exactly contentLength bytes.
func (s *Streamer) Stream(ctx context.Context, fileID, rangeStart, rangeEnd int64, opts Options) (io.ReadCloser, error) {
	f, err := s.Index.GetFileByID(fileID)
	if err != nil {
		return nil, err
	}

	w, err := computeWindow(f.Parts, rangeStart, rangeEnd)
	if err != nil {
		return nil, err
	}

	var header *index.EncryptionHeader
	var key [32]byte
	if f.EncryptionHeader != "" {
		var h index.EncryptionHeader
		if err := json.Unmarshal([]byte(f.EncryptionHeader), &h); err != nil {
			return nil, fmt.Errorf("rangestream: parse encryption header: %w", err)
		}
		if opts.EncryptionKey == "" {
			return nil, fmt.Errorf("rangestream: file is encrypted, no key supplied: %w", vaulterrors.MissingKey)
		}
		k, err := kdf.DeriveKeyForHeader(opts.EncryptionKey, h.Salt, h.PBKDF2Iterations)
		if err != nil {
			return nil, err
		}
		key = k
		header = &h
	}

	selected := f.Parts[w.firstPartIndex : w.lastPartIndex+1]

	// The resolver's positional fallback indexes a part within its
	// message's part group, so every part of each message the window
	// touches is resolved; only the window's parts are fetched below.
	touched := make(map[string]bool, len(selected))
	for _, p := range selected {
		touched[p.MessageID] = true
	}
	var group []index.Part
	lead := 0 // parts in group that precede the window
	for i, p := range f.Parts {
		if touched[p.MessageID] {
			if i < w.firstPartIndex {
				lead++
			}
			group = append(group, p)
		}
	}

	refreshed, err := s.Resolver.Resolve(ctx, group, resolver.Strict)
	if err != nil {
		return nil, fmt.Errorf("rangestream: resolve urls: %w", err)
	}
	resolved := refreshed[lead : lead+len(selected)]

	scratch, err := os.CreateTemp(s.Config.TempDir, fmt.Sprintf("discordvault-range-%d-*.tmp", fileID))
	if err != nil {
		return nil, fmt.Errorf("rangestream: create scratch file: %w", err)
	}

	var windowSize int64
	offsets := make([]int64, len(resolved))
	targets := make([]fetcher.PartTarget, len(resolved))
	offset := int64(0)
	for i, p := range resolved {
		offsets[i] = offset
		targets[i] = fetcher.PartTarget{Part: p, Offset: offset}
		offset += p.Size
		windowSize += p.Size
	}
	if err := scratch.Truncate(windowSize); err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		return nil, fmt.Errorf("rangestream: pre-allocate scratch file: %w", err)
	}

	if err := s.Fetcher.Fetch(ctx, scratch, targets, nil); err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		return nil, fmt.Errorf("rangestream: fetch window: %w", err)
	}

	return &slicedReader{
		scratch:       scratch,
		parts:         resolved,
		offsets:       offsets,
		header:        header,
		key:           key,
		skipFirst:     w.offsetInFirst,
		contentLength: w.contentLength,
	}, nil
}

// slicedReader decrypts the selected parts in order and trims to the exact
// requested byte range.
type slicedReader struct {
	scratch *os.File
	parts   []index.Part
	offsets []int64
	header  *index.EncryptionHeader
	key     [32]byte

	idx           int
	pending       []byte
	skipFirst     int64 // bytes to discard from the start of the first decrypted part
	emitted       int64
	contentLength int64
}

func (r *slicedReader) Read(p []byte) (int, error) {
	if r.emitted >= r.contentLength {
		return 0, io.EOF
	}

	for len(r.pending) == 0 {
		if r.idx >= len(r.parts) {
			return 0, io.EOF
		}
		part := r.parts[r.idx]
		offset := r.offsets[r.idx]
		r.idx++

		buf := make([]byte, part.Size)
		if _, err := r.scratch.ReadAt(buf, offset); err != nil {
			return 0, fmt.Errorf("rangestream: read scratch part %d: %w", part.PartNumber, err)
		}

		var plaintext []byte
		if r.header != nil {
			pt, err := chunkcodec.DecryptChunk(buf, r.key[:], part.IV)
			if err != nil {
				return 0, fmt.Errorf("rangestream: decrypt part %d: %w", part.PartNumber, err)
			}
			plaintext = pt
		} else {
			plaintext = buf
		}

		if r.idx == 1 && r.skipFirst > 0 {
			if r.skipFirst > int64(len(plaintext)) {
				return 0, fmt.Errorf("rangestream: offset_in_first_chunk exceeds part size: %w", vaulterrors.Internal)
			}
			plaintext = plaintext[r.skipFirst:]
		}
		r.pending = plaintext
	}

	n := copy(p, r.pending)
	remainingContent := r.contentLength - r.emitted
	if int64(n) > remainingContent {
		n = int(remainingContent)
	}
	r.emitted += int64(n)
	r.pending = r.pending[n:]
	if r.emitted >= r.contentLength {
		return n, io.EOF
	}
	return n, nil
}

func (r *slicedReader) Close() error {
	name := r.scratch.Name()
	err := r.scratch.Close()
	if rmErr := os.Remove(name); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
