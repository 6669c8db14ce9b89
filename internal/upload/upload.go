// Package upload implements C5: the upload orchestrator. Grounded on the
// teacher's server.handleUpload streaming loop (read → encrypt → send →
// record), generalized from one bot/one channel to the bot pool and
// parallel dispatch spec.md §4.5 requires.
package upload

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"discordvault/internal/botpool"
	"discordvault/internal/chunkcodec"
	"discordvault/internal/config"
	"discordvault/internal/index"
	"discordvault/internal/logging"
	"discordvault/internal/vaulterrors"
)

// Stage is one phase of Progress.
type Stage string

const (
	StageReading    Stage = "reading"
	StageEncrypting Stage = "encrypting"
	StageUploading  Stage = "uploading"
	StageFinalizing Stage = "finalizing"
)

// Progress is emitted to Options.OnProgress as the upload advances.
// CurrentPart/BytesUploaded/Percent are monotone (spec.md §4.5).
type Progress struct {
	Stage         Stage
	CurrentPart   int
	TotalParts    *int // nil until fixed at commit, for unknown-length sources
	BytesUploaded int64
	TotalBytes    *int64
	Percent       *float64
}

// Options configures one Upload call (spec.md §4.5).
type Options struct {
	Filename      string
	MimeType      string
	FolderID      *int64
	UserID        *int64
	Encrypt       bool
	EncryptionKey string
	MediaWidth    *int
	MediaHeight   *int
	OnProgress    func(Progress)
}

// Result is the public contract's return value.
type Result struct {
	FileID     int64
	TotalParts int
	Size       int64
	Encrypted  bool
}

// Orchestrator drives C1/C2/C4/C3 to turn a byte stream into a committed
// File.
type Orchestrator struct {
	Pool   *botpool.Pool
	Index  *index.Index
	Config *config.Config
	log    *logging.Logger
}

func New(pool *botpool.Pool, idx *index.Index, cfg *config.Config) *Orchestrator {
	return &Orchestrator{Pool: pool, Index: idx, Config: cfg, log: logging.New(logging.TagUpload)}
}

type chunkJob struct {
	partNumber int
	plaintext  []byte
}

// Upload implements the full pipeline described in spec.md §4.5.
func (o *Orchestrator) Upload(ctx context.Context, source io.Reader, opts Options) (*Result, error) {
	if opts.Filename == "" {
		return nil, fmt.Errorf("upload: filename required: %w", vaulterrors.ConfigInvalid)
	}

	chunkSize := o.Config.ChunkSize

	var header *index.EncryptionHeader
	var key [32]byte
	if opts.Encrypt {
		h, _, err := buildHeader(chunkSize, config.DefaultPBKDF2Iterations)
		if err != nil {
			return nil, err
		}
		passphrase := opts.EncryptionKey
		if passphrase == "" {
			passphrase = string(o.Config.EncryptionKey)
		}
		k, err := deriveKeyForHeader(passphrase, h)
		if err != nil {
			return nil, err
		}
		key = k
		header = h
	}

	parallelism := o.Config.BotsPerChannel * len(o.Config.ChannelIDs)
	if parallelism <= 0 {
		parallelism = 1
	}

	jobs := make(chan chunkJob, o.Config.BatchSize*parallelism)
	var readErr error
	var totalBytes int64
	var partCount int

	// Producer: sequential chunk reader, bounds memory via the buffered
	// channel (spec.md §4.5 step 2 / §5 back-pressure).
	go func() {
		defer close(jobs)
		buf := make([]byte, chunkSize)
		partNum := 0
		for {
			n, err := io.ReadFull(source, buf)
			if n > 0 {
				partNum++
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				totalBytes += int64(n)
				select {
				case jobs <- chunkJob{partNumber: partNum, plaintext: chunk}:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				partCount = partNum
				return
			}
			if err != nil {
				readErr = err
				return
			}
		}
	}()

	state := &dispatchState{
		results:    make([]index.Part, 0, 64),
		fileIDHash: fnvHash(opts.Filename),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	batch := make([]chunkJob, 0, o.Config.BatchSize)
	flush := func(b []chunkJob) {
		if len(b) == 0 {
			return
		}
		batchCopy := append([]chunkJob(nil), b...)
		g.Go(func() error {
			return o.dispatchBatch(gctx, batchCopy, opts, header, key, state)
		})
	}

	for job := range jobs {
		batch = append(batch, job)
		if len(batch) == o.Config.BatchSize {
			flush(batch)
			batch = make([]chunkJob, 0, o.Config.BatchSize)
		}
	}
	flush(batch)

	waitErr := g.Wait()

	if readErr != nil {
		o.cleanup(state.messagesByChan())
		return nil, fmt.Errorf("upload: read source: %w", readErr)
	}
	if waitErr != nil {
		o.cleanup(state.messagesByChan())
		if ctx.Err() != nil {
			return nil, fmt.Errorf("upload: %w", vaulterrors.Cancelled)
		}
		return nil, fmt.Errorf("upload: dispatch: %w", waitErr)
	}
	if ctx.Err() != nil {
		o.cleanup(state.messagesByChan())
		return nil, fmt.Errorf("upload: %w", vaulterrors.Cancelled)
	}

	if partCount == 0 {
		return nil, fmt.Errorf("upload: empty source: %w", vaulterrors.ConfigInvalid)
	}

	if opts.OnProgress != nil {
		total := partCount
		pct := 100.0
		opts.OnProgress(Progress{Stage: StageFinalizing, CurrentPart: partCount, TotalParts: &total, BytesUploaded: totalBytes, TotalBytes: &totalBytes, Percent: &pct})
	}

	f := &index.File{
		OriginalName: opts.Filename,
		Size:         totalBytes,
		MimeType:     opts.MimeType,
		TotalParts:   partCount,
		FolderID:     opts.FolderID,
		UserID:       opts.UserID,
		MediaWidth:   opts.MediaWidth,
		MediaHeight:  opts.MediaHeight,
	}
	if header != nil {
		headerJSON, err := marshalHeader(header)
		if err != nil {
			o.cleanup(state.messagesByChan())
			return nil, err
		}
		f.EncryptionHeader = headerJSON
	}

	orderedParts := make([]index.Part, partCount)
	results := state.snapshot()
	for _, p := range results {
		if p.PartNumber < 1 || p.PartNumber > partCount {
			o.cleanup(state.messagesByChan())
			return nil, fmt.Errorf("upload: part number %d out of range: %w", p.PartNumber, vaulterrors.Internal)
		}
		orderedParts[p.PartNumber-1] = p
	}

	fileID, err := o.Index.InsertFileWithParts(f, orderedParts)
	if err != nil {
		o.cleanup(state.messagesByChan())
		return nil, fmt.Errorf("upload: commit: %w", err)
	}

	return &Result{FileID: fileID, TotalParts: partCount, Size: totalBytes, Encrypted: header != nil}, nil
}

// dispatchState accumulates dispatch results across concurrent batch
// goroutines. Its mutex is the only synchronisation point besides the bot
// pool's atomic busy counters (spec.md §5).
type dispatchState struct {
	mu            sync.Mutex
	results       []index.Part
	messagesByChannel map[string][]string
	fileIDHash    uint32
	bytesDone     int64
}

func (s *dispatchState) record(parts []index.Part, channelID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, parts...)
	if s.messagesByChannel == nil {
		s.messagesByChannel = make(map[string][]string)
	}
	s.messagesByChannel[channelID] = append(s.messagesByChannel[channelID], messageID)
}

func (s *dispatchState) addBytes(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesDone += n
	return s.bytesDone
}

func (s *dispatchState) snapshot() []index.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]index.Part(nil), s.results...)
}

func (s *dispatchState) messagesByChan() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.messagesByChannel))
	for k, v := range s.messagesByChannel {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// dispatchBatch encrypts and sends one batch of up to batch_size chunks as
// a single multi-attachment message (spec.md §4.5 steps 3-5).
func (o *Orchestrator) dispatchBatch(ctx context.Context, batch []chunkJob, opts Options, header *index.EncryptionHeader, key [32]byte, state *dispatchState) error {
	attachments := make([]botpool.Attachment, len(batch))
	partial := make([]index.Part, len(batch))

	total := totalDigits(batch)
	for i, job := range batch {
		var ciphertext []byte
		var iv, tag []byte
		plainSize := len(job.plaintext)

		if header != nil {
			enc, err := chunkcodec.EncryptChunk(job.plaintext, key[:])
			if err != nil {
				return fmt.Errorf("upload: encrypt part %d: %w", job.partNumber, err)
			}
			ciphertext = enc.Ciphertext
			iv = enc.IV
			tag = enc.Tag
		} else {
			ciphertext = job.plaintext
		}

		attachments[i] = botpool.Attachment{
			Filename: attachmentName(opts.Filename, job.partNumber, total),
			Bytes:    ciphertext,
		}
		partial[i] = index.Part{
			PartNumber: job.partNumber,
			Size:       int64(len(ciphertext)),
			PlainSize:  int64(plainSize),
			IV:         iv,
			AuthTag:    tag,
		}
	}

	channelID := o.routeChannel(state.fileIDHash)

	msg, err := o.Pool.SendAttachments(ctx, channelID, attachments, "")
	if err != nil {
		return fmt.Errorf("upload: dispatch batch starting at part %d: %w", batch[0].partNumber, err)
	}

	for i := range partial {
		partial[i].MessageID = msg.ID
		partial[i].ChannelID = channelID
		if i < len(msg.Attachments) {
			partial[i].DiscordURL = msg.Attachments[i].URL
		}
	}

	state.record(partial, channelID, msg.ID)

	if opts.OnProgress != nil {
		var bytesSent int64
		for _, p := range partial {
			bytesSent += p.PlainSize
		}
		done := state.addBytes(bytesSent)
		opts.OnProgress(Progress{Stage: StageUploading, CurrentPart: batch[len(batch)-1].partNumber, BytesUploaded: done})
	}

	return nil
}

// routeChannel picks the upload channel for a file (spec.md §4.5 step 4):
// the configured upload channel override when one is set, otherwise the
// channel chosen by the FNV hash of the filename. Every batch of one file
// goes to the same channel; different filenames spread across the
// configured set.
func (o *Orchestrator) routeChannel(fileIDHash uint32) string {
	if o.Config.UploadChannelOverride != "" {
		return o.Config.UploadChannelOverride
	}
	channels := o.Config.ChannelIDs
	if len(channels) == 0 {
		return ""
	}
	return channels[int(fileIDHash)%len(channels)]
}

func fnvHash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// cleanup issues best-effort deletes for already-posted messages after an
// abort (spec.md §4.5 step 6, §4.5 cancellation, §7). Each message is
// deleted only from the channel it was actually posted to.
func (o *Orchestrator) cleanup(byChannel map[string][]string) {
	total := 0
	for _, ids := range byChannel {
		total += len(ids)
	}
	if total == 0 {
		return
	}
	o.log.Warn("aborting upload, deleting %d posted message(s) across %d channel(s)", total, len(byChannel))
	ctx := context.Background()
	for ch, ids := range byChannel {
		if err := o.Pool.DeleteMessagesBulk(ctx, ch, ids); err != nil {
			o.log.Warn("cleanup: delete %d message(s) in channel %s failed: %v", len(ids), ch, err)
		}
	}
}

// totalDigits returns the highest part number in this batch. Source length
// is not known until EOF (spec.md §4.5 edge cases), so attachment names use
// a per-batch width rather than waiting on the final total_parts.
func totalDigits(batch []chunkJob) int {
	highest := 0
	for _, b := range batch {
		if b.partNumber > highest {
			highest = b.partNumber
		}
	}
	return highest
}

func attachmentName(original string, partNum, widthSource int) string {
	width := len(fmt.Sprintf("%d", widthSource))
	if width < 3 {
		width = 3
	}
	return fmt.Sprintf("%s.part%0*dof%0*d", original, width, partNum, width, widthSource)
}
