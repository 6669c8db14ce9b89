// Package server exposes the HTTP surface over C5/C8/C9/C3/C10. Grounded on
// the teacher's server.go (gorilla/mux router, same route shapes), rebuilt
// to drive the chunked pipeline instead of a single unencrypted passthrough.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"discordvault/internal/botpool"
	"discordvault/internal/config"
	"discordvault/internal/download"
	"discordvault/internal/healthcheck"
	"discordvault/internal/index"
	"discordvault/internal/logging"
	"discordvault/internal/rangestream"
	"discordvault/internal/upload"
	"discordvault/internal/vaulterrors"
)

type Server struct {
	Config      *config.Config
	Index       *index.Index
	Pool        *botpool.Pool
	Upload      *upload.Orchestrator
	Download    *download.Assembler
	Range       *rangestream.Streamer
	Healthcheck *healthcheck.Engine

	log *logging.Logger
}

func New(cfg *config.Config, idx *index.Index, pool *botpool.Pool, up *upload.Orchestrator, dl *download.Assembler, rs *rangestream.Streamer, hc *healthcheck.Engine) *Server {
	return &Server{
		Config:      cfg,
		Index:       idx,
		Pool:        pool,
		Upload:      up,
		Download:    dl,
		Range:       rs,
		Healthcheck: hc,
		log:         logging.New(logging.TagServer),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/files", s.handleListFiles).Methods(http.MethodGet)
	r.HandleFunc("/api/download/{id}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/delete/{id}", s.handleDelete).Methods(http.MethodPost)
	r.HandleFunc("/api/healthcheck/{id}", s.handleHealthcheck).Methods(http.MethodGet)
	r.HandleFunc("/api/share/{id}", s.handleCreateShare).Methods(http.MethodPost)
	r.HandleFunc("/api/share/{token}", s.handleShareDownload).Methods(http.MethodGet)
	return r
}

func (s *Server) Start() error {
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         s.Config.HTTPAddr,
		WriteTimeout: 0,
		ReadTimeout:  0,
	}
	s.log.Printf("listening on %s", s.Config.HTTPAddr)
	return srv.ListenAndServe()
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	var folderID, userID *int64
	if v := r.URL.Query().Get("folder_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			folderID = &n
		}
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			userID = &n
		}
	}

	files, err := s.Index.ListFiles(folderID, userID)
	if err != nil {
		s.log.Err("list files: %v", err)
		http.Error(w, "index error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(files)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "stream initialization failed", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "malformed multipart stream", http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" {
			continue
		}

		opts := upload.Options{
			Filename: part.FileName(),
			MimeType: part.Header.Get("Content-Type"),
			Encrypt:  s.Config.Encrypt,
		}

		result, err := s.Upload.Upload(r.Context(), part, opts)
		if err != nil {
			s.log.Err("upload %s: %v", opts.Filename, err)
			http.Error(w, "upload failed: "+err.Error(), statusFor(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
		return
	}

	http.Error(w, "no file part found", http.StatusBadRequest)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := fileIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}

	f, err := s.Index.GetFileByID(id)
	if err != nil {
		http.Error(w, "file not found", statusFor(err))
		return
	}

	key := r.URL.Query().Get("key")

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err := parseByteRange(rangeHeader, f.Size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", f.Size))
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}

		rc, err := s.Range.Stream(r.Context(), id, start, end, rangestream.Options{EncryptionKey: key})
		if err != nil {
			s.log.Err("range stream file %d: %v", id, err)
			http.Error(w, "range stream failed: "+err.Error(), statusFor(err))
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, f.OriginalName))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, f.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.Copy(w, rc)
		return
	}

	rc, err := s.Download.DownloadStream(r.Context(), id, download.Options{EncryptionKey: key})
	if err != nil {
		s.log.Err("download file %d: %v", id, err)
		http.Error(w, "download failed: "+err.Error(), statusFor(err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, f.OriginalName))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := fileIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}

	f, err := s.Index.GetFileByID(id)
	if err != nil {
		http.Error(w, "file not found", statusFor(err))
		return
	}

	byChannel := make(map[string]map[string]bool)
	for _, p := range f.Parts {
		if byChannel[p.ChannelID] == nil {
			byChannel[p.ChannelID] = make(map[string]bool)
		}
		byChannel[p.ChannelID][p.MessageID] = true
	}

	ctx := r.Context()
	for channelID, ids := range byChannel {
		msgIDs := make([]string, 0, len(ids))
		for id := range ids {
			msgIDs = append(msgIDs, id)
		}
		if err := s.Pool.DeleteMessagesBulk(ctx, channelID, msgIDs); err != nil {
			s.log.Warn("delete: channel %s bulk delete failed, continuing: %v", channelID, err)
		}
	}

	if err := s.Index.DeleteFile(id); err != nil {
		s.log.Err("delete file %d: %v", id, err)
		http.Error(w, "index delete failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleCreateShare mints a share token for a file. This is the minimum
// write the storage read path needs (spec.md §3); renaming, revoking, or
// listing shares stays out of scope.
func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	id, err := fileIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}
	if _, err := s.Index.GetFileByID(id); err != nil {
		http.Error(w, "file not found", statusFor(err))
		return
	}

	var body struct {
		ExpiresInSeconds int64 `json:"expires_in_seconds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var expiresAt *time.Time
	if body.ExpiresInSeconds > 0 {
		t := time.Now().Add(time.Duration(body.ExpiresInSeconds) * time.Second)
		expiresAt = &t
	}

	token, err := s.Index.CreateShare(id, expiresAt)
	if err != nil {
		s.log.Err("create share for file %d: %v", id, err)
		http.Error(w, "share creation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// handleShareDownload resolves a share token and streams the file exactly
// like handleDownload, minus Range support (share links are a simple
// whole-file read path).
func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	f, err := s.Index.GetFileByShareToken(token)
	if err != nil {
		http.Error(w, "share not found or expired", statusFor(err))
		return
	}

	key := r.URL.Query().Get("key")
	rc, err := s.Download.DownloadStream(r.Context(), f.ID, download.Options{EncryptionKey: key})
	if err != nil {
		s.log.Err("share download file %d: %v", f.ID, err)
		http.Error(w, "download failed: "+err.Error(), statusFor(err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, f.OriginalName))
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	id, err := fileIDFromPath(r)
	if err != nil {
		http.Error(w, "invalid file id", http.StatusBadRequest)
		return
	}

	f, err := s.Index.GetFileByID(id)
	if err != nil {
		http.Error(w, "file not found", statusFor(err))
		return
	}

	report, err := s.Healthcheck.Run(r.Context(), f.Parts, nil)
	if err != nil {
		s.log.Err("healthcheck file %d: %v", id, err)
		http.Error(w, "healthcheck failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

func fileIDFromPath(r *http.Request) (int64, error) {
	vars := mux.Vars(r)
	return strconv.ParseInt(vars["id"], 10, 64)
}

// parseByteRange accepts a single-range "bytes=a-b" header, per spec.md §6
// ("multi-range is not supported").
func parseByteRange(header string, size int64) (int64, int64, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, fmt.Errorf("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multi-range not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed range")
	}

	var start, end int64
	if parts[0] == "" {
		// suffix range: "bytes=-N" means the last N bytes.
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed suffix range")
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	} else {
		s, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range start")
		}
		start = s
		if parts[1] == "" {
			end = size - 1
		} else {
			e, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("malformed range end")
			}
			end = e
		}
	}

	if start < 0 || end < start || end >= size {
		return 0, 0, fmt.Errorf("range outside [0,%d]", size-1)
	}
	return start, end, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, vaulterrors.SourceDataMissing):
		return http.StatusNotFound
	case errors.Is(err, vaulterrors.MissingKey), errors.Is(err, vaulterrors.AuthenticationFailure), errors.Is(err, vaulterrors.ConfigInvalid):
		return http.StatusBadRequest
	case errors.Is(err, vaulterrors.RangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, vaulterrors.BackendUnavailable), errors.Is(err, vaulterrors.TransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
