package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"quickpaste/cfg"
	"quickpaste/pkg/domain"
	"quickpaste/svc/ident"
	"quickpaste/svc/svc"
	"quickpaste/svc/util"
)

const (
	// Content is capped in runes; four bytes per rune plus room for file declarations.
	maxRequestSize = 4*domain.MaxContentLength + 256*1024
	maxIDLength    = 64
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}
type CreateReq struct {
	Content    string            `json:"content"`
	Files      []domain.FileDecl `json:"files,omitempty"`
	TTLSeconds *int64            `json:"ttlSeconds,omitempty"`
}
type CreateResp struct {
	ID                  string               `json:"id"`
	FileUploadPresigned []domain.UploadGrant `json:"fileUploadPresigned"`
}
type GetResp struct {
	ID            string              `json:"id"`
	Content       string              `json:"content"`
	TTL           *int64              `json:"ttl,omitempty"`
	UploadedFiles []domain.Attachment `json:"uploadedFiles"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}
	if r.ContentLength > maxRequestSize {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			log.Warn().Int64("limit", tooLarge.Limit).Msg("request body too large")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		case err == io.EOF:
			log.Warn().Msg("empty request body")
		default:
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	res, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:    req.Content,
		Files:      req.Files,
		TTLSeconds: req.TTLSeconds,
	})
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			log.Warn().Err(err).Str("request_id", requestID).Msg("create rejected")
		} else {
			log.Error().Err(err).Str("request_id", requestID).Msg("failed to create paste")
		}
		writeErr(w, err, requestID)
		return
	}
	ev := log.Info().
		Str("paste_id", res.ID).
		Int("files", len(res.UploadGrants))
	if res.ExpiresAt != nil {
		ev = ev.Int64("expires_at", *res.ExpiresAt)
	}
	ev.Msg("paste created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:                  res.ID,
		FileUploadPresigned: res.UploadGrants,
	})
}
func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	if !validID(id) {
		writeErr(w, domain.ErrPasteNotFound, requestID)
		return
	}
	rec, err := h.paste.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			log.Debug().Str("paste_id", id).Msg("paste not found")
		} else {
			log.Error().Err(err).Str("paste_id", id).Msg("get failed")
		}
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(GetResp{
		ID:            rec.ID,
		Content:       rec.Content,
		TTL:           rec.ExpiresAt,
		UploadedFiles: nonNil(rec.Attachments),
	})
}

// validID rejects ids that could never have been allocated.
func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune(ident.Alphabet, c) {
			return false
		}
	}
	return true
}

func nonNil(a []domain.Attachment) []domain.Attachment {
	if a == nil {
		return []domain.Attachment{}
	}
	return a
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":      "validation failed",
			"fields":     ve.Fields,
			"request_id": requestID,
		})
		return
	}
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
