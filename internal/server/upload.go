package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"securebox/internal/ledger"
	"securebox/internal/service"
)

// uploadResp is the JSON response returned after a successful upload. The
// token is shown exactly once; it is not recoverable afterwards.
type uploadResp struct {
	FileID    string    `json:"file_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleUpload accepts a multipart POST and streams the payload through
// encryption into blob storage.
//
// Form fields, in order:
//
//	ttl            optional lifetime, Go duration ("48h") or integer seconds
//	recipient_key  optional PEM RSA public key; locks the file to its holder
//	password       optional passphrase; locks the file to whoever knows it
//	file           the payload; must come after the metadata fields
//
// recipient_key and password are mutually exclusive.
//
// The file part is consumed as a stream, so the whole payload is never
// buffered in memory.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	req := service.UploadRequest{}
	var filePart io.Reader

	for filePart == nil {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if isBodyTooLarge(err) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "ttl":
			raw, err := readSmallField(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad ttl field")
				return
			}
			ttl, err := parseTTL(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unparseable ttl")
				return
			}
			req.TTL = ttl
		case "recipient_key":
			raw, err := readSmallField(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad recipient_key field")
				return
			}
			pub, err := parsePublicKey([]byte(raw))
			if err != nil {
				writeError(w, http.StatusBadRequest, "recipient_key is not a valid RSA public key")
				return
			}
			req.RecipientKey = pub
		case "password":
			raw, err := readSmallField(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad password field")
				return
			}
			req.Password = raw
		case "file":
			req.Filename = part.FileName()
			req.ContentType = part.Header.Get("Content-Type")
			filePart = part
		default:
			_ = part.Close()
		}
	}

	if filePart == nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	if req.Password != "" && req.RecipientKey != nil {
		writeError(w, http.StatusBadRequest, "recipient_key and password are mutually exclusive")
		return
	}
	if req.Filename == "" {
		req.Filename = "upload.bin"
	}

	req.Body = filePart

	res, err := s.svc.Upload(r.Context(), req)
	if err != nil {
		rid := RequestIDFromContext(r.Context())
		switch {
		case isBodyTooLarge(err):
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		case errors.Is(err, ledger.ErrInvalidTTL):
			writeError(w, http.StatusBadRequest, "invalid ttl")
		case errors.Is(err, service.ErrConflictingProtection):
			writeError(w, http.StatusBadRequest, "recipient_key and password are mutually exclusive")
		default:
			s.log.Error().Err(err).Str("rid", rid).Msg("upload failed")
			writeError(w, http.StatusBadGateway, "upload failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, uploadResp(res))
}

// readSmallField reads a metadata form part with a tight cap; none of the
// recognised fields are legitimately large.
func readSmallField(part io.ReadCloser) (string, error) {
	defer func() { _ = part.Close() }()
	b, err := io.ReadAll(io.LimitReader(part, 16<<10))
	return string(b), err
}

// parseTTL accepts a Go duration string or a plain integer of seconds.
func parseTTL(raw string) (time.Duration, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// parsePublicKey decodes a PEM RSA public key in PKIX or PKCS#1 form.
func parsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type %T", key)
		}
		return pub, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}
