package server

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"securebox/internal/crypt"
	"securebox/internal/keys"
	"securebox/internal/ledger"
	"securebox/internal/service"
)

// handleDownload redeems a token and streams the decrypted payload. Each
// token works at most once; later attempts get 410.
//
// Files locked to a recipient need the matching RSA private key, sent as a
// PEM "private_key" form field on POST; password-protected files need the
// passphrase as a "password" field. Master-wrapped files need nothing
// beyond the token, so a plain GET works.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}

	creds, err := credentialsFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "private_key is not a valid RSA private key")
		return
	}

	d, err := s.svc.Redeem(r.Context(), token, creds)
	if err != nil {
		s.writeRedeemError(w, r, err)
		return
	}
	defer func() { _ = d.Body.Close() }()

	w.Header().Set("Content-Type", contentTypeOrDefault(d.ContentType))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, d.Body); err != nil {
		// Headers are gone; all we can do is cut the stream and log.
		s.log.Error().Err(err).
			Str("rid", RequestIDFromContext(r.Context())).
			Msg("download stream interrupted")
	}
}

// writeRedeemError maps service errors to status codes. Terminal tokens
// are 410 Gone in both flavours so a caller cannot distinguish "someone
// downloaded this" from "it timed out" by status alone; the body says which.
func (s *Server) writeRedeemError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrAlreadyConsumed):
		writeError(w, http.StatusGone, "file already downloaded")
	case errors.Is(err, ledger.ErrExpired):
		writeError(w, http.StatusGone, "file expired")
	case errors.Is(err, keys.ErrKeyUnwrap):
		writeError(w, http.StatusUnauthorized, "missing or wrong credentials")
	case errors.Is(err, crypt.ErrCorruptData):
		s.log.Error().Err(err).
			Str("rid", RequestIDFromContext(r.Context())).
			Msg("stored ciphertext failed verification")
		writeError(w, http.StatusInternalServerError, "stored file failed integrity check")
	default:
		s.log.Error().Err(err).
			Str("rid", RequestIDFromContext(r.Context())).
			Msg("download failed")
		writeError(w, http.StatusBadGateway, "download failed")
	}
}

// credentialsFrom pulls the optional private key or password out of a POST
// body.
func credentialsFrom(r *http.Request) (service.Credentials, error) {
	if r.Method != http.MethodPost {
		return service.Credentials{}, nil
	}
	if err := r.ParseMultipartForm(64 << 10); err != nil {
		if err := r.ParseForm(); err != nil {
			return service.Credentials{}, err
		}
	}
	creds := service.Credentials{Password: r.FormValue("password")}
	raw := r.FormValue("private_key")
	if raw == "" {
		return creds, nil
	}
	key, err := parsePrivateKey([]byte(raw))
	if err != nil {
		return service.Credentials{}, err
	}
	creds.PrivateKey = key
	return creds, nil
}

// parsePrivateKey decodes a PEM RSA private key in PKCS#8 or PKCS#1 form.
func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return priv, nil
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
