package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"

	"github.com/trunov/secondhand/internal/entities"
)

func writeMultipartError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSONError(w, "request body exceeds maximum allowed size", entities.KindValidation, http.StatusRequestEntityTooLarge)
		return
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "too large"):
		writeJSONError(w, "request body exceeds maximum allowed size", entities.KindValidation, http.StatusRequestEntityTooLarge)

	case strings.Contains(msg, "content-type isn't multipart/form-data"):
		writeJSONError(w, "invalid content type, expected multipart/form-data", entities.KindValidation, http.StatusBadRequest)

	default:
		writeJSONError(w, "malformed multipart body: "+err.Error(), entities.KindValidation, http.StatusBadRequest)
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			field := strings.ToLower(e.Field())
			switch e.Tag() {
			case "required":
				errs[field] = "is required"
			case "max":
				errs[field] = "exceeds maximum length"
			default:
				errs[field] = "invalid value"
			}
		}
	} else {
		errs["error"] = err.Error()
	}
	return errs
}

func statusFor(kind entities.ErrorKind) int {
	switch kind {
	case entities.KindValidation, entities.KindTooManyPhotos:
		return http.StatusBadRequest
	case entities.KindUnsupportedMedia:
		return http.StatusUnsupportedMediaType
	case entities.KindDecode, entities.KindTimeout:
		return http.StatusUnprocessableEntity
	case entities.KindNotFound:
		return http.StatusNotFound
	case entities.KindUnauthorized:
		return http.StatusUnauthorized
	case entities.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and a client-facing body. Server-side
// failures are reported to Sentry with the underlying cause.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := entities.KindOf(err)
	code := statusFor(kind)

	if code >= http.StatusInternalServerError {
		hub := sentry.GetHubFromContext(r.Context())
		if hub == nil {
			hub = sentry.CurrentHub()
		}
		hub.CaptureException(err)
	}

	writeJSONError(w, entities.MessageOf(err), kind, code)
}

func writeJSONError(w http.ResponseWriter, message string, kind entities.ErrorKind, code int) {
	writeJSON(w, code, APIError{Error: message, Kind: string(kind)})
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Error:  "invalid request",
		Kind:   string(entities.KindValidation),
		Fields: validationErrorsToMap(err),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(body)
}

// AVIF passes the sniffing stage so the decoder reports it with a
// decode_failed kind instead of a generic media error.
var allowedMIMEs = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/webp": {},
	"image/gif":  {},
	"image/bmp":  {},
	"image/tiff": {},
	"image/heic": {},
	"image/heif": {},
	"image/avif": {},
}

func validateMimeType(mimeType string) error {
	if _, ok := allowedMIMEs[mimeType]; !ok {
		return fmt.Errorf("requested file upload with invalid type: %s", mimeType)
	}
	return nil
}

// sniffParts checks the content type of every uploaded part by its bytes,
// not by the client-supplied header.
func sniffParts(files []*multipart.FileHeader) error {
	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return entities.NewError(entities.KindStaging, fmt.Sprintf("photo %d (%s): cannot read upload", i+1, fh.Filename), err)
		}
		mime, err := mimetype.DetectReader(f)
		f.Close()
		if err != nil {
			return entities.NewError(entities.KindStaging, fmt.Sprintf("photo %d (%s): cannot read upload", i+1, fh.Filename), err)
		}

		if err := validateMimeType(mime.String()); err != nil {
			return entities.NewError(entities.KindUnsupportedMedia,
				fmt.Sprintf("photo %d (%s): unsupported file type %s", i+1, fh.Filename, mime.String()), err)
		}
	}
	return nil
}
