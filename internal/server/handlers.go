package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/runbox/internal/artifact"
	"github.com/michaelbrown/runbox/internal/log"
	"github.com/michaelbrown/runbox/internal/runner"
	"github.com/michaelbrown/runbox/internal/storage"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

// --- JSON helpers ---

type errorBody struct {
	Error  string      `json:"error"`
	Kind   runner.Kind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind runner.Kind, detail string) {
	writeJSON(w, status, errorBody{Error: kind.Message(), Kind: kind, Detail: detail})
}

// writeRunError answers with the status that matches the failure kind.
func writeRunError(w http.ResponseWriter, err error) {
	kind := runner.KindOf(err)
	detail := err.Error()
	var re *runner.Error
	if errors.As(err, &re) {
		detail = re.Detail
	}
	writeError(w, statusFor(kind), kind, detail)
}

func statusFor(kind runner.Kind) int {
	switch kind {
	case runner.KindUnauthorized:
		return http.StatusUnauthorized
	case runner.KindInvalidRequest, runner.KindNoEntrypoint:
		return http.StatusBadRequest
	case runner.KindNotFound:
		return http.StatusNotFound
	case runner.KindPublishFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// --- Run handlers ---

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, runner.KindInvalidRequest, "upload exceeds the size limit")
			return
		}
		writeError(w, http.StatusBadRequest, runner.KindInvalidRequest, "No file part")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, runner.KindInvalidRequest, "No file part")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, runner.KindInvalidRequest, "reading upload: "+err.Error())
		return
	}
	if data == nil {
		data = []byte{}
	}

	res, err := s.exec.Run(r.Context(), runner.Request{
		Filename: header.Filename,
		Data:     data,
		Entry:    r.FormValue("entry"),
	})
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, runner.KindNotFound, "run history is disabled")
		return
	}
	opts := storage.RunListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.RunStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	runs, err := s.history.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, runner.KindUnexpectedInternal, err.Error())
		return
	}

	if runs == nil {
		runs = []storage.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// lookupRun writes the error response itself and returns nil when the run
// cannot be served.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) *storage.Run {
	if s.history == nil {
		writeError(w, http.StatusNotFound, runner.KindNotFound, "run history is disabled")
		return nil
	}
	run, err := s.history.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, runner.KindNotFound, "run not found")
		} else {
			writeError(w, http.StatusInternalServerError, runner.KindUnexpectedInternal, err.Error())
		}
		return nil
	}
	return run
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if run := s.lookupRun(w, r); run != nil {
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleRunOutput(w http.ResponseWriter, r *http.Request) {
	run := s.lookupRun(w, r)
	if run == nil {
		return
	}
	if s.artifacts == nil || run.OutputURL == "" {
		writeError(w, http.StatusNotFound, runner.KindNotFound, "run has no published output")
		return
	}

	data, contentType, err := s.artifacts.Get(r.Context(), artifact.OutputKey(run.ID))
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			writeError(w, http.StatusNotFound, runner.KindNotFound, "output artifact not found")
		} else {
			writeError(w, http.StatusBadGateway, runner.KindPublishFailed, err.Error())
		}
		return
	}
	if contentType == "" {
		contentType = artifact.ContentTypeText
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Debugf("writing output of %s: %v", run.ID, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
