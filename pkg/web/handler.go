// Package web serves the case form. Every POST applies one state transition and
// redirects back to the page, which is rendered from the session state alone.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/muainishi/platform/pkg/casework"
	"github.com/muainishi/platform/pkg/common/logger"
	"github.com/muainishi/platform/pkg/common/models"
	"github.com/muainishi/platform/pkg/ingestion"
	"github.com/muainishi/platform/pkg/observability/metrics"
	"github.com/muainishi/platform/pkg/session"
)

const (
	CookieName = "muainishi_session"

	multipartMemory = 32 << 20
)

// ReadyFunc reports whether the service's dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

type Handler struct {
	cases        *casework.Service
	sessions     *session.Manager
	pages        *pages
	maxUpload    int64
	cookieSecure bool
	ready        ReadyFunc
	now          func() time.Time
}

func NewHandler(cases *casework.Service, sessions *session.Manager, maxUpload int64, cookieSecure bool, ready ReadyFunc) (*Handler, error) {
	p, err := loadPages()
	if err != nil {
		return nil, err
	}
	return &Handler{
		cases:        cases,
		sessions:     sessions,
		pages:        p,
		maxUpload:    maxUpload,
		cookieSecure: cookieSecure,
		ready:        ready,
		now:          time.Now,
	}, nil
}

func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/", h.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/case", h.handleFields).Methods(http.MethodPost)
	router.HandleFunc("/files/{slot}", h.handleUpload).Methods(http.MethodPost)
	router.HandleFunc("/files/{slot}/clear", h.handleClearFile).Methods(http.MethodPost)
	router.HandleFunc("/demographics/status", h.handleDemographicsStatus).Methods(http.MethodGet)
	router.HandleFunc("/classify", h.handleClassify).Methods(http.MethodPost)
	router.HandleFunc("/grounded-info", h.handleGroundedInfo).Methods(http.MethodPost)
	router.HandleFunc("/reset", h.handleReset).Methods(http.MethodPost)

	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
}

// sessionID returns the visitor's session id, issuing a new cookie when absent or malformed.
func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil {
		if _, perr := uuid.Parse(c.Value); perr == nil {
			return c.Value
		}
	}
	id := uuid.New().String()
	h.setCookie(w, id, 0)
	return id
}

func (h *Handler) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)
	state, err := h.cases.State(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load session")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.pages.renderIndex(w, newPageView(state, h.now())); err != nil {
		logger.Log.WithError(err).Error("failed to render page")
	}
}

func (h *Handler) handleFields(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)
	if !h.parseForm(w, r) {
		return
	}
	state, err := h.cases.UpdateFields(r.Context(), id, fieldsFromForm(r))
	h.finish(w, r, state, err, "/")
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)
	slot, ok := ingestion.ParseSlot(mux.Vars(r)["slot"])
	if !ok {
		http.Error(w, "unknown upload slot", http.StatusNotFound)
		return
	}
	if !h.parseForm(w, r) {
		return
	}
	h.applyFields(r, id)

	file, header, err := r.FormFile("file_" + string(slot))
	if errors.Is(err, http.ErrMissingFile) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if err != nil {
		logger.Log.WithError(err).Warn("invalid upload")
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		logger.Log.WithError(err).Warn("failed to read upload")
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}

	state, err := h.cases.AttachFile(r.Context(), id, slot, header.Filename, header.Header.Get("Content-Type"), data)
	h.finish(w, r, state, err, "/")
}

func (h *Handler) handleClearFile(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)
	slot, ok := ingestion.ParseSlot(mux.Vars(r)["slot"])
	if !ok {
		http.Error(w, "unknown upload slot", http.StatusNotFound)
		return
	}
	if !h.parseForm(w, r) {
		return
	}
	h.applyFields(r, id)

	state, err := h.cases.ClearFile(r.Context(), id, slot)
	h.finish(w, r, state, err, "/")
}

type demographicsStatus struct {
	Parsing      bool                `json:"parsing"`
	Progress     *int                `json:"progress"`
	Loaded       bool                `json:"loaded"`
	Locked       bool                `json:"locked"`
	Error        string              `json:"error,omitempty"`
	Demographics models.Demographics `json:"demographics"`
}

func (h *Handler) handleDemographicsStatus(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)
	state, err := h.cases.State(r.Context(), id)
	if err != nil {
		logger.Log.WithError(err).Error("failed to load session")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := demographicsStatus{
		Parsing:      state.DemographicsParsing,
		Loaded:       state.DemographicsLoaded,
		Locked:       state.DemographicsLocked(),
		Error:        state.Error,
		Demographics: state.Demographics,
	}
	if pct := state.Progress(h.now()); pct >= 0 {
		status.Progress = &pct
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)
	if !h.parseForm(w, r) {
		return
	}
	h.applyFields(r, id)

	state, err := h.cases.Classify(r.Context(), id)
	h.finish(w, r, state, err, "/#results")
}

func (h *Handler) handleGroundedInfo(w http.ResponseWriter, r *http.Request) {
	id := h.sessionID(w, r)
	state, err := h.cases.FetchGroundedInfo(r.Context(), id)
	h.finish(w, r, state, err, "/#grounded")
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(CookieName); err == nil {
		if err := h.cases.Reset(r.Context(), c.Value); err != nil {
			logger.Log.WithError(err).Warn("failed to delete session")
		}
	}
	h.setCookie(w, "", -1)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logger.Log.WithError(err).Warn("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
			return
		}
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if n, ok := h.sessions.Len(); ok {
		metrics.SetActiveSessions(n)
	}
	metrics.WritePrometheus(w)
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return false
		}
		logger.Log.WithError(err).Warn("invalid form submission")
		http.Error(w, "invalid form", http.StatusBadRequest)
		return false
	}
	return true
}

// applyFields saves the text inputs submitted alongside another action so typing is
// never lost. Refusals are expected while a classification runs.
func (h *Handler) applyFields(r *http.Request, id string) {
	if r.PostForm.Get("form") != "case" {
		return
	}
	if _, err := h.cases.UpdateFields(r.Context(), id, fieldsFromForm(r)); err != nil && !errors.Is(err, casework.ErrBusy) {
		logger.Log.WithError(err).Warn("failed to save form fields")
	}
}

func fieldsFromForm(r *http.Request) casework.Fields {
	return casework.Fields{
		ClinicalNotes:  r.PostForm.Get("clinical_notes"),
		MedicalHistory: r.PostForm.Get("medical_history"),
		FamilyHistory:  r.PostForm.Get("family_history"),
		Demographics: models.Demographics{
			Age:           r.PostForm.Get("age"),
			Sex:           r.PostForm.Get("sex"),
			BMI:           r.PostForm.Get("bmi"),
			BloodPressure: r.PostForm.Get("blood_pressure"),
		},
	}
}

// finish redirects after a transition. Refusals and handled failures are already on
// the page; only an unreadable session is a server error.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, state *session.State, err error, target string) {
	if err != nil && state == nil && !errors.Is(err, casework.ErrBusy) && !errors.Is(err, casework.ErrNoResult) {
		logger.Log.WithError(err).Error("failed to apply case transition")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
