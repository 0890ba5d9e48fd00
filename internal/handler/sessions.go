package handler

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/midterm-sh/midterm/internal/core"
)

// SessionService is the slice of the session manager the REST surface
// uses.
type SessionService interface {
	Create(ctx context.Context, params core.CreateParams) (core.SessionInfo, error)
	List() []core.SessionInfo
	Delete(ctx context.Context, id string) error
	Resize(id string, cols, rows int) error
	Rename(id, name string) error
	SnapshotBuffer(id string) (data []byte, headSeq uint64, cols, rows int, err error)
}

// SettingsService reads and replaces the settings record.
type SettingsService interface {
	Current() core.Settings
	Update(core.Settings) error
}

// Sessions is the REST handler set.
type Sessions struct {
	svc      SessionService
	settings SettingsService // nil disables the settings endpoints
}

// NewSessions builds the handler set; settings may be nil.
func NewSessions(svc SessionService, settings SettingsService) *Sessions {
	return &Sessions{svc: svc, settings: settings}
}

// Mount registers all routes on mux.
func (h *Sessions) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("GET /api/sessions", h.list)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.delete)
	mux.HandleFunc("POST /api/sessions/{id}/resize", h.resize)
	mux.HandleFunc("PUT /api/sessions/{id}/name", h.rename)
	mux.HandleFunc("GET /api/sessions/{id}/buffer", h.buffer)
	if h.settings != nil {
		mux.HandleFunc("GET /api/settings", h.getSettings)
		mux.HandleFunc("PUT /api/settings", h.putSettings)
	}
}

type sessionDTO struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	TerminalTitle    string    `json:"terminalTitle"`
	ShellType        string    `json:"shellType"`
	Cols             int       `json:"cols"`
	Rows             int       `json:"rows"`
	PID              int       `json:"pid"`
	IsRunning        bool      `json:"isRunning"`
	ExitCode         *int      `json:"exitCode"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

func toDTO(info core.SessionInfo) sessionDTO {
	return sessionDTO{
		ID:               info.ID,
		Name:             info.UserName,
		TerminalTitle:    info.TerminalTitle,
		ShellType:        string(info.ShellKind),
		Cols:             info.Cols,
		Rows:             info.Rows,
		PID:              info.PID,
		IsRunning:        info.Running,
		ExitCode:         info.ExitCode,
		WorkingDirectory: info.WorkingDirectory,
		CreatedAt:        info.CreatedAt,
	}
}

type createRequest struct {
	Shell            *string `json:"shell"`
	Cols             *int    `json:"cols"`
	Rows             *int    `json:"rows"`
	WorkingDirectory *string `json:"workingDirectory"`
	RunAsUser        *string `json:"runAsUser"`
}

func (h *Sessions) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, &core.ErrInvalidArgument{Field: "body", Message: err.Error()})
			return
		}
	}

	defaults := h.createDefaults()
	params := core.CreateParams{
		Shell:            deref(req.Shell, defaults.Shell),
		Cols:             deref(req.Cols, defaults.Cols),
		Rows:             deref(req.Rows, defaults.Rows),
		WorkingDirectory: deref(req.WorkingDirectory, defaults.WorkingDirectory),
		RunAsUser:        deref(req.RunAsUser, defaults.RunAsUser),
	}
	params.ShellKind = shellKind(params.Shell)

	info, err := h.svc.Create(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(info))
}

// createDefaults seeds missing create parameters from the settings
// record.
func (h *Sessions) createDefaults() core.CreateParams {
	params := core.CreateParams{Cols: 120, Rows: 30}
	if h.settings == nil {
		return params
	}
	s := h.settings.Current()
	if s.DefaultCols > 0 {
		params.Cols = s.DefaultCols
	}
	if s.DefaultRows > 0 {
		params.Rows = s.DefaultRows
	}
	params.Shell = s.DefaultShell
	params.WorkingDirectory = s.WorkingDirectory
	params.RunAsUser = s.RunAsUser
	return params
}

// shellKind classifies a shell path or name for display.
func shellKind(shell string) core.ShellKind {
	base := strings.ToLower(path.Base(shell))
	base = strings.TrimSuffix(base, ".exe")
	switch base {
	case "pwsh":
		return core.ShellPwsh
	case "powershell":
		return core.ShellPowershell
	case "cmd":
		return core.ShellCmd
	case "bash":
		return core.ShellBash
	case "zsh":
		return core.ShellZsh
	case "fish":
		return core.ShellFish
	default:
		return core.ShellSh
	}
}

func (h *Sessions) list(w http.ResponseWriter, r *http.Request) {
	infos := h.svc.List()
	dtos := make([]sessionDTO, 0, len(infos))
	for _, info := range infos {
		dtos = append(dtos, toDTO(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": dtos})
}

func (h *Sessions) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type resizeResponse struct {
	Accepted bool `json:"accepted"`
	Cols     int  `json:"cols"`
	Rows     int  `json:"rows"`
}

func (h *Sessions) resize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, &core.ErrInvalidArgument{Field: "body", Message: err.Error()})
		return
	}
	if err := h.svc.Resize(r.PathValue("id"), req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resizeResponse{Accepted: true, Cols: req.Cols, Rows: req.Rows})
}

type renameRequest struct {
	Name string `json:"name"`
}

func (h *Sessions) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, &core.ErrInvalidArgument{Field: "body", Message: err.Error()})
		return
	}
	if err := h.svc.Rename(r.PathValue("id"), req.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// buffer serves the raw scrollback. Sequence and dimensions travel as
// headers so the body stays byte-exact terminal output.
func (h *Sessions) buffer(w http.ResponseWriter, r *http.Request) {
	data, head, cols, rows, err := h.svc.SnapshotBuffer(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Midterm-Head-Seq", strconv.FormatUint(head, 10))
	w.Header().Set("X-Midterm-Cols", strconv.Itoa(cols))
	w.Header().Set("X-Midterm-Rows", strconv.Itoa(rows))
	_, _ = w.Write(data)
}

func (h *Sessions) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.Current())
}

func (h *Sessions) putSettings(w http.ResponseWriter, r *http.Request) {
	next := h.settings.Current()
	if err := decodeJSON(r, &next); err != nil {
		writeError(w, &core.ErrInvalidArgument{Field: "body", Message: err.Error()})
		return
	}
	if err := h.settings.Update(next); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}
