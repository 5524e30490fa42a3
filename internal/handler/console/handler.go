package console

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"

	sessions "github.com/jwalitptl/patient-console/internal/console"
	"github.com/jwalitptl/patient-console/internal/directory"
	"github.com/jwalitptl/patient-console/internal/middleware"
	"github.com/jwalitptl/patient-console/internal/patientapi"
	"github.com/jwalitptl/patient-console/internal/patientform"
	"github.com/jwalitptl/patient-console/pkg/httputil"
)

const contextSession = "console_session"

var errNoSession = errors.New("console session not found or expired")

// Catalogs is the part of the patient service the enum endpoints read.
type Catalogs interface {
	ListIdentifierTypes(ctx context.Context) ([]patientapi.IdentifierType, error)
	ListGenders(ctx context.Context) ([]patientapi.IdentifierType, error)
}

type Config struct {
	CookieName   string
	SecureCookie bool
	CookieMaxAge time.Duration
	// EnumTTL is how long catalog responses are reused.
	EnumTTL time.Duration
	// Heartbeat is the keep-alive interval of the event stream.
	Heartbeat time.Duration
}

type Handler struct {
	sessions *sessions.Manager
	catalogs Catalogs
	cfg      Config
	enums    *gocache.Cache
}

func NewHandler(manager *sessions.Manager, catalogs Catalogs, cfg Config) *Handler {
	if cfg.CookieName == "" {
		cfg.CookieName = "console_session"
	}
	if cfg.EnumTTL <= 0 {
		cfg.EnumTTL = 5 * time.Minute
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	return &Handler{
		sessions: manager,
		catalogs: catalogs,
		cfg:      cfg,
		enums:    gocache.New(cfg.EnumTTL, 2*cfg.EnumTTL),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	console := r.Group("/console")
	{
		console.POST("/sessions", h.CreateSession)
		console.GET("/enums/identifier-type", h.ListIdentifierTypes)
		console.GET("/enums/gender", h.ListGenders)
	}

	scoped := console.Group("", h.requireSession())
	{
		scoped.DELETE("/sessions", h.EndSession)

		scoped.GET("/directory", h.GetDirectory)
		scoped.POST("/directory/search", h.Search)
		scoped.POST("/directory/next", h.NextPage)
		scoped.POST("/directory/previous", h.PreviousPage)
		scoped.POST("/directory/refresh", h.Refresh)
		scoped.DELETE("/directory/patients/:id", h.DeletePatient)

		scoped.POST("/form", h.OpenForm)
		scoped.GET("/form", h.GetForm)
		scoped.PATCH("/form", h.UpdateForm)
		scoped.POST("/form/save", h.SaveForm)
		scoped.DELETE("/form", h.CloseForm)
		scoped.POST("/form/identifiers/draft", h.ShowIdentifierDraft)
		scoped.DELETE("/form/identifiers/draft", h.CancelIdentifierDraft)
		scoped.POST("/form/identifiers", h.AddIdentifier)
		scoped.DELETE("/form/identifiers/:identifierId", h.RemoveIdentifier)

		scoped.GET("/toast", h.GetToast)
		scoped.DELETE("/toast", h.HideToast)
		scoped.GET("/events", h.Events)
	}
}

// requireSession resolves the session from the cookie, or from the
// X-Console-Session header for clients without cookies.
func (h *Handler) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(middleware.HeaderXConsoleSession)
		if id == "" {
			id, _ = c.Cookie(h.cfg.CookieName)
		}
		s, ok := h.sessions.Get(id)
		if id == "" || !ok {
			httputil.RespondWithError(c, http.StatusUnauthorized, errNoSession)
			return
		}
		c.Set(contextSession, s)
		c.Next()
	}
}

func session(c *gin.Context) *sessions.Session {
	return c.MustGet(contextSession).(*sessions.Session)
}

// statusFor maps controller errors onto HTTP statuses. AppErrors carry their
// own, reported as 0.
func statusFor(err error) int {
	switch {
	case errors.Is(err, patientform.ErrSaveInProgress),
		errors.Is(err, patientform.ErrAddInProgress),
		errors.Is(err, patientform.ErrNotReady),
		errors.Is(err, patientform.ErrClosed),
		errors.Is(err, patientform.ErrNotEditMode),
		errors.Is(err, directory.ErrNoPreviousPage),
		errors.Is(err, directory.ErrNoNextPage):
		return http.StatusConflict
	case errors.Is(err, patientform.ErrIdentifierIncomplete),
		errors.Is(err, directory.ErrInvalidMode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, directory.ErrNotConfirmed):
		return http.StatusPreconditionRequired
	default:
		return 0
	}
}

func respondErr(c *gin.Context, err error) {
	httputil.RespondWithError(c, statusFor(err), err)
}

// Sessions

func (h *Handler) CreateSession(c *gin.Context) {
	s := h.sessions.Create(c.Request.Context())

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(h.cfg.CookieName, s.ID, int(h.cfg.CookieMaxAge.Seconds()), "/", "", h.cfg.SecureCookie, true)
	c.Header(middleware.HeaderXConsoleSession, s.ID)
	httputil.RespondWithStatus(c, http.StatusCreated, s.Snapshot())
}

func (h *Handler) EndSession(c *gin.Context) {
	h.sessions.Delete(session(c).ID)
	c.SetCookie(h.cfg.CookieName, "", -1, "/", "", h.cfg.SecureCookie, true)
	c.Status(http.StatusNoContent)
}

// Directory

func (h *Handler) respondDirectory(c *gin.Context) {
	httputil.RespondWithSuccess(c, session(c).Snapshot().Directory)
}

func (h *Handler) GetDirectory(c *gin.Context) {
	h.respondDirectory(c)
}

type searchRequest struct {
	Mode directory.Mode `json:"mode"`
	Text string         `json:"text"`
}

func (h *Handler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, http.StatusBadRequest, err)
		return
	}

	d := session(c).Directory
	if req.Mode != "" {
		if err := d.SetMode(req.Mode); err != nil {
			respondErr(c, err)
			return
		}
	}
	d.SetSearchText(req.Text)
	if err := d.Search(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	h.respondDirectory(c)
}

func (h *Handler) NextPage(c *gin.Context) {
	if err := session(c).Directory.NextPage(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	h.respondDirectory(c)
}

func (h *Handler) PreviousPage(c *gin.Context) {
	if err := session(c).Directory.PreviousPage(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	h.respondDirectory(c)
}

func (h *Handler) Refresh(c *gin.Context) {
	if err := session(c).Directory.Refresh(c.Request.Context()); err != nil {
		respondErr(c, err)
		return
	}
	h.respondDirectory(c)
}

// DeletePatient deletes only with ?confirm=true. Otherwise it answers 428
// carrying the confirmation prompt.
func (h *Handler) DeletePatient(c *gin.Context) {
	confirmed, _ := strconv.ParseBool(c.Query("confirm"))
	confirm := directory.ConfirmFunc(func(string) bool { return confirmed })

	err := session(c).Directory.DeletePatient(c.Request.Context(), c.Param("id"), confirm)
	if errors.Is(err, directory.ErrNotConfirmed) {
		httputil.RespondWithError(c, http.StatusPreconditionRequired, errors.New(directory.DeletePrompt))
		return
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	h.respondDirectory(c)
}

// Form

type openFormRequest struct {
	PatientID string `json:"patientId"`
}

// identifierRow is an identifier with its catalog label resolved.
type identifierRow struct {
	patientapi.Identifier
	Label string `json:"label"`
}

type formResponse struct {
	patientform.View
	Identifiers []identifierRow `json:"identifiers"`
}

func newFormResponse(v patientform.View) formResponse {
	rows := make([]identifierRow, 0, len(v.Identifiers))
	for _, ident := range v.Identifiers {
		rows = append(rows, identifierRow{Identifier: ident, Label: patientform.Label(v.IdentifierTypes, ident.IDType)})
	}
	return formResponse{View: v, Identifiers: rows}
}

func (h *Handler) respondForm(c *gin.Context, status int) {
	httputil.RespondWithStatus(c, status, newFormResponse(session(c).Form().View()))
}

// OpenForm opens the dialog in create mode, or in edit mode for patientId.
// Loads continue in the background; ?wait=true answers once they settle.
func (h *Handler) OpenForm(c *gin.Context) {
	var req openFormRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			httputil.RespondWithError(c, http.StatusBadRequest, err)
			return
		}
	}

	d := session(c).Directory
	var form *patientform.Form
	if req.PatientID == "" {
		form = d.OpenCreateForm(c.Request.Context())
	} else {
		form = d.OpenEditForm(c.Request.Context(), req.PatientID)
	}

	status := http.StatusAccepted
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		select {
		case <-form.Settled():
			status = http.StatusOK
		case <-c.Request.Context().Done():
			return
		}
	}
	h.respondForm(c, status)
}

func (h *Handler) GetForm(c *gin.Context) {
	h.respondForm(c, http.StatusOK)
}

func (h *Handler) UpdateForm(c *gin.Context) {
	var fields patientform.Fields
	if err := c.ShouldBindJSON(&fields); err != nil {
		httputil.RespondWithError(c, http.StatusBadRequest, err)
		return
	}
	if err := session(c).Form().SetFields(fields); err != nil {
		respondErr(c, err)
		return
	}
	h.respondForm(c, http.StatusOK)
}

// SaveForm saves the dialog. On success the dialog closes, the directory
// reloads, and the saved record is returned.
func (h *Handler) SaveForm(c *gin.Context) {
	rec, err := session(c).Form().Save(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	httputil.RespondWithSuccess(c, rec)
}

func (h *Handler) CloseForm(c *gin.Context) {
	session(c).Directory.CloseForm()
	c.Status(http.StatusNoContent)
}

type identifierRequest struct {
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

// ShowIdentifierDraft reveals the add-identifier panel and binds any inputs
// sent along.
func (h *Handler) ShowIdentifierDraft(c *gin.Context) {
	form := session(c).Form()

	var req identifierRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			httputil.RespondWithError(c, http.StatusBadRequest, err)
			return
		}
	}

	var err error
	if req.IDType == "" && req.IDValue == "" {
		err = form.ShowAddIdentifier()
	} else {
		err = form.SetIdentifierDraft(req.IDType, req.IDValue)
	}
	if err != nil {
		respondErr(c, err)
		return
	}
	h.respondForm(c, http.StatusOK)
}

func (h *Handler) CancelIdentifierDraft(c *gin.Context) {
	if err := session(c).Form().CancelAddIdentifier(); err != nil {
		respondErr(c, err)
		return
	}
	h.respondForm(c, http.StatusOK)
}

func (h *Handler) AddIdentifier(c *gin.Context) {
	var req identifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, http.StatusBadRequest, err)
		return
	}

	form := session(c).Form()
	if err := form.SetIdentifierDraft(req.IDType, req.IDValue); err != nil {
		respondErr(c, err)
		return
	}
	added, err := form.AddIdentifier(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	httputil.RespondWithStatus(c, http.StatusCreated, identifierRow{
		Identifier: added,
		Label:      form.IdentifierLabel(added.IDType),
	})
}

func (h *Handler) RemoveIdentifier(c *gin.Context) {
	if err := session(c).Form().RemoveIdentifier(c.Request.Context(), c.Param("identifierId")); err != nil {
		respondErr(c, err)
		return
	}
	h.respondForm(c, http.StatusOK)
}

// Toast

func (h *Handler) GetToast(c *gin.Context) {
	httputil.RespondWithSuccess(c, session(c).Toast.Current())
}

func (h *Handler) HideToast(c *gin.Context) {
	session(c).Toast.Hide()
	c.Status(http.StatusNoContent)
}

// Events streams a snapshot on connect and after every change, with
// heartbeats in between. The stream ends with the session.
func (h *Handler) Events(c *gin.Context) {
	s := session(c)
	updates, stop := s.Watch()
	defer stop()

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", s.Snapshot())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case snap := <-updates:
			c.SSEvent("snapshot", snap)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().UTC().Format(time.RFC3339))
			return true
		case <-s.Done():
			c.SSEvent("closed", s.ID)
			return false
		case <-ctx.Done():
			return false
		}
	})
}

// Enums

func (h *Handler) ListIdentifierTypes(c *gin.Context) {
	h.respondEnum(c, "identifier-type", h.catalogs.ListIdentifierTypes)
}

func (h *Handler) ListGenders(c *gin.Context) {
	h.respondEnum(c, "gender", h.catalogs.ListGenders)
}

func (h *Handler) respondEnum(c *gin.Context, name string, fetch func(context.Context) ([]patientapi.IdentifierType, error)) {
	if v, ok := h.enums.Get(name); ok {
		httputil.RespondWithSuccess(c, v)
		return
	}
	values, err := fetch(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	h.enums.SetDefault(name, values)
	httputil.RespondWithSuccess(c, values)
}
