// Package directory is the patient list: search criteria, paging, delete
// with confirmation and the add/edit dialog it opens.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/patient-console/internal/changefeed"
	"github.com/jwalitptl/patient-console/internal/patientapi"
	"github.com/jwalitptl/patient-console/internal/patientform"
	apperrors "github.com/jwalitptl/patient-console/pkg/errors"
	"github.com/jwalitptl/patient-console/pkg/state"
)

type Mode string

const (
	ModeName Mode = "name"
	ModeID   Mode = "id"
)

const (
	DefaultPageSize = 10
	EmptyMessage    = "No patients found"
	DeletePrompt    = "Are you sure you want to delete this patient?"
	MsgLoadFailed   = "Failed to load patients"
)

var (
	ErrNoPreviousPage = errors.New("already on the first page")
	ErrNoNextPage     = errors.New("already on the last page")
	ErrNotConfirmed   = errors.New("delete not confirmed")
	ErrInvalidMode    = errors.New("search mode must be name or id")
)

// API is the part of the patient client the directory and its form use.
type API interface {
	patientform.API
	ListPatients(ctx context.Context, q patientapi.ListQuery) (patientapi.Page[patientapi.PatientSummary], error)
	DeletePatient(ctx context.Context, id string) error
}

// Confirmer asks the user to confirm an irreversible action.
type Confirmer interface {
	Confirm(prompt string) bool
}

type ConfirmFunc func(prompt string) bool

func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

// Criteria is an applied search.
type Criteria struct {
	Mode Mode   `json:"mode"`
	Text string `json:"text,omitempty"`
}

func (c Criteria) query(page, size int) patientapi.ListQuery {
	q := patientapi.ListQuery{Page: page, Size: size}
	text := strings.TrimSpace(c.Text)
	if c.Mode == ModeID {
		q.ID = text
	} else {
		q.Name = text
	}
	return q
}

// View is a snapshot of the list. Page and PageIndex always come from the
// last load that succeeded.
type View struct {
	Mode       Mode                                       `json:"mode"`
	SearchText string                                     `json:"searchText"`
	Criteria   Criteria                                   `json:"criteria"`
	PageIndex  int                                        `json:"pageIndex"`
	PageSize   int                                        `json:"pageSize"`
	Page       patientapi.Page[patientapi.PatientSummary] `json:"page"`
	ShowForm   bool                                       `json:"showForm"`

	// Stale is set when another session changed patients after the last load.
	Stale     bool   `json:"stale"`
	LastError string `json:"lastError,omitempty"`
}

// Empty reports whether the current page has no rows.
func (v View) Empty() bool {
	return len(v.Page.Content) == 0
}

func (v View) EmptyMessage() string {
	if v.Empty() {
		return EmptyMessage
	}
	return ""
}

type Option func(*Directory)

func WithPageSize(size int) Option {
	return func(d *Directory) {
		if size > 0 {
			d.pageSize = size
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// WithPublisher announces saves and deletes made through this directory.
// origin identifies the session in the published events.
func WithPublisher(p changefeed.Publisher, origin string) Option {
	return func(d *Directory) {
		d.publisher = p
		d.origin = origin
	}
}

// WithFormOptions passes options to every form the directory opens.
func WithFormOptions(opts ...patientform.Option) Option {
	return func(d *Directory) { d.formOpts = append(d.formOpts, opts...) }
}

type Directory struct {
	api       API
	pageSize  int
	logger    zerolog.Logger
	publisher changefeed.Publisher
	origin    string
	formOpts  []patientform.Option

	form  *patientform.Form
	store *state.Store[View]
	seq   atomic.Uint64
	// applied is the sequence of the last load committed; guarded by the store.
	applied uint64
}

func New(api API, opts ...Option) *Directory {
	d := &Directory{
		api:      api,
		pageSize: DefaultPageSize,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	formOpts := append([]patientform.Option{}, d.formOpts...)
	d.form = patientform.New(api, append(formOpts, patientform.OnSaved(d.formSaved))...)
	d.store = state.New(View{
		Mode:     ModeName,
		Criteria: Criteria{Mode: ModeName},
		PageSize: d.pageSize,
		Page:     patientapi.EmptyPage[patientapi.PatientSummary](d.pageSize),
	})
	return d
}

func (d *Directory) View() View {
	return d.store.Get()
}

func (d *Directory) Subscribe(fn func(View)) func() {
	return d.store.Subscribe(fn)
}

// LoadPage queries one page. On success page, counts, index and criteria
// are replaced together; on failure the displayed page is left as it was.
// A response is dropped when a later load has already been applied.
func (d *Directory) LoadPage(ctx context.Context, criteria Criteria, pageIndex int) error {
	if pageIndex < 0 {
		pageIndex = 0
	}
	seq := d.seq.Add(1)

	page, err := d.api.ListPatients(ctx, criteria.query(pageIndex, d.pageSize))
	if err != nil {
		d.logger.Error().Err(err).
			Str("mode", string(criteria.Mode)).
			Int("page", pageIndex).
			Msg("Failed to load patients")
		d.store.Update(func(v *View) bool {
			if seq < d.applied {
				return false
			}
			v.LastError = apperrors.Message(err, MsgLoadFailed)
			return true
		})
		return err
	}

	d.store.Update(func(v *View) bool {
		if seq < d.applied {
			return false
		}
		d.applied = seq
		v.Page = page
		v.PageIndex = pageIndex
		v.Criteria = criteria
		v.LastError = ""
		v.Stale = false
		return true
	})
	return nil
}

// SetMode picks what the search text matches.
func (d *Directory) SetMode(mode Mode) error {
	if mode != ModeName && mode != ModeID {
		return ErrInvalidMode
	}
	d.store.Update(func(v *View) bool {
		if v.Mode == mode {
			return false
		}
		v.Mode = mode
		return true
	})
	return nil
}

func (d *Directory) SetSearchText(text string) {
	d.store.Update(func(v *View) bool {
		if v.SearchText == text {
			return false
		}
		v.SearchText = text
		return true
	})
}

// Search applies the pending criteria and reloads the current page index.
// Blank text lists everyone.
func (d *Directory) Search(ctx context.Context) error {
	v := d.store.Get()
	criteria := Criteria{Mode: v.Mode, Text: strings.TrimSpace(v.SearchText)}
	return d.LoadPage(ctx, criteria, v.PageIndex)
}

func (d *Directory) PreviousPage(ctx context.Context) error {
	v := d.store.Get()
	if v.Page.First || v.PageIndex == 0 {
		return ErrNoPreviousPage
	}
	return d.LoadPage(ctx, v.Criteria, v.PageIndex-1)
}

func (d *Directory) NextPage(ctx context.Context) error {
	v := d.store.Get()
	if v.Page.Last {
		return ErrNoNextPage
	}
	return d.LoadPage(ctx, v.Criteria, v.PageIndex+1)
}

// Refresh reloads the current page with the applied criteria.
func (d *Directory) Refresh(ctx context.Context) error {
	v := d.store.Get()
	return d.LoadPage(ctx, v.Criteria, v.PageIndex)
}

// MarkStale flags the list as out of date.
func (d *Directory) MarkStale() {
	d.store.Update(func(v *View) bool {
		if v.Stale {
			return false
		}
		v.Stale = true
		return true
	})
}

// DeletePatient deletes after confirm agrees, then reloads the current page.
// Without confirmation nothing is sent.
func (d *Directory) DeletePatient(ctx context.Context, id string, confirm Confirmer) error {
	if confirm == nil || !confirm.Confirm(DeletePrompt) {
		return ErrNotConfirmed
	}
	if err := d.api.DeletePatient(ctx, id); err != nil {
		d.logger.Error().Err(err).Str("patient_id", id).Msg("Failed to delete patient")
		return err
	}
	d.publish(ctx, changefeed.PatientDeleted, id)
	_ = d.Refresh(ctx)
	return nil
}

// OpenCreateForm shows the dialog for a new patient.
func (d *Directory) OpenCreateForm(ctx context.Context) *patientform.Form {
	return d.openForm(ctx, "")
}

// OpenEditForm shows the dialog for patient id.
func (d *Directory) OpenEditForm(ctx context.Context, id string) *patientform.Form {
	return d.openForm(ctx, id)
}

func (d *Directory) openForm(ctx context.Context, id string) *patientform.Form {
	d.form.Open(ctx, id)
	d.setShowForm(true)
	return d.form
}

// Form returns the dialog the directory opens. It is the same form across
// opens.
func (d *Directory) Form() *patientform.Form {
	return d.form
}

// CloseForm hides the dialog without reloading.
func (d *Directory) CloseForm() {
	d.form.Close()
	d.setShowForm(false)
}

func (d *Directory) formSaved(ctx context.Context, rec patientapi.PatientRecord) {
	d.publish(ctx, changefeed.PatientSaved, rec.ID)
	_ = d.OnFormSaved(ctx)
}

// OnFormSaved closes the dialog and reloads the current page. Creates and
// edits are handled the same way.
func (d *Directory) OnFormSaved(ctx context.Context) error {
	d.CloseForm()
	return d.Refresh(ctx)
}

func (d *Directory) setShowForm(show bool) {
	d.store.Update(func(v *View) bool {
		if v.ShowForm == show {
			return false
		}
		v.ShowForm = show
		return true
	})
}

func (d *Directory) publish(ctx context.Context, t changefeed.EventType, patientID string) {
	if d.publisher == nil {
		return
	}
	err := d.publisher.Publish(ctx, changefeed.Event{Type: t, PatientID: patientID, Origin: d.origin})
	if err != nil {
		d.logger.Warn().Err(err).Str("type", string(t)).Msg("Failed to publish change event")
	}
}
