// Package patientform is the add/edit patient dialog: loading, field
// bindings, validation, save dispatch and the identifier sub-flows.
package patientform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/jwalitptl/patient-console/internal/patientapi"
	apperrors "github.com/jwalitptl/patient-console/pkg/errors"
	"github.com/jwalitptl/patient-console/pkg/state"
	"github.com/jwalitptl/patient-console/pkg/validator"
)

type State string

const (
	StateClosed  State = "closed"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateSaving  State = "saving"
)

type Mode string

const (
	ModeCreate Mode = "create"
	ModeEdit   Mode = "edit"
)

const (
	MsgLoadFailed        = "Failed to load patient"
	MsgSaveFailed        = "Failed to save patient"
	MsgFirstNameRequired = "First name is required"
)

var (
	ErrSaveInProgress       = errors.New("save already in progress")
	ErrAddInProgress        = errors.New("identifier add already in progress")
	ErrNotEditMode          = errors.New("identifiers can only be managed for an existing patient")
	ErrIdentifierIncomplete = errors.New("identifier type and value are required")
	ErrNotReady             = errors.New("form is not ready")
	ErrClosed               = errors.New("form is closed")
)

// API is the part of the patient client the form uses.
type API interface {
	GetPatient(ctx context.Context, id string) (patientapi.PatientRecord, error)
	CreatePatient(ctx context.Context, rec patientapi.PatientRecord) (patientapi.PatientRecord, error)
	UpdatePatient(ctx context.Context, id string, rec patientapi.PatientRecord) (patientapi.PatientRecord, error)
	ListIdentifiers(ctx context.Context, patientID string) ([]patientapi.Identifier, error)
	AddIdentifier(ctx context.Context, patientID string, in patientapi.NewIdentifier) (patientapi.Identifier, error)
	DeleteIdentifier(ctx context.Context, patientID, identifierID string) error
	ListIdentifierTypes(ctx context.Context) ([]patientapi.IdentifierType, error)
}

// IdentifierDraft is the add-identifier panel.
type IdentifierDraft struct {
	Visible bool   `json:"visible"`
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

// View is a snapshot of the dialog.
type View struct {
	State     State  `json:"state"`
	Mode      Mode   `json:"mode,omitempty"`
	PatientID string `json:"patientId,omitempty"`
	Fields    Fields `json:"fields"`

	// RecordLoaded is false in edit mode until the record arrives, and stays
	// false when that fetch fails.
	RecordLoaded bool   `json:"recordLoaded"`
	Error        string `json:"error,omitempty"`
	ErrorField   string `json:"errorField,omitempty"`

	Identifiers       []patientapi.Identifier     `json:"identifiers"`
	IdentifiersLoaded bool                        `json:"identifiersLoaded"`
	IdentifierTypes   []patientapi.IdentifierType `json:"identifierTypes"`
	Draft             IdentifierDraft             `json:"draft"`
	AddingIdentifier  bool                        `json:"addingIdentifier"`
}

// SavedFunc observes a successful save. It runs on the saving goroutine after
// the form has closed.
type SavedFunc func(ctx context.Context, rec patientapi.PatientRecord)

type Option func(*Form)

func WithLogger(l zerolog.Logger) Option {
	return func(f *Form) { f.logger = l }
}

func WithValidator(v validator.Validator) Option {
	return func(f *Form) { f.validate = v }
}

// OnSaved registers fn for successful saves.
func OnSaved(fn SavedFunc) Option {
	return func(f *Form) { f.onSaved = append(f.onSaved, fn) }
}

// Form is one dialog. It can be opened, closed and opened again; every Open
// starts a new session and responses from earlier sessions are dropped.
type Form struct {
	api      API
	validate validator.Validator
	logger   zerolog.Logger
	onSaved  []SavedFunc

	store *state.Store[View]
	gen   atomic.Uint64

	mu      sync.Mutex
	ready   chan struct{}
	settled chan struct{}
}

func New(api API, opts ...Option) *Form {
	closed := make(chan struct{})
	close(closed)

	f := &Form{
		api:     api,
		logger:  log.Logger,
		store:   state.New(closedView()),
		ready:   closed,
		settled: closed,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.validate == nil {
		f.validate = validator.New(validator.WithMessage("firstName", "", MsgFirstNameRequired))
	}
	return f
}

func closedView() View {
	return View{
		State:           StateClosed,
		Identifiers:     []patientapi.Identifier{},
		IdentifierTypes: []patientapi.IdentifierType{},
	}
}

// Open starts a session. A blank patientID opens in create mode, which is
// ready at once; edit mode fetches the record and its identifiers. The
// identifier type catalog is fetched in both modes. Fetches outlive ctx's
// cancellation.
func (f *Form) Open(ctx context.Context, patientID string) {
	patientID = strings.TrimSpace(patientID)
	ctx = context.WithoutCancel(ctx)

	ready := make(chan struct{})
	settled := make(chan struct{})
	f.mu.Lock()
	f.ready, f.settled = ready, settled
	f.mu.Unlock()

	v := closedView()
	if patientID == "" {
		v.Mode = ModeCreate
		v.State = StateReady
		v.RecordLoaded = true
		v.IdentifiersLoaded = true
	} else {
		v.Mode = ModeEdit
		v.State = StateLoading
		v.PatientID = patientID
	}
	gen := f.reset(v)

	var wg conc.WaitGroup
	if v.Mode == ModeEdit {
		wg.Go(func() {
			defer close(ready)
			f.loadRecord(ctx, gen, patientID)
		})
		wg.Go(func() { f.loadIdentifiers(ctx, gen, patientID) })
	} else {
		close(ready)
	}
	wg.Go(func() { f.loadCatalog(ctx, gen) })

	go func() {
		defer close(settled)
		wg.Wait()
	}()
}

func (f *Form) loadRecord(ctx context.Context, gen uint64, id string) {
	rec, err := f.api.GetPatient(ctx, id)
	if err != nil {
		f.logger.Error().Err(err).Str("patient_id", id).Msg("Failed to load patient")
		f.apply(gen, func(v *View) {
			v.State = StateReady
			v.RecordLoaded = false
			v.Error = MsgLoadFailed
		})
		return
	}
	f.apply(gen, func(v *View) {
		v.Fields = fieldsFromRecord(rec)
		v.RecordLoaded = true
		if v.State == StateLoading {
			v.State = StateReady
		}
	})
}

func (f *Form) loadIdentifiers(ctx context.Context, gen uint64, id string) {
	list, err := f.api.ListIdentifiers(ctx, id)
	if err != nil {
		f.logger.Warn().Err(err).Str("patient_id", id).Msg("Failed to load patient identifiers")
		list = []patientapi.Identifier{}
	}
	f.apply(gen, func(v *View) {
		v.Identifiers = list
		v.IdentifiersLoaded = true
	})
}

func (f *Form) loadCatalog(ctx context.Context, gen uint64) {
	types, err := f.api.ListIdentifierTypes(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Failed to load identifier types")
		return
	}
	f.apply(gen, func(v *View) { v.IdentifierTypes = types })
}

// reset starts a new session showing v and returns its generation.
func (f *Form) reset(v View) uint64 {
	var gen uint64
	f.store.Update(func(cur *View) bool {
		gen = f.gen.Add(1)
		*cur = v
		return true
	})
	return gen
}

// apply commits fn unless the session that produced it has ended.
func (f *Form) apply(gen uint64, fn func(v *View)) bool {
	applied := false
	f.store.Update(func(v *View) bool {
		if f.gen.Load() != gen || v.State == StateClosed {
			return false
		}
		fn(v)
		applied = true
		return true
	})
	return applied
}

// Ready is closed once the record fetch of the current session settled.
func (f *Form) Ready() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// Settled is closed once every fetch of the current session settled.
func (f *Form) Settled() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

func (f *Form) View() View {
	return f.store.Get()
}

func (f *Form) Subscribe(fn func(View)) func() {
	return f.store.Subscribe(fn)
}

// SetFields replaces the bound inputs.
func (f *Form) SetFields(fields Fields) error {
	var err error
	f.store.Update(func(v *View) bool {
		if v.State != StateReady {
			err = stateErr(v.State)
			return false
		}
		v.Fields = fields
		return true
	})
	return err
}

// Save validates and dispatches create or update. A call while a save is in
// flight returns ErrSaveInProgress and has no other effect. Validation
// failures set the form error and return a validation AppError without any
// network call. The dispatched call outlives ctx's cancellation.
func (f *Form) Save(ctx context.Context) (patientapi.PatientRecord, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		err    error
		fields Fields
		mode   Mode
		id     string
		gen    uint64
	)
	f.store.Update(func(v *View) bool {
		gen = f.gen.Load()
		if v.State != StateReady {
			err = stateErr(v.State)
			return false
		}
		if verr := f.validate.Validate(v.Fields); verr != nil {
			err = verr
			v.Error = apperrors.Message(verr, verr.Error())
			v.ErrorField = ""
			if appErr, ok := apperrors.As(verr); ok {
				v.ErrorField = appErr.Field
			}
			return true
		}
		v.State = StateSaving
		v.Error, v.ErrorField = "", ""
		fields, mode, id = v.Fields, v.Mode, v.PatientID
		return true
	})
	if err != nil {
		return patientapi.PatientRecord{}, err
	}

	payload := BuildRecord(fields)
	var saved patientapi.PatientRecord
	if mode == ModeEdit && id != "" {
		saved, err = f.api.UpdatePatient(ctx, id, payload)
	} else {
		saved, err = f.api.CreatePatient(ctx, payload)
	}

	if err != nil {
		f.logger.Error().Err(err).Str("patient_id", id).Msg("Failed to save patient")
		f.apply(gen, func(v *View) {
			v.State = StateReady
			v.Error = apperrors.ServerMessage(err, MsgSaveFailed)
		})
		return patientapi.PatientRecord{}, err
	}

	if !f.apply(gen, func(v *View) { *v = closedView() }) {
		return saved, nil
	}
	for _, fn := range f.onSaved {
		fn(ctx, saved)
	}
	return saved, nil
}

func stateErr(s State) error {
	switch s {
	case StateSaving:
		return ErrSaveInProgress
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

// Close ends the session. Responses still in flight are ignored.
func (f *Form) Close() {
	f.reset(closedView())
}

// ShowAddIdentifier reveals the add-identifier panel.
func (f *Form) ShowAddIdentifier() error {
	return f.updateDraft(func(d *IdentifierDraft) { d.Visible = true })
}

// CancelAddIdentifier hides the panel and clears its inputs.
func (f *Form) CancelAddIdentifier() error {
	return f.updateDraft(func(d *IdentifierDraft) { *d = IdentifierDraft{} })
}

// SetIdentifierDraft binds the add-identifier inputs. The draft of an add in
// flight cannot be replaced.
func (f *Form) SetIdentifierDraft(idType, idValue string) error {
	var err error
	f.store.Update(func(v *View) bool {
		if err = editable(v); err != nil {
			return false
		}
		if v.AddingIdentifier {
			err = ErrAddInProgress
			return false
		}
		v.Draft = IdentifierDraft{Visible: true, IDType: idType, IDValue: idValue}
		return true
	})
	return err
}

func (f *Form) updateDraft(fn func(d *IdentifierDraft)) error {
	var err error
	f.store.Update(func(v *View) bool {
		if err = editable(v); err != nil {
			return false
		}
		fn(&v.Draft)
		return true
	})
	return err
}

func editable(v *View) error {
	if v.State == StateClosed {
		return ErrClosed
	}
	if v.Mode != ModeEdit || v.PatientID == "" {
		return ErrNotEditMode
	}
	return nil
}

// AddIdentifier posts the draft. On success the server's identifier is
// appended and the draft reset; on failure the draft is kept for a retry.
func (f *Form) AddIdentifier(ctx context.Context) (patientapi.Identifier, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		err   error
		id    string
		draft IdentifierDraft
		gen   uint64
	)
	f.store.Update(func(v *View) bool {
		gen = f.gen.Load()
		if err = editable(v); err != nil {
			return false
		}
		if v.AddingIdentifier {
			err = ErrAddInProgress
			return false
		}
		if strings.TrimSpace(v.Draft.IDType) == "" || strings.TrimSpace(v.Draft.IDValue) == "" {
			err = ErrIdentifierIncomplete
			return false
		}
		v.AddingIdentifier = true
		id, draft = v.PatientID, v.Draft
		return true
	})
	if err != nil {
		return patientapi.Identifier{}, err
	}

	added, err := f.api.AddIdentifier(ctx, id, patientapi.NewIdentifier{
		IDType:  strings.TrimSpace(draft.IDType),
		IDValue: strings.TrimSpace(draft.IDValue),
	})
	if err != nil {
		f.logger.Warn().Err(err).Str("patient_id", id).Msg("Failed to add identifier")
		f.apply(gen, func(v *View) { v.AddingIdentifier = false })
		return patientapi.Identifier{}, err
	}

	f.apply(gen, func(v *View) {
		list := make([]patientapi.Identifier, 0, len(v.Identifiers)+1)
		list = append(list, v.Identifiers...)
		v.Identifiers = append(list, added)
		v.Draft = IdentifierDraft{}
		v.AddingIdentifier = false
	})
	return added, nil
}

// RemoveIdentifier deletes an identifier and drops it locally once the
// server confirms.
func (f *Form) RemoveIdentifier(ctx context.Context, identifierID string) error {
	ctx = context.WithoutCancel(ctx)
	var (
		v   View
		gen uint64
	)
	f.store.Update(func(cur *View) bool {
		v, gen = *cur, f.gen.Load()
		return false
	})
	if err := editable(&v); err != nil {
		return err
	}

	if err := f.api.DeleteIdentifier(ctx, v.PatientID, identifierID); err != nil {
		f.logger.Warn().Err(err).Str("patient_id", v.PatientID).Str("identifier_id", identifierID).Msg("Failed to delete identifier")
		return err
	}

	f.apply(gen, func(v *View) {
		list := make([]patientapi.Identifier, 0, len(v.Identifiers))
		for _, ident := range v.Identifiers {
			if ident.ID != identifierID {
				list = append(list, ident)
			}
		}
		v.Identifiers = list
	})
	return nil
}

// IdentifierLabel resolves an identifier type to its catalog label, or the
// raw value when the catalog has no match.
func (f *Form) IdentifierLabel(value string) string {
	return Label(f.store.Get().IdentifierTypes, value)
}

func Label(types []patientapi.IdentifierType, value string) string {
	for _, t := range types {
		if t.Value == value {
			return t.Label
		}
	}
	return value
}
