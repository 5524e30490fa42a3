package patientform_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/patient-console/internal/patientapi"
	"github.com/jwalitptl/patient-console/internal/patientapi/patientapitest"
	"github.com/jwalitptl/patient-console/internal/patientform"
	apperrors "github.com/jwalitptl/patient-console/pkg/errors"
)

const (
	routePatients    = "/api/patient"
	routePatient     = "/api/patient/:id"
	routeIdentifiers = "/api/patient/:id/identifier"
	routeIdentifier  = "/api/patient/:id/identifier/:identifierId"
	routeIDTypes     = "/api/enum/identifier-type"
)

func setup(t *testing.T, opts ...patientform.Option) (*patientapitest.Server, *patientform.Form) {
	t.Helper()
	srv := patientapitest.NewServer(t)
	client, err := patientapi.NewClient(patientapi.Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return srv, patientform.New(client, opts...)
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for form")
	}
}

func TestForm_OpenCreate(t *testing.T) {
	_, f := setup(t)
	f.Open(context.Background(), "")
	wait(t, f.Ready())

	v := f.View()
	assert.Equal(t, patientform.StateReady, v.State)
	assert.Equal(t, patientform.ModeCreate, v.Mode)
	assert.Empty(t, v.PatientID)
	assert.Equal(t, patientapi.Address{}, v.Fields.Address)

	wait(t, f.Settled())
	assert.Len(t, f.View().IdentifierTypes, 4)
}

func TestForm_CreateSendsOnlyFirstName(t *testing.T) {
	var (
		mu    sync.Mutex
		saved []patientapi.PatientRecord
	)
	srv, f := setup(t, patientform.OnSaved(func(_ context.Context, rec patientapi.PatientRecord) {
		mu.Lock()
		defer mu.Unlock()
		saved = append(saved, rec)
	}))
	ctx := context.Background()

	f.Open(ctx, "")
	require.NoError(t, f.SetFields(patientform.Fields{FirstName: "Jane"}))

	rec, err := f.Save(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	assert.Equal(t, 1, srv.Calls(http.MethodPost, routePatients))
	assert.Equal(t, map[string]interface{}{"firstName": "Jane"}, srv.LastBody(http.MethodPost, routePatients))
	assert.Equal(t, patientform.StateClosed, f.View().State)
	require.Len(t, saved, 1)
	assert.Equal(t, rec.ID, saved[0].ID)
}

func TestForm_BlankFirstNameNeverCallsNetwork(t *testing.T) {
	for _, name := range []string{"", "   "} {
		srv, f := setup(t)
		ctx := context.Background()
		f.Open(ctx, "")
		require.NoError(t, f.SetFields(patientform.Fields{FirstName: name, LastName: "Doe"}))

		_, err := f.Save(ctx)
		require.Error(t, err)
		assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

		v := f.View()
		assert.Equal(t, patientform.StateReady, v.State)
		assert.Equal(t, patientform.MsgFirstNameRequired, v.Error)
		assert.Equal(t, "firstName", v.ErrorField)
		assert.Zero(t, srv.Calls(http.MethodPost, routePatients))
	}
}

func TestForm_InvalidGenderRejectedLocally(t *testing.T) {
	srv, f := setup(t)
	ctx := context.Background()
	f.Open(ctx, "")
	require.NoError(t, f.SetFields(patientform.Fields{FirstName: "Jane", Gender: "UNKNOWN"}))

	_, err := f.Save(ctx)
	require.Error(t, err)
	assert.Equal(t, "gender", f.View().ErrorField)
	assert.Zero(t, srv.Calls(http.MethodPost, routePatients))
}

func TestForm_OpenEditLoadsEverything(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{
		FirstName: "Jane",
		LastName:  "Doe",
		DOB:       "1990-02-03",
		Address:   &patientapi.Address{Address: "1 Main St", Suburb: "Carlton", State: "VIC", Postcode: "3053"},
	})
	srv.SeedIdentifiers(ids[0], patientapi.Identifier{IDType: "MRN", IDValue: "12345"})

	f.Open(context.Background(), ids[0])
	wait(t, f.Settled())

	v := f.View()
	assert.Equal(t, patientform.StateReady, v.State)
	assert.Equal(t, patientform.ModeEdit, v.Mode)
	assert.True(t, v.RecordLoaded)
	assert.Equal(t, "Jane", v.Fields.FirstName)
	assert.Equal(t, "Carlton", v.Fields.Address.Suburb)
	require.Len(t, v.Identifiers, 1)
	assert.True(t, v.IdentifiersLoaded)

	assert.Equal(t, "Mrn", f.IdentifierLabel("MRN"))
	assert.Equal(t, "PASSPORT", f.IdentifierLabel("PASSPORT"))
}

func TestForm_RecordFailureStillLoadsIdentifiers(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	srv.SeedIdentifiers(ids[0], patientapi.Identifier{IDType: "MRN", IDValue: "12345"})
	srv.Fail(http.MethodGet, routePatient, http.StatusInternalServerError, "", 0)

	f.Open(context.Background(), ids[0])
	wait(t, f.Ready())
	assert.Equal(t, patientform.MsgLoadFailed, f.View().Error)

	wait(t, f.Settled())
	v := f.View()
	assert.Equal(t, patientform.StateReady, v.State)
	assert.False(t, v.RecordLoaded)
	assert.Empty(t, v.Fields.FirstName)
	assert.Len(t, v.Identifiers, 1)
}

func TestForm_PartialLoadsDegrade(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	srv.Fail(http.MethodGet, routeIdentifiers, http.StatusInternalServerError, "", 0)
	srv.Fail(http.MethodGet, routeIDTypes, http.StatusServiceUnavailable, "", 0)

	f.Open(context.Background(), ids[0])
	wait(t, f.Settled())

	v := f.View()
	assert.True(t, v.RecordLoaded)
	assert.Empty(t, v.Error)
	assert.Empty(t, v.Identifiers)
	assert.Empty(t, v.IdentifierTypes)
	assert.Equal(t, "MRN", f.IdentifierLabel("MRN"))
}

func TestForm_UpdateFailureReturnsToReady(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	srv.Fail(http.MethodPut, routePatient, http.StatusBadRequest, "Date of birth is in the future", 1)
	ctx := context.Background()

	f.Open(ctx, ids[0])
	wait(t, f.Settled())

	_, err := f.Save(ctx)
	require.Error(t, err)
	v := f.View()
	assert.Equal(t, patientform.StateReady, v.State)
	assert.Equal(t, "Date of birth is in the future", v.Error)

	_, err = f.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Calls(http.MethodPut, routePatient))
	assert.Equal(t, patientform.StateClosed, f.View().State)
}

func TestForm_SaveFailureWithoutMessageUsesGenericText(t *testing.T) {
	srv, f := setup(t)
	srv.Fail(http.MethodPost, routePatients, http.StatusInternalServerError, "", 1)
	ctx := context.Background()

	f.Open(ctx, "")
	wait(t, f.Ready())
	require.NoError(t, f.SetFields(patientform.Fields{FirstName: "Jane"}))

	_, err := f.Save(ctx)
	require.Error(t, err)
	assert.Equal(t, "Server error - please try again later", apperrors.Message(err, ""))

	v := f.View()
	assert.Equal(t, patientform.StateReady, v.State)
	assert.Equal(t, patientform.MsgSaveFailed, v.Error)
}

func TestForm_TransportFailureUsesGenericText(t *testing.T) {
	client, err := patientapi.NewClient(patientapi.Config{
		BaseURL: "http://patients.internal:8080",
		HTTPClient: patientapi.DoerFunc(func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("dial tcp 10.0.0.5:8080: connect: connection refused")
		}),
	})
	require.NoError(t, err)
	f := patientform.New(client)
	ctx := context.Background()

	f.Open(ctx, "")
	wait(t, f.Settled())
	require.NoError(t, f.SetFields(patientform.Fields{FirstName: "Jane"}))

	_, err = f.Save(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindTransport))
	assert.Equal(t, apperrors.DefaultMessage(0), apperrors.Message(err, ""))
	assert.Equal(t, patientform.MsgSaveFailed, f.View().Error)
	assert.NotContains(t, f.View().Error, "10.0.0.5")
}

func TestForm_SaveOutlivesCallerCancellation(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	f.Open(context.Background(), ids[0])
	wait(t, f.Settled())

	fields := f.View().Fields
	fields.FirstName = "Janet"
	require.NoError(t, f.SetFields(fields))

	release := srv.Block(http.MethodPut, routePatient)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.Save(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return srv.Calls(http.MethodPut, routePatient) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	release()
	require.NoError(t, <-done)

	rec, ok := srv.Patient(ids[0])
	require.True(t, ok)
	assert.Equal(t, "Janet", rec.FirstName)
	assert.Equal(t, patientform.StateClosed, f.View().State)
}

func TestForm_SecondSaveWhileSavingIsNoop(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	ctx := context.Background()
	f.Open(ctx, ids[0])
	wait(t, f.Settled())

	release := srv.Block(http.MethodPut, routePatient)
	done := make(chan error, 1)
	go func() {
		_, err := f.Save(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.View().State == patientform.StateSaving }, time.Second, 5*time.Millisecond)

	_, err := f.Save(ctx)
	assert.ErrorIs(t, err, patientform.ErrSaveInProgress)

	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, srv.Calls(http.MethodPut, routePatient))
}

func TestForm_AddIdentifier(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	ctx := context.Background()
	f.Open(ctx, ids[0])
	wait(t, f.Settled())

	require.NoError(t, f.ShowAddIdentifier())
	require.NoError(t, f.SetIdentifierDraft("MRN", "12345"))

	added, err := f.AddIdentifier(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, 1, srv.Calls(http.MethodPost, routeIdentifiers))

	v := f.View()
	require.Len(t, v.Identifiers, 1)
	assert.Equal(t, added, v.Identifiers[0])
	assert.Equal(t, patientform.IdentifierDraft{}, v.Draft)
	assert.False(t, v.AddingIdentifier)
}

func TestForm_AddIdentifierFailureKeepsDraft(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	srv.Fail(http.MethodPost, routeIdentifiers, http.StatusConflict, "", 1)
	ctx := context.Background()
	f.Open(ctx, ids[0])
	wait(t, f.Settled())

	require.NoError(t, f.SetIdentifierDraft("MRN", "12345"))
	_, err := f.AddIdentifier(ctx)
	require.Error(t, err)

	v := f.View()
	assert.False(t, v.AddingIdentifier)
	assert.Equal(t, patientform.IdentifierDraft{Visible: true, IDType: "MRN", IDValue: "12345"}, v.Draft)
	assert.Empty(t, v.Identifiers)

	_, err = f.AddIdentifier(ctx)
	require.NoError(t, err)
	assert.Len(t, f.View().Identifiers, 1)
}

func TestForm_AddIdentifierGuards(t *testing.T) {
	srv, f := setup(t)
	ctx := context.Background()

	f.Open(ctx, "")
	_, err := f.AddIdentifier(ctx)
	assert.ErrorIs(t, err, patientform.ErrNotEditMode)
	assert.ErrorIs(t, f.ShowAddIdentifier(), patientform.ErrNotEditMode)

	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	f.Open(ctx, ids[0])
	wait(t, f.Settled())

	require.NoError(t, f.SetIdentifierDraft("MRN", "  "))
	_, err = f.AddIdentifier(ctx)
	assert.ErrorIs(t, err, patientform.ErrIdentifierIncomplete)

	require.NoError(t, f.SetIdentifierDraft("MRN", "1"))
	release := srv.Block(http.MethodPost, routeIdentifiers)
	done := make(chan error, 1)
	go func() {
		_, err := f.AddIdentifier(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.View().AddingIdentifier }, time.Second, 5*time.Millisecond)

	_, err = f.AddIdentifier(ctx)
	assert.ErrorIs(t, err, patientform.ErrAddInProgress)
	release()
	require.NoError(t, <-done)
	assert.Equal(t, 1, srv.Calls(http.MethodPost, routeIdentifiers))
}

func TestForm_DraftLockedWhileAdding(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	f.Open(context.Background(), ids[0])
	wait(t, f.Settled())

	require.NoError(t, f.SetIdentifierDraft("MRN", "12345"))
	release := srv.Block(http.MethodPost, routeIdentifiers)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.AddIdentifier(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.View().AddingIdentifier }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, f.SetIdentifierDraft("EMAIL", "jane@example.com"), patientform.ErrAddInProgress)
	assert.Equal(t, "MRN", f.View().Draft.IDType)

	cancel()
	release()
	require.NoError(t, <-done)

	list := srv.Identifiers(ids[0])
	require.Len(t, list, 1)
	assert.Equal(t, "12345", list[0].IDValue)
	require.NoError(t, f.SetIdentifierDraft("EMAIL", "jane@example.com"))
}

func TestForm_CancelAddIdentifierClearsDraft(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	f.Open(context.Background(), ids[0])
	wait(t, f.Settled())

	require.NoError(t, f.SetIdentifierDraft("EMAIL", "jane@example.com"))
	require.NoError(t, f.CancelAddIdentifier())
	assert.Equal(t, patientform.IdentifierDraft{}, f.View().Draft)
}

func TestForm_RemoveIdentifier(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	srv.SeedIdentifiers(ids[0],
		patientapi.Identifier{ID: "i1", IDType: "MRN", IDValue: "1"},
		patientapi.Identifier{ID: "i2", IDType: "PHONE", IDValue: "0400"},
	)
	ctx := context.Background()
	f.Open(ctx, ids[0])
	wait(t, f.Settled())

	srv.Fail(http.MethodDelete, routeIdentifier, http.StatusInternalServerError, "", 1)
	require.Error(t, f.RemoveIdentifier(ctx, "i1"))
	assert.Len(t, f.View().Identifiers, 2)

	require.NoError(t, f.RemoveIdentifier(ctx, "i1"))
	v := f.View()
	require.Len(t, v.Identifiers, 1)
	assert.Equal(t, "i2", v.Identifiers[0].ID)
}

func TestForm_LateResponseAfterCloseIsDropped(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(patientapi.PatientRecord{FirstName: "Jane"})
	release := srv.Block(http.MethodGet, routePatient)

	f.Open(context.Background(), ids[0])
	ready := f.Ready()
	f.Close()
	release()
	wait(t, ready)

	v := f.View()
	assert.Equal(t, patientform.StateClosed, v.State)
	assert.Empty(t, v.Fields.FirstName)
}

func TestForm_ReopenIgnoresPreviousSession(t *testing.T) {
	srv, f := setup(t)
	ids := srv.Seed(
		patientapi.PatientRecord{FirstName: "Old"},
		patientapi.PatientRecord{FirstName: "New"},
	)
	release := srv.Block(http.MethodGet, routePatient)

	f.Open(context.Background(), ids[0])
	stale := f.Ready()
	release()
	f.Open(context.Background(), ids[1])
	wait(t, stale)
	wait(t, f.Settled())

	v := f.View()
	assert.Equal(t, ids[1], v.PatientID)
	assert.Equal(t, "New", v.Fields.FirstName)
}

func TestForm_SaveRequiresOpenForm(t *testing.T) {
	_, f := setup(t)
	_, err := f.Save(context.Background())
	assert.ErrorIs(t, err, patientform.ErrClosed)
	assert.ErrorIs(t, f.SetFields(patientform.Fields{FirstName: "x"}), patientform.ErrClosed)
}
