package patientform

import (
	"strings"

	"github.com/jwalitptl/patient-console/internal/patientapi"
)

// Fields are the editable inputs of the dialog. Address is always present so
// its inputs stay bound even when the record has none.
type Fields struct {
	FirstName string             `json:"firstName" validate:"notblank,max=100"`
	LastName  string             `json:"lastName" validate:"omitempty,max=100"`
	DOB       string             `json:"dob" validate:"omitempty,datetime=2006-01-02"`
	Gender    string             `json:"gender" validate:"omitempty,oneof=MALE FEMALE OTHER"`
	PhoneNo   string             `json:"phoneNo" validate:"omitempty,max=30"`
	Address   patientapi.Address `json:"address"`
}

// BuildRecord normalizes fields into a write payload. Blank optional values
// are left unset so they are omitted on the wire, and the address is sent
// only when its street line is non-blank.
func BuildRecord(f Fields) patientapi.PatientRecord {
	rec := patientapi.PatientRecord{
		FirstName: strings.TrimSpace(f.FirstName),
		LastName:  strings.TrimSpace(f.LastName),
		DOB:       strings.TrimSpace(f.DOB),
		Gender:    patientapi.Gender(strings.TrimSpace(f.Gender)),
		PhoneNo:   strings.TrimSpace(f.PhoneNo),
	}
	if !f.Address.IsBlank() {
		rec.Address = &patientapi.Address{
			Address:  strings.TrimSpace(f.Address.Address),
			Suburb:   strings.TrimSpace(f.Address.Suburb),
			State:    strings.TrimSpace(f.Address.State),
			Postcode: strings.TrimSpace(f.Address.Postcode),
		}
	}
	return rec
}

func fieldsFromRecord(rec patientapi.PatientRecord) Fields {
	f := Fields{
		FirstName: rec.FirstName,
		LastName:  rec.LastName,
		DOB:       rec.DOB,
		Gender:    string(rec.Gender),
		PhoneNo:   rec.PhoneNo,
	}
	if rec.Address != nil {
		f.Address = *rec.Address
	}
	return f
}
