package patientapi

import "strings"

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
	GenderOther  Gender = "OTHER"
)

// PatientSummary is the listing projection returned by the paged query.
type PatientSummary struct {
	ID        string  `json:"id"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName,omitempty"`
	DOB       *string `json:"dob,omitempty"`
}

// Address travels as a whole or not at all.
type Address struct {
	Address  string `json:"address" validate:"omitempty,max=255"`
	Suburb   string `json:"suburb" validate:"omitempty,max=100"`
	State    string `json:"state" validate:"omitempty,max=10"`
	Postcode string `json:"postcode" validate:"omitempty,max=10"`
}

// IsBlank reports whether the street field is empty after trimming.
func (a *Address) IsBlank() bool {
	return a == nil || strings.TrimSpace(a.Address) == ""
}

// PatientRecord is the writable demographic record.
type PatientRecord struct {
	ID        string   `json:"id,omitempty"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName,omitempty"`
	DOB       string   `json:"dob,omitempty"`
	Gender    Gender   `json:"gender,omitempty"`
	PhoneNo   string   `json:"phoneNo,omitempty"`
	Address   *Address `json:"australianAddress,omitempty"`
}

type IdentifierType struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type Identifier struct {
	ID      string `json:"id"`
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
}

type NewIdentifier struct {
	IDType  string `json:"idType" binding:"required"`
	IDValue string `json:"idValue" binding:"required"`
}

// Page mirrors the paged JSON returned by the patient service. Number is the
// zero-based page index.
type Page[T any] struct {
	Content       []T  `json:"content"`
	TotalPages    int  `json:"totalPages"`
	TotalElements int  `json:"totalElements"`
	Size          int  `json:"size"`
	Number        int  `json:"number"`
	First         bool `json:"first"`
	Last          bool `json:"last"`
}

// EmptyPage is what a directory shows before anything has loaded.
func EmptyPage[T any](size int) Page[T] {
	return Page[T]{Content: []T{}, Size: size, First: true, Last: true}
}

// ListQuery filters a paged listing. Only one of ID and Name is meaningful;
// ID wins when both are set.
type ListQuery struct {
	ID   string
	Name string
	Page int
	Size int
}
