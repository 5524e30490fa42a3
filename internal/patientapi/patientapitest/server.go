// Package patientapitest runs an in-memory patient service for tests.
package patientapitest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/patient-console/internal/patientapi"
	"github.com/jwalitptl/patient-console/pkg/auth"
)

type gate struct {
	ch   chan struct{}
	once sync.Once
}

func (g *gate) open() { g.once.Do(func() { close(g.ch) }) }

type failure struct {
	status  int
	message string
	times   int
}

// Server serves the patient REST contract from memory. Route keys used by
// Fail, Block and Calls are "METHOD /route/:param" as registered.
type Server struct {
	*httptest.Server

	// Secret, when set, requires a valid bearer token on every call.
	Secret string

	mu          sync.Mutex
	order       []string
	patients    map[string]patientapi.PatientRecord
	identifiers map[string][]patientapi.Identifier
	calls       map[string]int
	bodies      map[string][]byte
	failures    map[string]*failure
	gates       map[string]*gate
	idTypes     []patientapi.IdentifierType
	genders     []patientapi.IdentifierType
}

func NewServer(t testing.TB) *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		patients:    make(map[string]patientapi.PatientRecord),
		identifiers: make(map[string][]patientapi.Identifier),
		calls:       make(map[string]int),
		bodies:      make(map[string][]byte),
		failures:    make(map[string]*failure),
		gates:       make(map[string]*gate),
		idTypes: []patientapi.IdentifierType{
			{Value: "MRN", Label: "Mrn"},
			{Value: "NATIONAL_ID", Label: "National ID"},
			{Value: "PHONE", Label: "Phone"},
			{Value: "EMAIL", Label: "Email"},
		},
		genders: []patientapi.IdentifierType{
			{Value: "MALE", Label: "Male"},
			{Value: "FEMALE", Label: "Female"},
			{Value: "OTHER", Label: "Other"},
		},
	}

	r := gin.New()
	r.Use(s.intercept)
	api := r.Group("/api")
	api.GET("/patient", s.listPatients)
	api.POST("/patient", s.createPatient)
	api.GET("/patient/:id", s.getPatient)
	api.PUT("/patient/:id", s.updatePatient)
	api.DELETE("/patient/:id", s.deletePatient)
	api.GET("/patient/:id/identifier", s.listIdentifiers)
	api.POST("/patient/:id/identifier", s.addIdentifier)
	api.DELETE("/patient/:id/identifier/:identifierId", s.deleteIdentifier)
	api.GET("/enum/identifier-type", func(c *gin.Context) { c.JSON(http.StatusOK, s.idTypes) })
	api.GET("/enum/gender", func(c *gin.Context) { c.JSON(http.StatusOK, s.genders) })

	s.Server = httptest.NewServer(r)
	t.Cleanup(func() {
		s.releaseAll()
		s.Server.Close()
	})
	return s
}

// Seed stores records in order and returns their ids.
func (s *Server) Seed(recs ...patientapi.PatientRecord) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		s.patients[rec.ID] = rec
		s.order = append(s.order, rec.ID)
		ids = append(ids, rec.ID)
	}
	return ids
}

// SeedIdentifiers attaches identifiers to a patient, assigning ids when missing.
func (s *Server) SeedIdentifiers(patientID string, ids ...patientapi.Identifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id.ID == "" {
			id.ID = uuid.New().String()
		}
		s.identifiers[patientID] = append(s.identifiers[patientID], id)
	}
}

// SetIdentifierTypes replaces the identifier type catalog.
func (s *Server) SetIdentifierTypes(types ...patientapi.IdentifierType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idTypes = types
}

// Fail makes route answer status with message. times <= 0 fails forever.
func (s *Server) Fail(method, route string, status int, message string, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+route] = &failure{status: status, message: message, times: times}
}

// Block holds calls to route until the returned release func is called.
func (s *Server) Block(method, route string) (release func()) {
	g := &gate{ch: make(chan struct{})}
	s.mu.Lock()
	s.gates[method+" "+route] = g
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if s.gates[method+" "+route] == g {
			delete(s.gates, method+" "+route)
		}
		s.mu.Unlock()
		g.open()
	}
}

// Calls counts requests received for route, including failed ones.
func (s *Server) Calls(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+route]
}

// LastBody returns the raw JSON body of the last request to route.
func (s *Server) LastBody(method, route string) map[string]interface{} {
	s.mu.Lock()
	raw := s.bodies[method+" "+route]
	s.mu.Unlock()
	if raw == nil {
		return nil
	}
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func (s *Server) Patient(id string) (patientapi.PatientRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.patients[id]
	return rec, ok
}

func (s *Server) Identifiers(patientID string) []patientapi.Identifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]patientapi.Identifier(nil), s.identifiers[patientID]...)
}

func (s *Server) releaseAll() {
	s.mu.Lock()
	gates := s.gates
	s.gates = make(map[string]*gate)
	s.mu.Unlock()
	for _, g := range gates {
		g.open()
	}
}

func (s *Server) intercept(c *gin.Context) {
	key := c.Request.Method + " " + c.FullPath()

	var raw []byte
	if c.Request.Body != nil {
		raw, _ = io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(strings.NewReader(string(raw)))
	}

	s.mu.Lock()
	s.calls[key]++
	if len(raw) > 0 {
		s.bodies[key] = raw
	}
	g := s.gates[key]
	f := s.failures[key]
	if f != nil && f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(s.failures, key)
		}
	}
	secret := s.Secret
	s.mu.Unlock()

	if g != nil {
		select {
		case <-g.ch:
		case <-c.Request.Context().Done():
			c.Abort()
			return
		}
	}

	if secret != "" {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if _, err := auth.Validate(secret, token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid service token"})
			return
		}
	}

	if f != nil {
		if f.message == "" {
			c.AbortWithStatus(f.status)
			return
		}
		c.AbortWithStatusJSON(f.status, gin.H{"message": f.message})
		return
	}
	c.Next()
}

func (s *Server) listPatients(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 20
	}
	id := c.Query("id")
	name := strings.ToLower(c.Query("name"))

	s.mu.Lock()
	var matched []patientapi.PatientSummary
	for _, pid := range s.order {
		rec := s.patients[pid]
		switch {
		case id != "" && pid != id:
			continue
		case id == "" && name != "" &&
			!strings.Contains(strings.ToLower(rec.FirstName), name) &&
			!strings.Contains(strings.ToLower(rec.LastName), name):
			continue
		}
		sum := patientapi.PatientSummary{ID: pid, FirstName: rec.FirstName, LastName: rec.LastName}
		if rec.DOB != "" {
			dob := rec.DOB
			sum.DOB = &dob
		}
		matched = append(matched, sum)
	}
	s.mu.Unlock()

	total := len(matched)
	totalPages := (total + size - 1) / size
	from := page * size
	content := []patientapi.PatientSummary{}
	if from < total {
		to := from + size
		if to > total {
			to = total
		}
		content = matched[from:to]
	}

	c.JSON(http.StatusOK, patientapi.Page[patientapi.PatientSummary]{
		Content:       content,
		TotalPages:    totalPages,
		TotalElements: total,
		Size:          size,
		Number:        page,
		First:         page == 0,
		Last:          page >= totalPages-1,
	})
}

func (s *Server) createPatient(c *gin.Context) {
	var rec patientapi.PatientRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if strings.TrimSpace(rec.FirstName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "firstName must not be blank"})
		return
	}
	rec.ID = uuid.New().String()

	s.mu.Lock()
	s.patients[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	s.mu.Unlock()

	c.JSON(http.StatusCreated, rec)
}

func (s *Server) getPatient(c *gin.Context) {
	rec, ok := s.Patient(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Patient not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) updatePatient(c *gin.Context) {
	id := c.Param("id")
	var rec patientapi.PatientRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Patient not found"})
		return
	}
	rec.ID = id
	s.patients[id] = rec
	c.JSON(http.StatusOK, rec)
}

func (s *Server) deletePatient(c *gin.Context) {
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Patient not found"})
		return
	}
	delete(s.patients, id)
	delete(s.identifiers, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listIdentifiers(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.Patient(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Patient not found"})
		return
	}
	c.JSON(http.StatusOK, s.Identifiers(id))
}

func (s *Server) addIdentifier(c *gin.Context) {
	id := c.Param("id")
	var in patientapi.NewIdentifier
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "idType and idValue are required"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.patients[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "Patient not found"})
		return
	}
	for _, existing := range s.identifiers[id] {
		if existing.IDType == in.IDType && existing.IDValue == in.IDValue {
			c.JSON(http.StatusConflict, gin.H{"message": "Identifier already exists"})
			return
		}
	}
	out := patientapi.Identifier{ID: uuid.New().String(), IDType: in.IDType, IDValue: in.IDValue}
	s.identifiers[id] = append(s.identifiers[id], out)
	c.JSON(http.StatusCreated, out)
}

func (s *Server) deleteIdentifier(c *gin.Context) {
	id, identifierID := c.Param("id"), c.Param("identifierId")

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.identifiers[id]
	for i, existing := range list {
		if existing.ID == identifierID {
			s.identifiers[id] = append(list[:i:i], list[i+1:]...)
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"message": "Identifier not found"})
}
