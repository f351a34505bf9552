package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"trs/src/common"
	"trs/src/db"
	"trs/src/types"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type TestSuite struct {
	suite.Suite
	DB   *gorm.DB
	Mock sqlmock.Sqlmock
}

func NewMockDB() (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		log.Fatalf("An error '%s' was not expected when opening a stub database connection", err)
	}

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	if err != nil {
		log.Fatalf("An error '%s' was not expected when opening gorm database", err)
	}

	return gormDB, mock
}

func (s *TestSuite) SetupSuite() {
	gin.SetMode(gin.TestMode)
	registerValidators()

	d, mock := NewMockDB()
	db.NewDB(d)
	s.DB = d
	s.Mock = mock
}

func (s *TestSuite) newRouter() *gin.Engine {
	engine := common.NewEngine(
		common.NewGormInventoryStore(s.DB),
		common.NewGormReservationStore(s.DB),
		nil,
	)
	return setupRouter(engine, nil)
}

func (s *TestSuite) TestHealthz() {
	router := s.newRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(s.T(), 200, w.Code)
	rbytes, err := io.ReadAll(w.Body)
	assert.Nil(s.T(), err)
	assert.Equal(s.T(), "ok", gjson.GetBytes(rbytes, "status").String())
}

func (s *TestSuite) TestCreateHoldValidation() {
	router := s.newRouter()

	cases := []struct {
		name string
		body string
	}{
		{"missing event", `{"customer": 2, "pool": "ga", "count": 1}`},
		{"missing customer", `{"event": 1, "pool": "ga", "count": 1}`},
		{"neither units nor count", `{"event": 1, "customer": 2}`},
		{"both units and count", `{"event": 1, "customer": 2, "units": ["1:a:r01:s001"], "pool": "ga", "count": 1}`},
		{"count without pool", `{"event": 1, "customer": 2, "count": 2}`},
		{"hold window too long", `{"event": 1, "customer": 2, "pool": "ga", "count": 1, "hold_minutes": 120}`},
		{"not json", `not json`},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("POST", "/api/v1/reservations", strings.NewReader(tc.body))
			router.ServeHTTP(w, req)

			assert.Equal(s.T(), 400, w.Code)
			rbytes, err := io.ReadAll(w.Body)
			assert.Nil(s.T(), err)
			assert.NotEmpty(s.T(), gjson.GetBytes(rbytes, "error").String())
		})
	}
}

func (s *TestSuite) TestReservationParamMustBeUUID() {
	router := s.newRouter()

	for _, target := range []string{
		"/api/v1/reservations/not-a-uuid",
		"/api/v1/reservations/not-a-uuid/confirm",
	} {
		w := httptest.NewRecorder()
		method := "GET"
		if strings.HasSuffix(target, "/confirm") {
			method = "PUT"
		}
		req, _ := http.NewRequest(method, target, nil)
		router.ServeHTTP(w, req)
		assert.Equal(s.T(), 400, w.Code, target)
	}
}

func (s *TestSuite) TestGetReservationNotFound() {
	router := s.newRouter()

	s.Mock.ExpectQuery(`SELECT (.+) FROM "reservations"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/reservations/11111111-1111-1111-1111-111111111111", nil)
	router.ServeHTTP(w, req)

	assert.Equal(s.T(), 404, w.Code)
	rbytes, err := io.ReadAll(w.Body)
	assert.Nil(s.T(), err)
	assert.Equal(s.T(), "reservation not found", gjson.GetBytes(rbytes, "error").String())
}

func (s *TestSuite) TestCancelRequiresActor() {
	router := s.newRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("PUT", "/api/v1/reservations/11111111-1111-1111-1111-111111111111/cancel",
		strings.NewReader(`{}`))
	router.ServeHTTP(w, req)

	assert.Equal(s.T(), 400, w.Code)
}

func (s *TestSuite) TestAdminValidation() {
	router := s.newRouter()

	cases := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"event missing title", "POST", "/api/v1/events", `{"name": "show", "date_time": "2026-09-01 20:00:00.000"}`},
		{"capacity bad event id", "POST", "/api/v1/events/abc/capacity", `{"pool": "ga", "slots": 5, "actor": 1}`},
		{"capacity missing actor", "POST", "/api/v1/events/1/capacity", `{"pool": "ga", "slots": 5}`},
		{"capacity over bound", "POST", "/api/v1/events/1/capacity", `{"pool": "ga", "slots": 20000, "actor": 1}`},
		{"role missing role", "PUT", "/api/v1/users/1/role", `{"actor": 1}`},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(tc.method, tc.target, strings.NewReader(tc.body))
			router.ServeHTTP(w, req)
			assert.Equal(s.T(), 400, w.Code)
		})
	}
}

func (s *TestSuite) TestUnitsXorCountValidator() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	assert.True(s.T(), ok)

	cases := []struct {
		name  string
		body  types.CreateHoldRequestBody
		valid bool
	}{
		{"units only", types.CreateHoldRequestBody{EventID: 1, CustomerID: 1, Units: []string{"1:a:r01:s001"}}, true},
		{"pool and count only", types.CreateHoldRequestBody{EventID: 1, CustomerID: 1, PoolID: "ga", Count: 2}, true},
		{"units and count", types.CreateHoldRequestBody{EventID: 1, CustomerID: 1, Units: []string{"x"}, PoolID: "ga", Count: 1}, false},
		{"neither", types.CreateHoldRequestBody{EventID: 1, CustomerID: 1}, false},
		{"count without pool", types.CreateHoldRequestBody{EventID: 1, CustomerID: 1, Count: 1}, false},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			err := v.Struct(tc.body)
			if tc.valid {
				assert.Nil(s.T(), err)
			} else {
				assert.NotNil(s.T(), err)
			}
		})
	}
}

func (s *TestSuite) TestStatusForDomainError() {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("unit x: %w", types.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("pool ga: %w", types.ErrInsufficientInventory), http.StatusConflict},
		{fmt.Errorf("reservation y: %w", types.ErrInvalidState), http.StatusConflict},
		{fmt.Errorf("reservation y: %w", types.ErrExpiredHold), http.StatusGone},
		{errors.New("boom"), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		assert.Equal(s.T(), tc.code, statusForDomainError(tc.err), tc.err.Error())
	}
}

func TestRunner(t *testing.T) {
	suite.Run(t, new(TestSuite))
}
