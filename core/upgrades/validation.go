package upgrades

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"upgrade-orchestrator/core/apperrors"
	"upgrade-orchestrator/core/models"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100

	// MaxPage keeps (page-1)*limit within int
	MaxPage = math.MaxInt / MaxLimit
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("ecosystem", func(fl validator.FieldLevel) bool {
		return models.Ecosystem(fl.Field().String()).Valid()
	})
}

// CreateRequest is the intake payload
type CreateRequest struct {
	Repository     string                 `json:"repository" validate:"required"`
	Ecosystem      string                 `json:"ecosystem" validate:"required,ecosystem"`
	PackageName    string                 `json:"packageName" validate:"required"`
	CurrentVersion string                 `json:"currentVersion" validate:"required"`
	TargetVersion  string                 `json:"targetVersion" validate:"required"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Normalize trims surrounding whitespace from every string field
func (r *CreateRequest) Normalize() {
	r.Repository = strings.TrimSpace(r.Repository)
	r.Ecosystem = strings.TrimSpace(r.Ecosystem)
	r.PackageName = strings.TrimSpace(r.PackageName)
	r.CurrentVersion = strings.TrimSpace(r.CurrentVersion)
	r.TargetVersion = strings.TrimSpace(r.TargetVersion)
}

// Validate returns a validation error listing every bad field, or nil
func (r *CreateRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Internal("failed to validate request", err)
	}

	fields := make([]apperrors.FieldViolation, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperrors.FieldViolation{
			Field:   fe.Field(),
			Message: violationMessage(fe),
		})
	}
	return apperrors.Validation(fields)
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "ecosystem":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), ecosystemList())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func ecosystemList() string {
	names := make([]string, len(models.AllEcosystems))
	for i, e := range models.AllEcosystems {
		names[i] = string(e)
	}
	return strings.Join(names, ", ")
}

// ListQuery selects a page of upgrades
type ListQuery struct {
	Page      int
	Limit     int
	Status    *models.UpgradeStatus
	Ecosystem *models.Ecosystem
}

// ParseListQuery reads page, limit, status and ecosystem from query
// parameters. Missing values take defaults; a limit above MaxLimit is
// clamped.
func ParseListQuery(values url.Values) (ListQuery, error) {
	q := ListQuery{Page: DefaultPage, Limit: DefaultLimit}
	var fields []apperrors.FieldViolation

	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case err != nil || n < 1:
			fields = append(fields, apperrors.FieldViolation{Field: "page", Message: "page must be a positive integer"})
		case n > MaxPage:
			fields = append(fields, apperrors.FieldViolation{Field: "page", Message: fmt.Sprintf("page must be at most %d", MaxPage)})
		default:
			q.Page = n
		}
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			fields = append(fields, apperrors.FieldViolation{Field: "limit", Message: "limit must be a positive integer"})
		} else {
			q.Limit = n
		}
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}

	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		s := models.UpgradeStatus(raw)
		if !s.Valid() {
			fields = append(fields, apperrors.FieldViolation{Field: "status", Message: "status must be one of: pending, processing, completed, failed"})
		} else {
			q.Status = &s
		}
	}

	if raw := strings.TrimSpace(values.Get("ecosystem")); raw != "" {
		e := models.Ecosystem(raw)
		if !e.Valid() {
			fields = append(fields, apperrors.FieldViolation{Field: "ecosystem", Message: "ecosystem must be one of: " + ecosystemList()})
		} else {
			q.Ecosystem = &e
		}
	}

	if len(fields) > 0 {
		return q, apperrors.Validation(fields)
	}
	return q, nil
}

// Offset is (page-1)*limit
func (q ListQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}
