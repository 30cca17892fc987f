package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"fieldbook/internal/models"

	"github.com/go-playground/validator/v10"
)

type createFieldRequest struct {
	FieldID      string `json:"fieldId" validate:"omitempty,max=64,excludesall=/|"`
	Name         string `json:"name" validate:"required,max=200"`
	Location     string `json:"location" validate:"max=500"`
	PricePerHour *int64 `json:"pricePerHour" validate:"required,gte=0"`
}

// parseFieldFilter reads ?location=&maxPrice= (minor units).
func parseFieldFilter(q url.Values) (models.FieldFilter, error) {
	filter := models.FieldFilter{Location: strings.TrimSpace(q.Get("location"))}
	if raw := strings.TrimSpace(q.Get("maxPrice")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return filter, &requestError{Errors: []fieldError{{Field: "maxPrice", Message: "must be a non-negative integer"}}}
		}
		maxPrice := models.Money(v)
		filter.MaxPrice = &maxPrice
	}
	return filter, nil
}

type updatePriceRequest struct {
	PricePerHour *int64 `json:"pricePerHour" validate:"required,gte=0"`
}

type declareAvailabilityRequest struct {
	Dates []string `json:"dates" validate:"required,min=1,max=366,dive,datetime=2006-01-02"`
	Start string   `json:"start" validate:"required"`
	End   string   `json:"end" validate:"required"`
}

type bookingRequestBody struct {
	Date  string `json:"date" validate:"required,datetime=2006-01-02"`
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type requestError struct {
	Errors []fieldError
}

func (e *requestError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

const maxBodyBytes = 1 << 20

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
func decodeAndValidate(v *validator.Validate, r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return &requestError{Errors: []fieldError{{Field: "body", Message: "invalid JSON body"}}}
	}

	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		out := &requestError{}
		for _, fe := range verrs {
			out.Errors = append(out.Errors, fieldError{Field: fe.Field(), Message: validationMessage(fe)})
		}
		return out
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must have at least " + fe.Param()
	case "excludesall":
		return "must not contain " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names instead of Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func parseRange(start, end string) (models.TimeRange, error) {
	s, err := models.ParseTimeMark(start)
	if err != nil {
		return models.TimeRange{}, &requestError{Errors: []fieldError{{Field: "start", Message: err.Error()}}}
	}
	e, err := models.ParseTimeMark(end)
	if err != nil {
		return models.TimeRange{}, &requestError{Errors: []fieldError{{Field: "end", Message: err.Error()}}}
	}
	return models.TimeRange{Start: s, End: e}, nil
}
