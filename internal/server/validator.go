package server

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// CustomValidator implements Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewCustomValidator creates a validator that reports fields by their JSON names.
func NewCustomValidator() *CustomValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &CustomValidator{validator: v}
}

// Validate validates the request body.
func (cv *CustomValidator) Validate(i interface{}) error {
	err := cv.validator.Struct(i)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s is too long", fe.Field()))
		}
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s is invalid", fe.Field()))
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}
