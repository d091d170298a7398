package api

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// TaskRequest is the body of task create and update requests. Only the
// shape is checked; an empty title is stored as is.
type TaskRequest struct {
	Title       string `json:"title" validate:"max=200"`
	Description string `json:"description" validate:"max=2000"`
	Status      string `json:"status" validate:"omitempty,oneof=Todo InProgress Done"`
}

type requestValidator struct {
	v *validator.Validate
}

// NewValidator reports struct validation failures as 400 errors naming the
// JSON fields at fault.
func NewValidator() echo.Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (r *requestValidator) Validate(i any) error {
	err := r.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Field()+" failed "+fe.Tag())
	}
	return echo.NewHTTPError(http.StatusBadRequest, strings.Join(msgs, "; "))
}
