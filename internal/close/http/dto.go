package closehttp

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/close"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/platform/httpx"
)

const dateLayout = "2006-01-02"

type carryForwardRequest struct {
	OpeningExerciceID string `json:"openingExerciceId" validate:"required"`
	OpeningDate       string `json:"openingDate" validate:"omitempty,datetime=2006-01-02"`
	IncludeResult     bool   `json:"includeResult"`
	Mode              string `json:"mode" validate:"omitempty,oneof=manual proph3t"`
	// Allocation asks the result step to post the affectation as well.
	Allocation *close.AllocationInput `json:"allocation"`
}

type allocationRequest struct {
	ResultatNet           *money.Amount          `json:"resultatNet"`
	CapitalSocial         money.Amount           `json:"capitalSocial"`
	ReserveLegaleActuelle money.Amount           `json:"reserveLegaleActuelle"`
	Ventilation           allocation.Ventilation `json:"ventilation"`
	TargetExerciceID      string                 `json:"targetExerciceId"`
	Date                  string                 `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Mode                  string                 `json:"mode" validate:"omitempty,oneof=manual proph3t"`
}

type stepRequest struct {
	OpeningExerciceID string `json:"openingExerciceId"`
	Regenerate        bool   `json:"regenerate"`
	Mode              string `json:"mode" validate:"omitempty,oneof=manual proph3t"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError flattens validator errors into one message per field.
func validationError(err error) ([]string, error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return nil, err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: champ requis", fe.Field()))
		case "datetime":
			msgs = append(msgs, fmt.Sprintf("%s: date attendue au format AAAA-MM-JJ", fe.Field()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s: valeur parmi [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return msgs, httpx.Wrap(httpx.ErrValidation, errors.New("requête invalide"))
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseMode(s string) accounting.Mode {
	if s == "" {
		return accounting.ModeManual
	}
	return accounting.Mode(s)
}
