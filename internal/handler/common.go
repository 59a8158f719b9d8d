package handler

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/imignatov/reservation-disputes/internal/model"
)

// getCaller extracts the authenticated caller from the echo context.
// JWTAuth stores the raw claim values; the subject arrives as a JSON
// number (float64) or a string depending on how the identity service
// encoded it, so both are accepted. A missing or malformed subject is
// an error; the privilege is passed through as-is and validated by the
// service's authorization filter.
func getCaller(c echo.Context) (model.Caller, error) {
	var caller model.Caller
	switch t := c.Get("user_id").(type) {
	case uint64:
		caller.ID = t
	case int:
		caller.ID = uint64(t)
	case int64:
		caller.ID = uint64(t)
	case float64:
		caller.ID = uint64(t)
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return model.Caller{}, errors.New("invalid user_id in context")
		}
		caller.ID = n
	default:
		return model.Caller{}, errors.New("invalid user_id in context")
	}
	if caller.ID == 0 {
		return model.Caller{}, errors.New("invalid user_id in context")
	}
	privilege, ok := c.Get("privilege").(string)
	if !ok {
		return model.Caller{}, errors.New("invalid privilege in context")
	}
	caller.Privilege = privilege
	return caller, nil
}
