package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// Response is the envelope of every /api/v1 answer
type Response struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data,omitempty"`
}

type Meta struct {
	Code      int           `json:"code"`
	Message   string        `json:"message"`
	RequestID string        `json:"request_id,omitempty"`
	Details   []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Path string `json:"path"`
	Info string `json:"info"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Meta: Meta{Code: status, Message: http.StatusText(status), RequestID: requestID(c)},
		Data: data,
	})
}

func success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, data)
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, Response{
		Meta: Meta{Code: status, Message: message, RequestID: requestID(c)},
	})
}

// badRequest expands validator errors into per-field details
func badRequest(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	details := make([]ErrorDetail, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, ErrorDetail{Path: fe.Field(), Info: validationMessage(fe)})
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, Response{
		Meta: Meta{
			Code:      http.StatusBadRequest,
			Message:   "Validation failed",
			RequestID: requestID(c),
			Details:   details,
		},
	})
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "required_with":
		return fe.Field() + " is required when " + fe.Param() + " is set"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "jobtype":
		return fe.Field() + " must be a known sync job type"
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
