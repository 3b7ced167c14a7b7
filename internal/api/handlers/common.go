package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/talkpipe/talkpipe/internal/utils"
)

type APIError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)

	var ae *utils.AppError
	if errors.As(err, &ae) {
		c.JSON(status, APIError{
			Code:    ae.Code,
			Message: ae.Message,
		})
		return
	}

	c.JSON(status, APIError{
		Code:    utils.CodeInternal,
		Message: http.StatusText(status),
	})
}

func apiErrorOf(err error) APIError {
	var ae *utils.AppError
	if errors.As(err, &ae) {
		return APIError{Code: ae.Code, Message: ae.Message}
	}
	return APIError{Code: utils.CodeInternal, Message: "internal error"}
}
