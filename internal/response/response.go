package response

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/apperr"
)

// Response is the standardized API response envelope.
type Response struct {
	Data     interface{} `json:"data"`
	Error    *ErrorBody  `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// ErrorBody represents a structured error response.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata includes request tracing and timing.
type Metadata struct {
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// ────────────────────────────────────────────────────────────────────────────
// Helper builders
// ────────────────────────────────────────────────────────────────────────────

// Success sends a successful JSON response with the given status code and data.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Data:     data,
		Metadata: buildMetadata(c),
	})
}

// Fail sends an error response with an error code and no field-level details.
func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, Response{
		Data:     nil,
		Error:    &ErrorBody{Code: code, Message: GetMessage(code)},
		Metadata: buildMetadata(c),
	})
}

// FailWithFields sends an error response with field-level validation details.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, Response{
		Data:     nil,
		Error:    &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields},
		Metadata: buildMetadata(c),
	})
}

// AbortFail aborts the middleware chain and sends an error response.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, Response{
		Data:     nil,
		Error:    &ErrorBody{Code: code, Message: GetMessage(code)},
		Metadata: buildMetadata(c),
	})
}

// FromError sends the envelope for a classified service error. Unclassified
// errors become 500 INTERNAL_ERROR. It returns the status that was written.
func FromError(c *gin.Context, err error) int {
	status, code := Classify(err)
	Fail(c, status, code)
	return status
}

// Classify maps an error to its HTTP status and error code.
func Classify(err error) (int, ErrCode) {
	reason := apperr.ReasonOf(err)
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound, codeForReason(reason, ErrNotFound)
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized, codeForReason(reason, ErrTokenInvalid)
	case apperr.KindStateConflict:
		return http.StatusConflict, codeForReason(reason, ErrConflict)
	case apperr.KindValidation:
		return http.StatusBadRequest, codeForReason(reason, ErrValidation)
	case apperr.KindTransientDevice:
		return http.StatusServiceUnavailable, ErrDeviceUnavailable
	default:
		return http.StatusInternalServerError, ErrInternal
	}
}

var reasonCodes = map[apperr.Reason]ErrCode{
	apperr.ReasonStudentNotFound:  ErrStudentNotFound,
	apperr.ReasonExamNotFound:     ErrExamNotFound,
	apperr.ReasonAttemptNotFound:  ErrAttemptNotFound,
	apperr.ReasonQuestionNotFound: ErrQuestionNotFound,
	apperr.ReasonNoQuestions:      ErrNoQuestions,
	apperr.ReasonExamClosed:       ErrExamClosed,
	apperr.ReasonExamNotOpen:      ErrExamNotOpen,
	apperr.ReasonNotEnrolled:      ErrNotEnrolled,
	apperr.ReasonInvalidCode:      ErrInvalidCode,
	apperr.ReasonSessionExpired:   ErrSessionInvalidated,
	apperr.ReasonNotInProgress:    ErrNotInProgress,
	apperr.ReasonAlreadySubmitted: ErrAlreadySubmitted,
	apperr.ReasonConcurrentWrite:  ErrConcurrentWrite,
	apperr.ReasonEmptyBatch:       ErrEmptyBatch,
	apperr.ReasonInvalidOption:    ErrInvalidOption,
}

func codeForReason(reason apperr.Reason, fallback ErrCode) ErrCode {
	if code, ok := reasonCodes[reason]; ok {
		return code
	}
	return fallback
}

// ────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ────────────────────────────────────────────────────────────────────────────

func buildMetadata(c *gin.Context) Metadata {
	reqID, _ := c.Get(ContextKeyRequestID)
	id, ok := reqID.(string)
	if !ok || id == "" {
		id = uuid.New().String() // Fallback if middleware not applied
	}
	return Metadata{
		RequestID: id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
