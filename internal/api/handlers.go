// Package api はジョブ操作の HTTP ハンドラーを提供します。
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aiworkflow/jobhub/internal/jobs"
)

// JobService は HTTP 層から呼び出すジョブ操作です。jobs.Manager が実装します。
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Submission, error)
	List(ctx context.Context, filter jobs.ListFilter) ([]jobs.Record, error)
	Cancel(ctx context.Context, id jobs.JobID) (jobs.CancelOutcome, error)
	Retry(ctx context.Context, id jobs.JobID) (*jobs.RetryOutcome, error)
	Subscribe(ctx context.Context, id jobs.JobID) (*jobs.Subscription, error)
	Unsubscribe(sub *jobs.Subscription)
}

type submitRequest struct {
	Type       jobs.Kind  `json:"type"`
	Brand      jobs.Brand `json:"brand"`
	Prompt     string     `json:"prompt"`
	WebhookURL string     `json:"webhookUrl"`
}

// SubmitHandler は POST /jobs のハンドラーを返します。
func SubmitHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body submitRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "Invalid input data",
				"details": []string{err.Error()},
			})
			return
		}

		req := jobs.SubmitRequest{
			Kind:       body.Type,
			Brand:      body.Brand,
			Prompt:     body.Prompt,
			WebhookURL: body.WebhookURL,
			ClientIP:   c.ClientIP(),
		}.Normalize()
		if details := req.Validate(); len(details) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "VALIDATION_ERROR",
				"message": "Invalid input data",
				"details": details,
			})
			return
		}

		submission, err := svc.Submit(c.Request.Context(), req)
		if err != nil {
			if errors.Is(err, jobs.ErrInvalidInput) {
				respondWithError(c, err)
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "SUBMISSION_ERROR",
				"message": "Failed to submit job",
			})
			return
		}
		c.JSON(http.StatusOK, submission)
	}
}

// ListHandler は GET /jobs のハンドラーを返します。
func ListHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := jobs.ListFilter{Brand: jobs.Brand(c.Query("brand"))}
		if raw := c.Query("includeCancelled"); raw != "" {
			include, err := strconv.ParseBool(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "VALIDATION_ERROR",
					"message": "includeCancelled must be a boolean",
				})
				return
			}
			filter.IncludeCancelled = include
		}

		records, err := svc.List(c.Request.Context(), filter)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

// CancelHandler は POST /jobs/:id/cancel のハンドラーを返します。
func CancelHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := jobIDParam(c)
		if !ok {
			return
		}

		outcome, err := svc.Cancel(c.Request.Context(), id)
		if err != nil {
			respondWithError(c, err)
			return
		}

		message := "Job cancelled successfully"
		switch outcome {
		case jobs.CancelRequested:
			message = "Job cancellation requested"
		case jobs.CancelAlreadyDone:
			message = "Job already cancelled"
		}
		c.JSON(http.StatusOK, gin.H{"message": message})
	}
}

// RetryHandler は POST /jobs/:id/retry のハンドラーを返します。
func RetryHandler(svc JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := jobIDParam(c)
		if !ok {
			return
		}

		outcome, err := svc.Retry(c.Request.Context(), id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Job retried successfully",
			"jobId":   outcome.JobID,
			"status":  outcome.Status,
		})
	}
}

// HealthHandler は GET /health のハンドラーを返します。ping が nil の場合はキューを確認しません。
func HealthHandler(version string, ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		code, status, queueStatus := http.StatusOK, "ok", "ok"
		if ping != nil {
			if err := ping(c.Request.Context()); err != nil {
				code, status, queueStatus = http.StatusServiceUnavailable, "degraded", "unavailable"
			}
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": "jobhub-api",
			"version": version,
			"queue":   queueStatus,
		})
	}
}

// NotFoundHandler は未定義ルートのハンドラーです。
func NotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    "ROUTE_NOT_FOUND",
		"message": "Route " + c.Request.Method + " " + c.Request.URL.Path + " not found",
	})
}

func jobIDParam(c *gin.Context) (jobs.JobID, bool) {
	id, err := jobs.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_JOB_ID",
			"message": "Job id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func respondWithError(c *gin.Context, err error) {
	var jobErr *jobs.Error
	switch {
	case errors.As(err, &jobErr):
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, jobs.ErrInvalidState):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"code":    jobErr.Code,
			"message": jobErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "Request was canceled",
		})
	default:
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "Internal server error",
		})
	}
}
