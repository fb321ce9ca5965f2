package github

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"

	"github.com/chmdznr/ghsync/internal/errs"
)

// classify maps a go-github failure onto the errs taxonomy.
func classify(op string, resp *gogithub.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCanceled, op, err)
	}

	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		e := errs.New(errs.KindRateLimit, op, rateErr.Message).WithStatus(status(rateErr.Response))
		e.RetryAfter = time.Until(rateErr.Rate.Reset.Time)
		return e
	}
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		e := errs.New(errs.KindRateLimit, op, abuseErr.Message).WithStatus(status(abuseErr.Response))
		if abuseErr.RetryAfter != nil {
			e.RetryAfter = *abuseErr.RetryAfter
		}
		return e
	}

	var respErr *gogithub.ErrorResponse
	if errors.As(err, &respErr) {
		code := status(respErr.Response)
		msg := message(respErr)
		e := errs.New(kindForStatus(code, msg), op, msg).WithStatus(code)
		if resp != nil && resp.Response != nil && code == http.StatusTooManyRequests {
			if secs := resp.Header.Get("Retry-After"); secs != "" {
				if d, perr := time.ParseDuration(secs + "s"); perr == nil {
					e.RetryAfter = d
				}
			}
		}
		return e
	}

	if resp != nil && resp.Response != nil && resp.StatusCode >= 500 {
		return &errs.Error{Kind: errs.KindNetwork, Op: op, Status: resp.StatusCode, Err: err}
	}
	return &errs.Error{Kind: errs.KindNetwork, Op: op, Err: err}
}

func kindForStatus(code int, msg string) errs.Kind {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return errs.KindAuth
	case code == http.StatusNotFound:
		return errs.KindNotFound
	case code == http.StatusTooManyRequests:
		return errs.KindRateLimit
	case code == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "already exists"):
		return errs.KindAlreadyExists
	case code == http.StatusUnprocessableEntity, code == http.StatusBadRequest:
		return errs.KindValidation
	case code >= 500:
		return errs.KindNetwork
	}
	return errs.KindInternal
}

// message joins the top-level message with the per-field details GitHub
// sends on validation failures.
func message(e *gogithub.ErrorResponse) string {
	parts := []string{e.Message}
	for _, fe := range e.Errors {
		switch {
		case fe.Message != "":
			parts = append(parts, fe.Message)
		case fe.Field != "":
			parts = append(parts, fe.Field+" "+fe.Code)
		}
	}
	return strings.Join(parts, ": ")
}

func status(r *http.Response) int {
	if r == nil {
		return 0
	}
	return r.StatusCode
}

func isUnprocessable(err error) bool {
	var e *errs.Error
	return errors.As(err, &e) && e.Status == http.StatusUnprocessableEntity
}
