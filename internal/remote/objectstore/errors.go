package objectstore

import (
	"context"
	"errors"
	"net/http"

	"github.com/minio/minio-go/v7"

	"github.com/chmdznr/ghsync/internal/errs"
)

// classify maps a minio-go failure onto the errs taxonomy.
func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.KindCanceled, op, err)
	}

	resp := minio.ToErrorResponse(err)
	e := &errs.Error{Kind: kindFor(resp), Op: op, Status: resp.StatusCode, Err: err}
	if resp.Code != "" {
		e.Message = resp.Code + ": " + key
	}
	return e
}

func kindFor(resp minio.ErrorResponse) errs.Kind {
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NoSuchObject":
		return errs.KindNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return errs.KindAuth
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "RequestLimitExceeded":
		return errs.KindRateLimit
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return errs.KindAlreadyExists
	case "InvalidBucketName", "InvalidObjectName", "XMinioInvalidObjectName", "EntityTooLarge":
		return errs.KindValidation
	}
	switch {
	case resp.StatusCode == 0, resp.StatusCode >= 500:
		// no response at all is a transport failure
		return errs.KindNetwork
	case resp.StatusCode == http.StatusNotFound:
		return errs.KindNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errs.KindAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.KindRateLimit
	}
	return errs.KindInternal
}
