package youtube

import (
	"errors"
	"net"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"uploadbot/internal/upload"
)

// Reasons that look like client errors but clear up later.
var retryableReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"uploadLimitExceeded":   true,
	"backendError":          true,
}

// classify marks a publish error as permanent or transient. Unknown errors
// stay unmarked and are treated as transient by the dispatcher.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		for _, item := range gerr.Errors {
			if retryableReasons[item.Reason] {
				return upload.Transient(err)
			}
		}
		switch {
		case gerr.Code == http.StatusTooManyRequests, gerr.Code == http.StatusRequestTimeout:
			return upload.Transient(err)
		case gerr.Code >= 500:
			return upload.Transient(err)
		case gerr.Code >= 400:
			return upload.Permanent(err)
		}
		return upload.Transient(err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		switch rerr.ErrorCode {
		case "invalid_grant", "invalid_client", "unauthorized_client":
			return upload.Permanent(err)
		}
		if rerr.Response != nil && rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 &&
			rerr.Response.StatusCode != http.StatusTooManyRequests {
			return upload.Permanent(err)
		}
		return upload.Transient(err)
	}

	if errors.Is(err, ErrUnknownChannel) {
		return upload.Permanent(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return upload.Transient(err)
	}
	return err
}
