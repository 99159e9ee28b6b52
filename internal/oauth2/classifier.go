package oauth2

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultRetryAfter is used for rate limited responses that carry no usable hint.
const DefaultRetryAfter = 60 * time.Second

var codeKinds = map[string]Kind{
	"invalid_grant":              KindInvalidRefreshToken,
	"access_denied":              KindAccessRevoked,
	"revoked_token":              KindAccessRevoked,
	"invalid_scope":              KindScope,
	"insufficient_scope":         KindScope,
	"invalid_client":             KindConfiguration,
	"unauthorized_client":        KindConfiguration,
	"unsupported_grant_type":     KindConfiguration,
	"invalid_token":              KindInvalidAccessToken,
	"expired_token":              KindInvalidAccessToken,
	"invalidauthenticationtoken": KindInvalidAccessToken,
	"account_disabled":           KindAccountDisabled,
	"user_disabled":              KindAccountDisabled,
}

// Classifier maps provider responses and transport failures onto Kind.
// It is pure apart from reading the clock for HTTP-date and epoch Retry-After values.
type Classifier struct {
	now               func() time.Time
	defaultRetryAfter time.Duration
}

// NewClassifier creates a classifier using the wall clock.
func NewClassifier() *Classifier {
	return &Classifier{now: time.Now, defaultRetryAfter: DefaultRetryAfter}
}

var defaultClassifier = NewClassifier()

// ClassifyHTTP classifies an error response using the package default classifier.
func ClassifyHTTP(status int, body []byte, header http.Header) *ClassifiedError {
	return defaultClassifier.ClassifyHTTP(status, body, header)
}

// ClassifyTransport classifies a failure that happened before a response was received.
func ClassifyTransport(err error) *ClassifiedError {
	return defaultClassifier.ClassifyTransport(err)
}

type providerBody struct {
	code        string
	description string
}

// ClassifyHTTP maps an HTTP status plus optional body and headers to a ClassifiedError.
// The status decides the base kind, a recognised OAuth error code may refine it,
// and rate limits always stay rate limits.
func (c *Classifier) ClassifyHTTP(status int, body []byte, header http.Header) *ClassifiedError {
	kind := kindForStatus(status)
	parsed := parseProviderBody(body)

	if kind != KindRateLimit {
		if refined, ok := kindForCode(parsed); ok {
			kind = refined
		}
	}

	message := parsed.description
	if message == "" {
		message = http.StatusText(status)
	}
	if message == "" {
		message = "provider returned status " + strconv.Itoa(status)
	}

	ce := &ClassifiedError{
		Kind:        kind,
		Message:     message,
		Code:        parsed.code,
		Description: parsed.description,
		StatusCode:  status,
		Body:        truncate(string(body), 2048),
	}

	if kind == KindRateLimit || status == http.StatusServiceUnavailable {
		ce.RetryAfter = c.retryAfter(header, kind == KindRateLimit)
	}

	return ce
}

// ClassifyTransport maps connection, DNS, TLS and timeout failures to KindNetwork.
// Errors that are already classified are returned unchanged.
func (c *Classifier) ClassifyTransport(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := AsClassified(err); ok {
		return ce
	}

	message := "request failed"
	var netErr net.Error
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var urlErr *url.Error

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		message = "request timed out"
	case stderrors.Is(err, context.Canceled):
		message = "request cancelled"
	case stderrors.As(err, &dnsErr):
		message = "dns lookup failed"
	case stderrors.As(err, &netErr) && netErr.Timeout():
		message = "request timed out"
	case stderrors.As(err, &opErr):
		message = "connection failed"
	case stderrors.As(err, &urlErr):
		message = "request to " + urlErr.URL + " failed"
	}

	return newClassified(KindNetwork, message, err)
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindToken
	case status == http.StatusUnauthorized:
		return KindInvalidAccessToken
	case status == http.StatusForbidden:
		return KindAccessRevoked
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500 && status <= 599:
		return KindServer
	default:
		return KindAuthentication
	}
}

func kindForCode(body providerBody) (Kind, bool) {
	if strings.Contains(body.description, "AADSTS50057") {
		return KindAccountDisabled, true
	}
	if body.code == "" {
		return 0, false
	}
	kind, ok := codeKinds[strings.ToLower(body.code)]
	return kind, ok
}

// parseProviderBody understands flat OAuth JSON, Graph style nested errors and
// form encoded bodies. Anything else yields an empty result.
func parseProviderBody(body []byte) providerBody {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return providerBody{}
	}

	if strings.HasPrefix(trimmed, "{") {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return providerBody{}
		}

		var result providerBody
		if errField, ok := raw["error"]; ok {
			var code string
			if json.Unmarshal(errField, &code) == nil {
				result.code = code
			} else {
				var nested struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				if json.Unmarshal(errField, &nested) == nil {
					result.code = nested.Code
					result.description = nested.Message
				}
			}
		}
		if desc, ok := raw["error_description"]; ok {
			var s string
			if json.Unmarshal(desc, &s) == nil {
				result.description = s
			}
		}
		return result
	}

	values, err := url.ParseQuery(trimmed)
	if err != nil || values.Get("error") == "" {
		return providerBody{}
	}
	return providerBody{code: values.Get("error"), description: values.Get("error_description")}
}

// retryAfter reads Retry-After, then the RateLimit-Reset family. When fallback is
// set and no header is usable the default wait is returned.
func (c *Classifier) retryAfter(header http.Header, fallback bool) time.Duration {
	if header != nil {
		if v := strings.TrimSpace(header.Get("Retry-After")); v != "" {
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return clampWait(time.Duration(secs * float64(time.Second)))
			}
			if at, err := http.ParseTime(v); err == nil {
				return clampWait(at.Sub(c.now()))
			}
		}

		for _, name := range []string{"RateLimit-Reset", "X-RateLimit-Reset"} {
			v := strings.TrimSpace(header.Get(name))
			if v == "" {
				continue
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				continue
			}
			if n > 1_000_000_000 {
				return clampWait(time.Unix(n, 0).Sub(c.now()))
			}
			return clampWait(time.Duration(n) * time.Second)
		}
	}

	if fallback {
		return c.defaultRetryAfter
	}
	return 0
}

func clampWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
