package proxy

import (
	"context"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// parseBearerToken extracts the token from an "Authorization: Bearer <token>"
// header value, returning "" if the header is missing or malformed.
func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return ""
	}
	return token
}

// handleProviderError maps a terminal dispatch error to an HTTP response.
// Shared by Core.writeEngineError so both the candidate-pipeline and any
// future flat handler map errors through the same rules: a statusCoder
// (every errs.Error satisfies HTTPStatus()) has its status mapped by
// apierr.WriteProviderError (429 stays 429, any other status becomes
// 502), a context deadline becomes a gateway timeout, and anything
// else is a generic upstream failure.
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	type statusCoder interface{ HTTPStatus() int }

	if sc, ok := err.(statusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}
