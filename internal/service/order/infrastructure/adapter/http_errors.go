package adapter

import (
	"context"
	"errors"
	"net/http"

	"fulfillment/internal/pkg/apperrors"
	"fulfillment/internal/pkg/httpclient"
)

// classify 把 HTTP 调用错误映射到错误分类：网络错误、超时和 5xx 可重试，4xx 按语义直接返回。
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return apperrors.Wrap(apperrors.KindNotFound, err, msg)
		case statusErr.StatusCode == http.StatusConflict:
			return apperrors.Wrap(apperrors.KindConflict, err, msg)
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= 500:
			return apperrors.Wrap(apperrors.KindProvider, err, msg)
		default:
			return apperrors.Wrap(apperrors.KindValidation, err, msg)
		}
	}
	return apperrors.Wrap(apperrors.KindProvider, err, msg)
}

func isNotFound(err error) bool {
	var statusErr *httpclient.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}
