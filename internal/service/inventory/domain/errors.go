package domain

import "fulfillment/internal/pkg/apperrors"

var (
	ErrInvalidQuantity     = apperrors.New(apperrors.KindValidation, "quantity must be positive")
	ErrInvalidProduct      = apperrors.New(apperrors.KindValidation, "invalid product")
	ErrProductNotFound     = apperrors.New(apperrors.KindNotFound, "product not found")
	ErrReservationNotFound = apperrors.New(apperrors.KindNotFound, "reservation not found")
	ErrProductExists       = apperrors.New(apperrors.KindConflict, "product already exists")
	ErrProductDiscontinued = apperrors.New(apperrors.KindConflict, "product discontinued")
	ErrInsufficientStock   = apperrors.New(apperrors.KindConflict, "insufficient stock")
	ErrInvalidStatus       = apperrors.New(apperrors.KindConflict, "invalid reservation status")

	// ErrReservationExpired 是确认时才发现已过期的情况，errors.Is(err, ErrInvalidStatus) 同样成立。
	ErrReservationExpired = &apperrors.Error{Kind: apperrors.KindConflict, Msg: "reservation expired", Err: ErrInvalidStatus}

	// ErrReservationNotActive 是幂等 key 命中的预占已经释放或确认，重放不能再当作一次成功的预占。
	ErrReservationNotActive = &apperrors.Error{Kind: apperrors.KindConflict, Msg: "reservation for idempotency key is no longer active", Err: ErrInvalidStatus}
)
