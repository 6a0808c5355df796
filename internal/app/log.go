package app

import (
	"bingo-event-service/internal/domain"
	"go.uber.org/zap"
)

// logOutcome logs an operation result at a level matching its error class:
// expected player conditions at debug, state-machine violations at info,
// everything else at error.
func logOutcome(log *zap.Logger, op string, err error, fields ...zap.Field) {
	switch {
	case err == nil:
		log.Debug(op, fields...)
	case domain.IsUserFacing(err):
		log.Debug(op+" rejected", append(fields, zap.Error(err))...)
	case domain.IsStateViolation(err):
		log.Info(op+" refused", append(fields, zap.Error(err))...)
	default:
		log.Error(op+" failed", append(fields, zap.Error(err))...)
	}
}
