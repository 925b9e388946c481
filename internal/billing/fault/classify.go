package fault

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Classify returns the kind err was tagged with. Nil and untagged errors are
// KindUnknown.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged != nil {
		return tagged.Kind
	}
	return KindUnknown
}

// Aborts reports whether a failure of this kind ends the run.
func Aborts(kind Kind) bool {
	return kind == KindCritical || kind == KindUnknown
}

// FromStore tags a storage driver error at the point it leaves the adapter.
func FromStore(op string, err error) error {
	if err == nil {
		return nil
	}
	return New(storeKind(err), op, err)
}

func storeKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrRecordNotFound) {
		return KindBusinessLogic
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014", "53300":
			return KindTransient
		case "23505":
			return KindBusinessLogic
		}
		if strings.HasPrefix(pgErr.Code, "08") {
			return KindTransient
		}
		return KindUnknown
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindUnknown
}
