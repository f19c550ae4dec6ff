package engine

import (
	"errors"
	"fmt"
	"strings"

	"VPN-Cluster-bot/internal/cluster"
	"VPN-Cluster-bot/internal/db"
	"VPN-Cluster-bot/internal/panel"
)

// Ошибки уровня Engine. Чат-фронтенд никогда не видит сырые ошибки панелей —
// только исходы из Outcome.
var (
	ErrEmailCollision      = errors.New("email already taken")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrTemporaryOutage     = errors.New("temporary panel outage")
)

// PartialProvisionError — fan-out прошёл не на всех серверах.
// Compensated=true означает, что добавленные клиенты были сняты обратно.
type PartialProvisionError struct {
	Failed      []cluster.Result
	Compensated bool
}

func (e *PartialProvisionError) Error() string {
	var names []string
	for _, r := range e.Failed {
		names = append(names, r.Server)
	}
	return fmt.Sprintf("partial provision failure on servers: %s", strings.Join(names, ", "))
}

// CompensationError — компенсация после сбоя сама прошла не полностью;
// на части серверов остались клиенты, их снимет Reconciler.
type CompensationError struct {
	Leftover []cluster.Result
}

func (e *CompensationError) Error() string {
	var names []string
	for _, r := range e.Leftover {
		names = append(names, r.Server)
	}
	return fmt.Sprintf("compensation failed on servers: %s", strings.Join(names, ", "))
}

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTemporaryOutage
	OutcomeNotFound
	OutcomeConflict
	OutcomeInternal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTemporaryOutage:
		return "temporary_outage"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// OutcomeOf сводит ошибку операции к пользовательскому исходу.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrTemporaryOutage):
		return OutcomeTemporaryOutage
	case errors.Is(err, ErrUnknownSubscription), errors.Is(err, db.ErrClusterNotFound), errors.Is(err, db.ErrServerNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrEmailCollision), errors.Is(err, db.ErrNameTaken):
		return OutcomeConflict
	}
	if panel.IsKind(err, panel.KindTransient) {
		return OutcomeTemporaryOutage
	}
	return OutcomeInternal
}

// allTransient — все неуспехи fan-out носят временный характер.
func allTransient(failed []cluster.Result) bool {
	if len(failed) == 0 {
		return false
	}
	for _, r := range failed {
		if !panel.IsKind(r.Err, panel.KindTransient) && !r.Cancelled {
			return false
		}
	}
	return true
}
