package panel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	TypeXUI       = "3x-ui"
	TypeRemnawave = "remnawave"

	// DefaultFlow — поток, с которым создаются все клиенты
	DefaultFlow = "xtls-rprx-vision"
)

type Kind int

const (
	KindAuthFailed Kind = iota
	KindTransient
	KindNotFound
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailed:
		return "auth_failed"
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	default:
		return "protocol"
	}
}

// Error — типизированная ошибка панели. Op — операция, в которой она возникла.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("panel %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("panel %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func wrapErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf извлекает вид ошибки; ok=false для ошибок не из панели.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Client — параметры клиента при создании/синхронизации.
type Client struct {
	ClientID string
	Email    string
	TgID     int64
	ExpiryMs int64
	LimitIP  int
	TotalGB  int64 // в байтах, 0 = безлимит
	Flow     string

	// SubURL заполняется адаптером remnawave из ответа панели — она выдаёт
	// ссылку подписки сама.
	SubURL string
}

// Traffic — счётчик с момента последнего сброса. Known=false — панель не ответила.
type Traffic struct {
	Up    int64
	Down  int64
	Known bool
}

// Adapter — общий набор возможностей одной панели. Login ленивый: адаптеры
// логинятся при первом запросе и повторно при протухании сессии.
type Adapter interface {
	Login(ctx context.Context) error
	AddClient(ctx context.Context, c *Client) error
	ExtendClient(ctx context.Context, clientID, email string, newExpiryMs int64) error
	DeleteClient(ctx context.Context, clientID, email string) error
	ListOnline(ctx context.Context) ([]string, error)
	GetTraffic(ctx context.Context, email string) (Traffic, error)
}

// Расписание повторов: Transient — экспоненциальная пауза от 500мс с
// удвоением, максимум 5 попыток, потолок 8с. AuthFailed — один re-login.
const retryTries = 5

var (
	retryBase = 500 * time.Millisecond
	retryCap  = 8 * time.Second
)

type reloginer interface {
	Login(ctx context.Context) error
}

func withRetry(ctx context.Context, a reloginer, fn func() error) error {
	relogged := false
	delay := retryBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		kind, ok := KindOf(err)
		if !ok {
			return err
		}
		switch kind {
		case KindAuthFailed:
			if relogged {
				return err
			}
			relogged = true
			if lerr := a.Login(ctx); lerr != nil {
				return lerr
			}
		case KindTransient:
			if attempt >= retryTries {
				return err
			}
			select {
			case <-ctx.Done():
				return wrapErr(KindTransient, "retry", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryCap {
				delay = retryCap
			}
		default:
			return err
		}
	}
}
