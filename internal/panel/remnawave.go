package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Remnawave — адаптер панели remnawave: токеновый API, api_url уже включает
// /api. Inbound задаётся UUID-ом, ссылку подписки панель выдаёт сама при
// создании пользователя.
type Remnawave struct {
	baseURL     string
	login       string
	password    string
	inboundUUID string
	http        *http.Client

	mu    sync.Mutex
	token string
}

func NewRemnawave(apiURL, login, password, inboundUUID string) *Remnawave {
	return &Remnawave{
		baseURL:     strings.TrimRight(apiURL, "/"),
		login:       login,
		password:    password,
		inboundUUID: inboundUUID,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

type rwUser struct {
	UUID              string   `json:"uuid,omitempty"`
	Username          string   `json:"username"`
	ExpireAt          string   `json:"expireAt"`
	TrafficLimitBytes int64    `json:"trafficLimitBytes,omitempty"`
	TelegramID        int64    `json:"telegramId,omitempty"`
	ActiveInbounds    []string `json:"activeUserInbounds,omitempty"`
	SubscriptionURL   string   `json:"subscriptionUrl,omitempty"`
	Status            string   `json:"status,omitempty"`
	UsedTrafficBytes  int64    `json:"usedTrafficBytes,omitempty"`
}

func (p *Remnawave) Login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	body, _ := json.Marshal(map[string]string{"username": p.login, "password": p.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return wrapErr(KindProtocol, "login", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return wrapErr(KindTransient, "login", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return newErr(KindAuthFailed, "login", fmt.Sprintf("status %d", resp.StatusCode))
	}
	var out struct {
		Response struct {
			AccessToken string `json:"accessToken"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return wrapErr(KindProtocol, "login", err)
	}
	if out.Response.AccessToken == "" {
		return newErr(KindProtocol, "login", "empty access token")
	}
	p.token = out.Response.AccessToken
	return nil
}

func (p *Remnawave) bearer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *Remnawave) call(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	token := p.bearer()
	if token == "" {
		return newErr(KindAuthFailed, op, "no token")
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return wrapErr(KindProtocol, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return wrapErr(KindProtocol, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return wrapErr(KindTransient, op, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return newErr(KindAuthFailed, op, fmt.Sprintf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return newErr(KindNotFound, op, "status 404")
	case resp.StatusCode == http.StatusConflict:
		return newErr(KindProtocol, op, "conflict")
	case resp.StatusCode >= 500:
		return newErr(KindTransient, op, fmt.Sprintf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return newErr(KindProtocol, op, fmt.Sprintf("status %d", resp.StatusCode))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return wrapErr(KindProtocol, op, err)
		}
	}
	return nil
}

// AddClient идемпотентен: конфликт по username переводится в PATCH
// существующего пользователя. Ссылка подписки из ответа кладётся в c.SubURL.
func (p *Remnawave) AddClient(ctx context.Context, c *Client) error {
	return withRetry(ctx, p, func() error {
		payload := rwUser{
			UUID:              c.ClientID,
			Username:          c.Email,
			ExpireAt:          time.UnixMilli(c.ExpiryMs).UTC().Format(time.RFC3339),
			TrafficLimitBytes: c.TotalGB,
			TelegramID:        c.TgID,
			ActiveInbounds:    []string{p.inboundUUID},
		}
		var out struct {
			Response rwUser `json:"response"`
		}
		err := p.call(ctx, "add_client", http.MethodPost, "/users", payload, &out)
		if err != nil {
			if pe, ok := err.(*Error); ok && pe.Kind == KindProtocol && pe.Msg == "conflict" {
				return p.updateUser(ctx, c)
			}
			return err
		}
		c.SubURL = out.Response.SubscriptionURL
		return nil
	})
}

func (p *Remnawave) updateUser(ctx context.Context, c *Client) error {
	payload := rwUser{
		UUID:              c.ClientID,
		Username:          c.Email,
		ExpireAt:          time.UnixMilli(c.ExpiryMs).UTC().Format(time.RFC3339),
		TrafficLimitBytes: c.TotalGB,
		ActiveInbounds:    []string{p.inboundUUID},
	}
	var out struct {
		Response rwUser `json:"response"`
	}
	if err := p.call(ctx, "update_client", http.MethodPatch, "/users", payload, &out); err != nil {
		return err
	}
	c.SubURL = out.Response.SubscriptionURL
	return nil
}

// ExtendClient ставит новый срок и сбрасывает счётчик трафика.
func (p *Remnawave) ExtendClient(ctx context.Context, clientID, email string, newExpiryMs int64) error {
	return withRetry(ctx, p, func() error {
		payload := rwUser{
			UUID:     clientID,
			Username: email,
			ExpireAt: time.UnixMilli(newExpiryMs).UTC().Format(time.RFC3339),
		}
		if err := p.call(ctx, "extend_client", http.MethodPatch, "/users", payload, nil); err != nil {
			return err
		}
		err := p.call(ctx, "reset_traffic", http.MethodPost, "/users/"+clientID+"/actions/reset-traffic", nil, nil)
		if IsKind(err, KindNotFound) {
			return nil
		}
		return err
	})
}

// DeleteClient идемпотентен: 404 — успех.
func (p *Remnawave) DeleteClient(ctx context.Context, clientID, email string) error {
	return withRetry(ctx, p, func() error {
		err := p.call(ctx, "delete_client", http.MethodDelete, "/users/"+clientID, nil, nil)
		if IsKind(err, KindNotFound) {
			return nil
		}
		return err
	})
}

func (p *Remnawave) ListOnline(ctx context.Context) ([]string, error) {
	var online []string
	err := withRetry(ctx, p, func() error {
		var out struct {
			Response []rwUser `json:"response"`
		}
		if err := p.call(ctx, "list_online", http.MethodGet, "/users/online", nil, &out); err != nil {
			return err
		}
		online = online[:0]
		for _, u := range out.Response {
			online = append(online, u.Username)
		}
		return nil
	})
	return online, err
}

func (p *Remnawave) GetTraffic(ctx context.Context, email string) (Traffic, error) {
	var t Traffic
	err := withRetry(ctx, p, func() error {
		var out struct {
			Response rwUser `json:"response"`
		}
		path := "/users/by-username/" + url.PathEscape(email)
		if err := p.call(ctx, "get_traffic", http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		t = Traffic{Down: out.Response.UsedTrafficBytes, Known: true}
		return nil
	})
	return t, err
}
