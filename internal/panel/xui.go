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

// XUI — адаптер панели 3x-ui: JSON API под {api_url}/panel/... с сессионной
// кукой. Inbound задаётся числовым id.
type XUI struct {
	baseURL   string
	username  string
	password  string
	inboundID int
	http      *http.Client

	mu     sync.Mutex
	cookie string
}

func NewXUI(apiURL, username, password string, inboundID int) *XUI {
	return &XUI{
		baseURL:   strings.TrimRight(apiURL, "/"),
		username:  username,
		password:  password,
		inboundID: inboundID,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

type xuiResp struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type xuiClient struct {
	ID         string `json:"id"`
	Flow       string `json:"flow"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId"`
	SubID      string `json:"subId"`
	Reset      int    `json:"reset"`
}

func (p *XUI) Login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	body, _ := json.Marshal(map[string]string{"username": p.username, "password": p.password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/login", bytes.NewReader(body))
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
	var lr xuiResp
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return wrapErr(KindProtocol, "login", err)
	}
	if !lr.Success {
		return newErr(KindAuthFailed, "login", lr.Msg)
	}
	for _, c := range resp.Header.Values("Set-Cookie") {
		if strings.Contains(c, "3x-ui=") || strings.Contains(c, "session=") {
			p.cookie = strings.Split(c, ";")[0]
			return nil
		}
	}
	return newErr(KindProtocol, "login", "session cookie not found")
}

func (p *XUI) sessionCookie() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cookie
}

// call выполняет один запрос к панели с классификацией ошибки по виду.
func (p *XUI) call(ctx context.Context, op, method, path string, payload interface{}) (*xuiResp, error) {
	cookie := p.sessionCookie()
	if cookie == "" {
		return nil, newErr(KindAuthFailed, op, "no session")
	}
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, wrapErr(KindProtocol, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, wrapErr(KindProtocol, op, err)
	}
	req.Header.Set("Cookie", cookie)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, wrapErr(KindTransient, op, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, newErr(KindAuthFailed, op, fmt.Sprintf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, newErr(KindNotFound, op, "status 404")
	case resp.StatusCode >= 500:
		return nil, newErr(KindTransient, op, fmt.Sprintf("status %d", resp.StatusCode))
	}
	// Протухшая сессия отдаёт редирект на HTML-страницу логина
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "text/html") {
		return nil, newErr(KindAuthFailed, op, "session expired")
	}
	var out xuiResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, wrapErr(KindProtocol, op, err)
	}
	return &out, nil
}

func classifyMsg(op, msg string) *Error {
	low := strings.ToLower(msg)
	switch {
	case strings.Contains(low, "not found") || strings.Contains(low, "no client"):
		return newErr(KindNotFound, op, msg)
	case strings.Contains(low, "login") || strings.Contains(low, "session"):
		return newErr(KindAuthFailed, op, msg)
	}
	return newErr(KindProtocol, op, msg)
}

// AddClient идемпотентен: существующий клиент с тем же id/email обновляется
// на месте через updateClient.
func (p *XUI) AddClient(ctx context.Context, c *Client) error {
	return withRetry(ctx, p, func() error {
		settings, _ := json.Marshal(map[string]interface{}{
			"clients": []xuiClient{p.toXUIClient(c)},
		})
		payload := map[string]interface{}{"id": p.inboundID, "settings": string(settings)}
		resp, err := p.call(ctx, "add_client", http.MethodPost, "/panel/api/inbounds/addClient", payload)
		if err != nil {
			return err
		}
		if resp.Success {
			return nil
		}
		if strings.Contains(strings.ToLower(resp.Msg), "exist") || strings.Contains(strings.ToLower(resp.Msg), "duplicate") {
			return p.pushClient(ctx, p.toXUIClient(c))
		}
		return classifyMsg("add_client", resp.Msg)
	})
}

func (p *XUI) pushClient(ctx context.Context, xc xuiClient) error {
	settings, _ := json.Marshal(map[string]interface{}{
		"clients": []xuiClient{xc},
	})
	payload := map[string]interface{}{"id": p.inboundID, "settings": string(settings)}
	resp, err := p.call(ctx, "update_client", http.MethodPost, "/panel/api/inbounds/updateClient/"+xc.ID, payload)
	if err != nil {
		return err
	}
	if !resp.Success {
		return classifyMsg("update_client", resp.Msg)
	}
	return nil
}

// ExtendClient ставит новый срок и сбрасывает накопленный трафик. Клиент
// читается из inbound перед записью: лимит трафика и привязка tgId при
// продлении не меняются.
func (p *XUI) ExtendClient(ctx context.Context, clientID, email string, newExpiryMs int64) error {
	return withRetry(ctx, p, func() error {
		clients, err := p.inboundClients(ctx)
		if err != nil {
			return err
		}
		var cur *xuiClient
		for i := range clients {
			if clients[i].ID == clientID {
				cur = &clients[i]
				break
			}
		}
		if cur == nil {
			return newErr(KindNotFound, "extend_client", "client "+email+" not in inbound")
		}
		xc := *cur
		xc.ExpiryTime = newExpiryMs
		xc.Enable = true
		if err := p.pushClient(ctx, xc); err != nil {
			return err
		}
		path := fmt.Sprintf("/panel/api/inbounds/%d/resetClientTraffic/%s", p.inboundID, url.PathEscape(email))
		resp, err := p.call(ctx, "reset_traffic", http.MethodPost, path, nil)
		if err != nil {
			if IsKind(err, KindNotFound) {
				return nil
			}
			return err
		}
		if !resp.Success {
			e := classifyMsg("reset_traffic", resp.Msg)
			if e.Kind == KindNotFound {
				return nil
			}
			return e
		}
		return nil
	})
}

// DeleteClient идемпотентен: отсутствие клиента — успех.
func (p *XUI) DeleteClient(ctx context.Context, clientID, email string) error {
	return withRetry(ctx, p, func() error {
		path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", p.inboundID, clientID)
		resp, err := p.call(ctx, "delete_client", http.MethodPost, path, nil)
		if err != nil {
			if IsKind(err, KindNotFound) {
				return nil
			}
			return err
		}
		if !resp.Success {
			e := classifyMsg("delete_client", resp.Msg)
			if e.Kind == KindNotFound {
				return nil
			}
			return e
		}
		return nil
	})
}

// ListOnline возвращает email-ы клиентов в сети, отфильтрованные по нашему
// inbound: панель отдаёт онлайн всей ноды.
func (p *XUI) ListOnline(ctx context.Context) ([]string, error) {
	var online []string
	err := withRetry(ctx, p, func() error {
		resp, err := p.call(ctx, "list_online", http.MethodPost, "/panel/api/inbounds/onlines", nil)
		if err != nil {
			return err
		}
		if !resp.Success {
			return classifyMsg("list_online", resp.Msg)
		}
		var all []string
		if len(resp.Obj) > 0 {
			if err := json.Unmarshal(resp.Obj, &all); err != nil {
				return wrapErr(KindProtocol, "list_online", err)
			}
		}
		ours, err := p.inboundEmails(ctx)
		if err != nil {
			return err
		}
		online = online[:0]
		for _, email := range all {
			if _, ok := ours[email]; ok {
				online = append(online, email)
			}
		}
		return nil
	})
	return online, err
}

// inboundClients возвращает текущее состояние клиентов нашего inbound.
func (p *XUI) inboundClients(ctx context.Context) ([]xuiClient, error) {
	resp, err := p.call(ctx, "get_inbound", http.MethodGet, fmt.Sprintf("/panel/api/inbounds/get/%d", p.inboundID), nil)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, classifyMsg("get_inbound", resp.Msg)
	}
	var obj struct {
		Settings string `json:"settings"`
	}
	if err := json.Unmarshal(resp.Obj, &obj); err != nil {
		return nil, wrapErr(KindProtocol, "get_inbound", err)
	}
	var settings struct {
		Clients []xuiClient `json:"clients"`
	}
	if err := json.Unmarshal([]byte(obj.Settings), &settings); err != nil {
		return nil, wrapErr(KindProtocol, "get_inbound", err)
	}
	return settings.Clients, nil
}

func (p *XUI) inboundEmails(ctx context.Context) (map[string]struct{}, error) {
	clients, err := p.inboundClients(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(clients))
	for _, c := range clients {
		out[c.Email] = struct{}{}
	}
	return out, nil
}

func (p *XUI) GetTraffic(ctx context.Context, email string) (Traffic, error) {
	var t Traffic
	err := withRetry(ctx, p, func() error {
		path := "/panel/api/inbounds/getClientTraffics/" + url.PathEscape(email)
		resp, err := p.call(ctx, "get_traffic", http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if !resp.Success {
			return classifyMsg("get_traffic", resp.Msg)
		}
		var obj struct {
			Up   int64 `json:"up"`
			Down int64 `json:"down"`
		}
		if err := json.Unmarshal(resp.Obj, &obj); err != nil {
			return wrapErr(KindProtocol, "get_traffic", err)
		}
		t = Traffic{Up: obj.Up, Down: obj.Down, Known: true}
		return nil
	})
	return t, err
}

func (p *XUI) toXUIClient(c *Client) xuiClient {
	flow := c.Flow
	if flow == "" {
		flow = DefaultFlow
	}
	limitIP := c.LimitIP
	if limitIP == 0 {
		limitIP = 1
	}
	return xuiClient{
		ID:         c.ClientID,
		Flow:       flow,
		Email:      c.Email,
		LimitIP:    limitIP,
		TotalGB:    c.TotalGB,
		ExpiryTime: c.ExpiryMs,
		Enable:     true,
		TgID:       c.TgID,
		SubID:      c.Email,
	}
}
