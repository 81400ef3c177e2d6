package tandem

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"TandemSync/internal/apperr"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
)

// session 认证后得到的会话信息
type session struct {
	accessToken string
	pumperID    string
	accountID   string
	deviceID    string
}

type tokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
}

type pumpMetadata struct {
	SerialNumber     string      `json:"serialNumber"`
	TconnectDeviceID interface{} `json:"tconnectDeviceId"`
}

// Authenticate 登录 → OIDC(PKCE) 换取 token → 解析 pumperId → 匹配泵序列号得到 deviceId
func (a *Adapter) Authenticate(ctx context.Context) error {
	if err := a.cfg.RequireCredentials(); err != nil {
		return apperr.Wrap(err, apperr.KindFatal, apperr.ErrAuthFailed.Code, apperr.ErrAuthFailed.Message)
	}
	a.logger.Info("登录 Tandem Source...")
	if err := a.login(ctx); err != nil {
		return err
	}

	tokens, err := a.oidcTokens(ctx)
	if err != nil {
		return err
	}
	s := &session{accessToken: tokens.AccessToken}
	s.pumperID, s.accountID, err = pumperClaims(tokens.IDToken)
	if err != nil {
		return err
	}

	s.deviceID, err = a.loadDeviceID(ctx, s)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
	a.logger.WithField("pumper_id", s.pumperID).Info("Tandem Source 认证成功")
	return nil
}

func (a *Adapter) login(ctx context.Context) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Referer", loginPageURL).
		SetBody(map[string]string{"username": a.cfg.Email, "password": a.cfg.Password}).
		Post(a.cfg.LoginURL)
	if err != nil {
		return apperr.FromTransport(err)
	}
	return loginStatus(resp)
}

func loginStatus(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 500 || code == http.StatusTooManyRequests {
		return apperr.FromHTTPStatus(code, resp.Request.URL)
	}
	if code >= 400 {
		return apperr.Wrap(fmt.Errorf("login status %d", code), apperr.KindFatal, apperr.ErrAuthFailed.Code, "Tandem Source 登录被拒绝")
	}
	return nil
}

func (a *Adapter) oidcTokens(ctx context.Context) (*tokenResponse, error) {
	verifier, err := codeVerifier()
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("client_id", a.cfg.ClientID)
	params.Set("response_type", "code")
	params.Set("scope", "openid profile email")
	params.Set("redirect_uri", a.cfg.Redirect)
	params.Set("code_challenge", codeChallenge(verifier))
	params.Set("code_challenge_method", "S256")

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Referer", loginPageURL).
		Get(a.cfg.AuthURL + "?" + params.Encode())
	if err != nil {
		return nil, apperr.FromTransport(err)
	}
	if e := apperr.FromHTTPStatus(resp.StatusCode(), a.cfg.AuthURL); e != nil {
		return nil, e
	}
	code := callbackCode(resp)
	if code == "" {
		return nil, apperr.New(apperr.KindFatal, apperr.ErrAuthFailed.Code, "授权回调中没有 code")
	}

	var tokens tokenResponse
	resp, err = a.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "authorization_code",
			"client_id":     a.cfg.ClientID,
			"code":          code,
			"redirect_uri":  a.cfg.Redirect,
			"code_verifier": verifier,
		}).
		SetResult(&tokens).
		Post(a.cfg.TokenURL)
	if err != nil {
		return nil, apperr.FromTransport(err)
	}
	if e := apperr.FromHTTPStatus(resp.StatusCode(), a.cfg.TokenURL); e != nil {
		return nil, e
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" {
		return nil, apperr.New(apperr.KindFatal, apperr.ErrAuthFailed.Code, "token 响应缺少 id_token/access_token")
	}
	return &tokens, nil
}

// callbackCode 授权重定向停在回调地址：优先取 Location，其次取最终请求 URL
func callbackCode(resp *resty.Response) string {
	if loc := resp.Header().Get("Location"); loc != "" {
		if u, err := url.Parse(loc); err == nil {
			if c := u.Query().Get("code"); c != "" {
				return c
			}
		}
	}
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		return resp.RawResponse.Request.URL.Query().Get("code")
	}
	return ""
}

// pumperClaims id_token 由 token 端点经 TLS 直接返回，只读取声明不校验签名
func pumperClaims(idToken string) (string, string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", "", apperr.Wrap(err, apperr.KindFatal, apperr.ErrAuthFailed.Code, "id_token 解析失败")
	}
	pumper := claimString(claims["pumperId"])
	if pumper == "" {
		return "", "", apperr.New(apperr.KindFatal, apperr.ErrAuthFailed.Code, "id_token 缺少 pumperId")
	}
	return pumper, claimString(claims["accountId"]), nil
}

func claimString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	default:
		return fmt.Sprint(x)
	}
}

func (a *Adapter) loadDeviceID(ctx context.Context, s *session) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", apperr.FromTransport(err)
	}
	var meta []pumpMetadata
	u := fmt.Sprintf("%s/api/reports/reportsfacade/%s/pumpeventmetadata", a.cfg.SourceURL, s.pumperID)
	resp, err := a.authed(ctx, s).SetResult(&meta).Get(u)
	if err != nil {
		return "", apperr.FromTransport(err)
	}
	if e := apperr.FromHTTPStatus(resp.StatusCode(), u); e != nil {
		return "", e
	}

	var matched []pumpMetadata
	for _, m := range meta {
		if a.cfg.SerialNumber == "" || m.SerialNumber == a.cfg.SerialNumber {
			matched = append(matched, m)
		}
	}
	if len(matched) == 0 {
		return "", apperr.New(apperr.KindFatal, apperr.ErrAuthFailed.Code,
			fmt.Sprintf("账户下没有序列号为 %q 的泵", a.cfg.SerialNumber))
	}
	if len(matched) > 1 {
		a.logger.WithField("serial_number", a.cfg.SerialNumber).Warn("匹配到多台泵，使用第一台")
	}
	return claimString(matched[0].TconnectDeviceID), nil
}

func codeVerifier() (string, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("生成 code_verifier 失败: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// stopAtCallback 重定向到回调地址时停止跟随，code 留在 Location 中
func stopAtCallback(callback string) resty.RedirectPolicy {
	return resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		if callback != "" && strings.HasPrefix(req.URL.String(), callback) {
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return fmt.Errorf("重定向次数过多")
		}
		return nil
	})
}
