package tandem

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"TandemSync/internal/adapter"
	"TandemSync/internal/apperr"
	"TandemSync/internal/config"
	"TandemSync/internal/interfaces"
	"TandemSync/internal/model"
	"TandemSync/internal/utils/httpclient"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	SourceName   = "tandem"
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/102.0.5005.124 Safari/537.36 Edg/102.0.1245.44"
	loginPageURL = "https://sso.tandemdiabetes.com"
	tconnectURL  = "https://tconnect.tandemdiabetes.com"
)

func init() {
	adapter.Register(SourceName, New)
}

// Adapter Tandem Source 数据源
type Adapter struct {
	cfg     *config.SourceConfig
	loc     *time.Location
	client  *resty.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	mu      sync.RWMutex
	session *session
}

// New 工厂函数；传输层重试关闭，窗口级重试由抓取阶段负责
func New(cfg *config.SourceConfig, loc *time.Location, logger *logrus.Logger) interfaces.PumpEventSource {
	client := resty.NewWithClient(httpclient.NewHTTPClient(cfg, logger)).
		SetHeader("user-agent", userAgent).
		SetRetryCount(cfg.RetryCount).
		SetRedirectPolicy(stopAtCallback(cfg.Redirect))
	if loc == nil {
		loc = time.UTC
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Adapter{cfg: cfg, loc: loc, client: client, limiter: rate.NewLimiter(limit, 1), logger: logger}
}

func (a *Adapter) Name() string {
	return SourceName
}

// FetchEvents 拉取窗口 [Start, End] 内的事件（接口按日粒度过滤）
func (a *Adapter) FetchEvents(ctx context.Context, w model.Window) ([]model.SourceRecord, error) {
	s, err := a.currentSession(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, apperr.FromTransport(err)
	}
	u := a.eventsURL(s, w)
	resp, err := a.authed(ctx, s).Get(u)
	if err != nil {
		return nil, apperr.FromTransport(err)
	}
	if e := apperr.FromHTTPStatus(resp.StatusCode(), u); e != nil {
		if apperr.KindOf(e) == apperr.KindFatal {
			a.resetSession()
		}
		return nil, e
	}

	docs, err := DecodeBody(resp.Body(), a.loc)
	if err != nil {
		return nil, err
	}
	records := make([]model.SourceRecord, 0, len(docs))
	for _, d := range docs {
		records = append(records, model.SourceRecord{Source: SourceName, Payload: d})
	}
	a.logger.WithFields(logrus.Fields{
		"window": w.String(),
		"count":  len(records),
	}).Debug("获取泵事件")
	return records, nil
}

func (a *Adapter) eventsURL(s *session, w model.Window) string {
	ids := EventIDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	// 接口按泵本地日期过滤
	params := url.Values{}
	params.Set("minDate", w.Start.In(a.loc).Format("2006-01-02"))
	params.Set("maxDate", w.End.In(a.loc).Format("2006-01-02"))
	return fmt.Sprintf("%s/api/reports/reportsfacade/pumpevents/%s/%s?%s&eventIds=%s",
		a.cfg.SourceURL, s.pumperID, s.deviceID, params.Encode(), strings.Join(parts, "%2C"))
}

// authed 带认证头的请求
func (a *Adapter) authed(ctx context.Context, s *session) *resty.Request {
	return a.client.R().
		SetContext(ctx).
		SetAuthToken(s.accessToken).
		SetHeader("Origin", tconnectURL).
		SetHeader("Referer", tconnectURL+"/")
}

func (a *Adapter) currentSession(ctx context.Context) (*session, error) {
	a.mu.RLock()
	s := a.session
	a.mu.RUnlock()
	if s != nil {
		return s, nil
	}
	if err := a.Authenticate(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session, nil
}

func (a *Adapter) resetSession() {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
}
