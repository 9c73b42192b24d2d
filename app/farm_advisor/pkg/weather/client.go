package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iWorld-y/farm_advisor/app/farm_advisor/pkg/logger"
)

// 固定的提示文本，下游阶段会把它们当作天气数据原样使用
const (
	MsgKeyMissing = "Weather API key not configured"
	MsgNotFound   = "Location not found"
	MsgFailed     = "Could not fetch weather data: "
)

// Fetcher 把地区名转换成一段天气描述
type Fetcher interface {
	Fetch(ctx context.Context, region string) string
}

// Client OpenWeather API 客户端
type Client struct {
	apiKey  string
	geoURL  string
	baseURL string
	client  *http.Client
}

// Ensure Client implements Fetcher
var _ Fetcher = (*Client)(nil)

// NewClient 创建一个新的 OpenWeather 客户端，timeout 单位为秒
func NewClient(apiKey, geoURL, baseURL string, timeout int) *Client {
	t := time.Duration(timeout) * time.Second
	if t == 0 {
		t = 30 * time.Second
	}
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		geoURL:  strings.TrimRight(geoURL, "/"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: t,
		},
	}
}

type geoResult struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// currentResponse 只保留需要的字段，指针用于区分缺失和零值
type currentResponse struct {
	Main *struct {
		Temp     *float64 `json:"temp"`
		Humidity *float64 `json:"humidity"`
		Pressure *float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Description *string `json:"description"`
	} `json:"weather"`
	Wind *struct {
		Speed *float64 `json:"speed"`
	} `json:"wind"`
}

// Fetch 查询地区的当前天气。任何失败都转换成说明文字，不返回错误
func (c *Client) Fetch(ctx context.Context, region string) string {
	if c.apiKey == "" {
		return MsgKeyMissing
	}

	lat, lon, found, err := c.geocode(ctx, region)
	if err != nil {
		logger.Log.Warnf("天气查询失败 [%s]: %v", region, err)
		return MsgFailed + err.Error()
	}
	if !found {
		logger.Log.Warnf("未找到地区 [%s]", region)
		return MsgNotFound
	}

	summary, err := c.current(ctx, lat, lon)
	if err != nil {
		logger.Log.Warnf("天气查询失败 [%s]: %v", region, err)
		return MsgFailed + err.Error()
	}
	return summary
}

// geocode 取第一个匹配结果，不做消歧
func (c *Client) geocode(ctx context.Context, region string) (float64, float64, bool, error) {
	q := url.Values{}
	q.Set("q", region)
	q.Set("limit", "1")
	q.Set("appid", c.apiKey)

	var results []geoResult
	if err := c.getJSON(ctx, c.geoURL+"/direct", q, &results); err != nil {
		return 0, 0, false, fmt.Errorf("geocoding: %w", err)
	}
	if len(results) == 0 {
		return 0, 0, false, nil
	}
	first := results[0]
	if first.Lat == nil || first.Lon == nil {
		return 0, 0, false, errors.New("geocoding: missing field lat/lon")
	}
	return *first.Lat, *first.Lon, true, nil
}

func (c *Client) current(ctx context.Context, lat, lon float64) (string, error) {
	q := url.Values{}
	q.Set("lat", formatNumber(lat))
	q.Set("lon", formatNumber(lon))
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")

	var resp currentResponse
	if err := c.getJSON(ctx, c.baseURL+"/weather", q, &resp); err != nil {
		return "", fmt.Errorf("current weather: %w", err)
	}
	return resp.format()
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, out interface{}) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request failed: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		// 错误信息里带着 appid，去掉 URL 部分
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("request failed: %w", uerr.Err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("api error (status %d): %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response failed: %w", err)
	}
	return nil
}

func (r *currentResponse) format() (string, error) {
	switch {
	case r.Main == nil:
		return "", errors.New("missing field main")
	case r.Main.Temp == nil:
		return "", errors.New("missing field main.temp")
	case len(r.Weather) == 0 || r.Weather[0].Description == nil:
		return "", errors.New("missing field weather[0].description")
	case r.Main.Humidity == nil:
		return "", errors.New("missing field main.humidity")
	case r.Wind == nil || r.Wind.Speed == nil:
		return "", errors.New("missing field wind.speed")
	case r.Main.Pressure == nil:
		return "", errors.New("missing field main.pressure")
	}

	return fmt.Sprintf(
		"Current Temperature: %s°C\nConditions: %s\nHumidity: %s%%\nWind Speed: %s m/s\nPressure: %s hPa",
		formatNumber(*r.Main.Temp),
		*r.Weather[0].Description,
		formatNumber(*r.Main.Humidity),
		formatNumber(*r.Wind.Speed),
		formatNumber(*r.Main.Pressure),
	), nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
