// Package smartconnect is a minimal Angel One SmartAPI client: password+TOTP
// login and historical candle data.
//
// Usage example:
//
//	sc := smartconnect.New(smartconnect.Config{APIKey: "your_api_key"})
//	if err := sc.Login(ctx, "CLIENTID", "PASSWORD", "TOTPSECRET"); err != nil { ... }
//	candles, err := sc.GetCandleData(ctx, smartconnect.CandleRequest{
//	    Exchange: "NFO", SymbolToken: "43210", Interval: smartconnect.OneMinute,
//	    From: time.Now().Add(-time.Hour), To: time.Now(),
//	})
package smartconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"optionwatch/internal/platform/httpclient"
)

const (
	defaultRoot = "https://apiconnect.angelone.in"

	routeLogin   = "/rest/auth/angelbroking/user/v1/loginByPassword"
	routeCandles = "/rest/secure/angelbroking/historical/v1/getCandleData"

	// dateLayout is the from/to format of the historical API.
	dateLayout = "2006-01-02 15:04"
)

// Candle intervals accepted by the historical API.
const (
	OneMinute     = "ONE_MINUTE"
	ThreeMinute   = "THREE_MINUTE"
	FiveMinute    = "FIVE_MINUTE"
	FifteenMinute = "FIFTEEN_MINUTE"
)

var (
	// ErrSessionExpired is returned when the API rejects the access token.
	ErrSessionExpired = errors.New("smartconnect: session expired")

	// ErrNotLoggedIn is returned by authenticated calls before Login.
	ErrNotLoggedIn = errors.New("smartconnect: not logged in")
)

// Config configures the client.
type Config struct {
	APIKey         string
	RootURL        string        // default: https://apiconnect.angelone.in
	Timeout        time.Duration // default: 7s
	RequestsPerSec float64       // historical API allows 3/s; default 3
	ClientLocalIP  string
	ClientPublicIP string
	ClientMAC      string
}

// SmartConnect is safe for concurrent use.
type SmartConnect struct {
	apiKey  string
	rootURL string
	http    *httpclient.Client

	clientLocalIP  string
	clientPublicIP string
	clientMAC      string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	feedToken    string
}

// New creates a client.
func New(cfg Config) *SmartConnect {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 3
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = localIP()
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = cfg.ClientLocalIP
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macAddress()
	}
	return &SmartConnect{
		apiKey:  cfg.APIKey,
		rootURL: strings.TrimRight(cfg.RootURL, "/"),
		http: httpclient.New(httpclient.Options{
			Timeout:        cfg.Timeout,
			RequestsPerSec: cfg.RequestsPerSec,
			Burst:          1,
			MaxRetries:     3,
		}),
		clientLocalIP:  cfg.ClientLocalIP,
		clientPublicIP: cfg.ClientPublicIP,
		clientMAC:      cfg.ClientMAC,
	}
}

// localIP finds the first non-loopback IPv4 address.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func macAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "00:00:00:00:00:00"
	}
	for _, i := range ifaces {
		if i.Flags&net.FlagLoopback == 0 && len(i.HardwareAddr) > 0 {
			return i.HardwareAddr.String()
		}
	}
	return "00:00:00:00:00:00"
}

func (sc *SmartConnect) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", sc.clientLocalIP)
	h.Set("X-ClientPublicIP", sc.clientPublicIP)
	h.Set("X-MACAddress", sc.clientMAC)
	h.Set("X-PrivateKey", sc.apiKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	sc.mu.RLock()
	if sc.accessToken != "" {
		h.Set("Authorization", "Bearer "+sc.accessToken)
	}
	sc.mu.RUnlock()
	return h
}

// apiResponse is the SmartAPI response wrapper.
type apiResponse struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (sc *SmartConnect) post(ctx context.Context, route string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	resp, err := sc.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.rootURL+route, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header = sc.headers()
		return req, nil
	})
	if err != nil {
		var se *httpclient.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("couldn't parse JSON response: %w", err)
	}
	if out.ErrorType == "TokenException" || out.ErrorCode == "AG8001" {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, out.Message)
	}
	if !out.Status {
		return nil, fmt.Errorf("smartconnect: %s (code %s)", out.Message, out.ErrorCode)
	}
	return out.Data, nil
}

// GenerateSession logs in with a current TOTP code and stores the tokens.
func (sc *SmartConnect) GenerateSession(ctx context.Context, clientCode, password, totpCode string) error {
	data, err := sc.post(ctx, routeLogin, map[string]string{
		"clientcode": clientCode,
		"password":   password,
		"totp":       totpCode,
	})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	var tokens struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := json.Unmarshal(data, &tokens); err != nil || tokens.JWTToken == "" {
		return errors.New("login: unexpected response format")
	}
	sc.mu.Lock()
	sc.accessToken = tokens.JWTToken
	sc.refreshToken = tokens.RefreshToken
	sc.feedToken = tokens.FeedToken
	sc.mu.Unlock()
	return nil
}

// Login generates a TOTP code from secret and opens a session.
func (sc *SmartConnect) Login(ctx context.Context, clientCode, password, secret string) error {
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return fmt.Errorf("totp: %w", err)
	}
	return sc.GenerateSession(ctx, clientCode, password, code)
}

// LoggedIn reports whether a session token is held.
func (sc *SmartConnect) LoggedIn() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.accessToken != ""
}

// Logout forgets the session tokens.
func (sc *SmartConnect) Logout() {
	sc.mu.Lock()
	sc.accessToken, sc.refreshToken, sc.feedToken = "", "", ""
	sc.mu.Unlock()
}

// CandleRequest selects historical candles for one instrument token.
type CandleRequest struct {
	Exchange    string
	SymbolToken string
	Interval    string
	From        time.Time
	To          time.Time
}

// Candle is one historical OHLCV row. Prices are in rupees.
type Candle struct {
	TS     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// GetCandleData fetches historical candles, oldest first.
func (sc *SmartConnect) GetCandleData(ctx context.Context, r CandleRequest) ([]Candle, error) {
	if !sc.LoggedIn() {
		return nil, ErrNotLoggedIn
	}
	if r.Interval == "" {
		r.Interval = OneMinute
	}
	data, err := sc.post(ctx, routeCandles, map[string]string{
		"exchange":    r.Exchange,
		"symboltoken": r.SymbolToken,
		"interval":    r.Interval,
		"fromdate":    r.From.In(ist).Format(dateLayout),
		"todate":      r.To.In(ist).Format(dateLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("candle data %s:%s: %w", r.Exchange, r.SymbolToken, err)
	}
	return parseCandles(data)
}

var ist = time.FixedZone("IST", 5*3600+30*60)

// parseCandles decodes rows of [timestamp, open, high, low, close, volume].
func parseCandles(data json.RawMessage) ([]Candle, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("candle rows: %w", err)
	}
	out := make([]Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("candle row %d: %d fields", i, len(row))
		}
		var ts string
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, fmt.Errorf("candle row %d timestamp: %w", i, err)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("candle row %d timestamp: %w", i, err)
		}
		var vals [5]float64
		for j := range vals {
			f, err := strconv.ParseFloat(strings.Trim(string(row[j+1]), `"`), 64)
			if err != nil {
				return nil, fmt.Errorf("candle row %d field %d: %w", i, j+1, err)
			}
			vals[j] = f
		}
		out = append(out, Candle{TS: t, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]})
	}
	return out, nil
}
