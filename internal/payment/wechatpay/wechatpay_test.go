package wechatpay

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/shopspring/decimal"
)

const (
	testAPIV3Key = "12345678901234567890123456789012"
	testAPIV2Key = "192006250b4c09247ec02edce69f6a2d"
	testMchID    = "1900000109"
)

var fixedNow = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	merchantKey *rsa.PrivateKey
	platformKey *rsa.PrivateKey
	settings    payment.Settings
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(map[string]interface{}{
		"mch_id":                      " 1900000109 ",
		"api_v3_key":                  testAPIV3Key,
		"merchant_private_key_path":   "/etc/wechat/apiclient_key.pem",
		"merchant_certificate_serial": "ABC123",
		"platform_certificate_path":   "/etc/wechat/platform.pem",
		"mp_app_id":                   "wx-mp",
		"h5_type":                     "ios",
	})
	if err != nil {
		t.Fatalf("parse config failed: %v", err)
	}
	if cfg.BaseURL != defaultBaseURL || cfg.Currency != "CNY" || cfg.H5Type != "iOS" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("validate config failed: %v", err)
	}
	cfg.APIV3Key = "short"
	if err := ValidateConfig(cfg); !errors.Is(err, payment.ErrConfigInvalid) {
		t.Fatalf("expected api_v3_key length error, got %v", err)
	}
}

func TestAppIDForChannel(t *testing.T) {
	cfg := &Config{MPAppID: "wx-mp", MiniAppID: "wx-mini", AppID: "wx-app"}
	cases := map[string]string{
		"app":             "wx-app",
		"miniProgram":     "wx-mini",
		"officialAccount": "wx-mp",
		"scan":            "wx-mp",
	}
	for method, want := range cases {
		if got := cfg.appIDFor(method); got != want {
			t.Fatalf("appid for %s want %s got %s", method, want, got)
		}
	}
	onlyMini := &Config{MiniAppID: "wx-mini"}
	if got := onlyMini.appIDFor("scan"); got != "wx-mini" {
		t.Fatalf("appid should fall back to mini app id, got %s", got)
	}
}

func TestLegacySignGolden(t *testing.T) {
	fields := map[string]string{
		"appid":       "wxd930ea5d5a258f4f",
		"mch_id":      "10000100",
		"device_info": "1000",
		"body":        "test",
		"nonce_str":   "ibuaiVcKdpRxkhJA",
		"attach":      "",
	}
	if got := legacySign(fields, testAPIV2Key); got != "9A0A8659F005D6984697E2CA0A9CF3B7" {
		t.Fatalf("legacy sign want 9A0A8659F005D6984697E2CA0A9CF3B7 got %s", got)
	}
	fields["sign"] = "IGNORED"
	if got := legacySign(fields, testAPIV2Key); got != "9A0A8659F005D6984697E2CA0A9CF3B7" {
		t.Fatalf("sign field must not take part in signing, got %s", got)
	}
}

func TestEncodeXMLSortedAndEscaped(t *testing.T) {
	got := string(encodeXML(map[string]string{"mch_id": "1", "body": "a<b&c", "attach": ""}))
	want := "<xml><body>a&lt;b&amp;c</body><mch_id>1</mch_id></xml>"
	if got != want {
		t.Fatalf("xml want %s got %s", want, got)
	}
	decoded, err := decodeXML([]byte("<xml><return_code><![CDATA[SUCCESS]]></return_code><total_fee>1</total_fee></xml>"))
	if err != nil {
		t.Fatalf("decode xml failed: %v", err)
	}
	if decoded["return_code"] != "SUCCESS" || decoded["total_fee"] != "1" {
		t.Fatalf("unexpected decoded xml: %#v", decoded)
	}
}

func TestPayPosLegacySuccess(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pay/micropay" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		fields, err := decodeXML(body)
		if err != nil {
			t.Fatalf("decode request xml failed: %v", err)
		}
		if fields["sign"] != legacySign(fields, testAPIV2Key) {
			t.Fatalf("request sign mismatch")
		}
		if fields["total_fee"] != "1000" || fields["auth_code"] != "134567890123456789" {
			t.Fatalf("unexpected micropay fields: %#v", fields)
		}
		if fields["time_expire"] != "20260303050000" || fields["appid"] != "wx-mp" {
			t.Fatalf("unexpected time_expire/appid: %#v", fields)
		}
		if _, ok := fields["attach"]; ok {
			t.Fatalf("empty attach should be omitted")
		}
		resp := map[string]string{
			"return_code":    "SUCCESS",
			"result_code":    "SUCCESS",
			"transaction_id": "4200000001",
			"out_trade_no":   fields["out_trade_no"],
		}
		resp["sign"] = legacySign(resp, testAPIV2Key)
		_, _ = w.Write(encodeXML(resp))
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	result, err := gw.Pay(context.Background(), "pos", posRequest(), nil)
	if err != nil {
		t.Fatalf("pay pos failed: %v", err)
	}
	if result.Payload["transaction_id"] != "4200000001" {
		t.Fatalf("unexpected payload: %#v", result.Payload)
	}
}

func TestPayPosLegacyFailures(t *testing.T) {
	cases := []struct {
		name   string
		resp   map[string]string
		resign bool
		kind   error
		code   string
	}{
		{
			name: "return fail",
			resp: map[string]string{"return_code": "FAIL", "return_msg": "签名错误"},
			kind: payment.ErrBusinessRejected,
			code: "FAIL",
		},
		{
			name:   "result fail",
			resp:   map[string]string{"return_code": "SUCCESS", "result_code": "FAIL", "err_code": "AUTHCODEEXPIRE", "err_code_des": "二维码已过期"},
			resign: true,
			kind:   payment.ErrBusinessRejected,
			code:   "AUTHCODEEXPIRE",
		},
		{
			name: "sign mismatch",
			resp: map[string]string{"return_code": "SUCCESS", "result_code": "SUCCESS", "sign": "FORGED"},
			kind: payment.ErrTransport,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				resp := tc.resp
				if tc.resign {
					resp["sign"] = legacySign(resp, testAPIV2Key)
				}
				_, _ = w.Write(encodeXML(resp))
			}))
			defer server.Close()

			gw := env.gateway(t, server.URL)
			_, err := gw.Pay(context.Background(), "pos", posRequest(), nil)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if tc.code != "" {
				gwErr, _ := payment.AsGatewayError(err)
				if gwErr == nil || gwErr.Code != tc.code {
					t.Fatalf("expected code %s, got %#v", tc.code, gwErr)
				}
			}
		})
	}
}

func TestPayPosLegacyExtraFields(t *testing.T) {
	env := newTestEnv(t)
	var hits int32
	var sent map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		body, _ := io.ReadAll(r.Body)
		sent, _ = decodeXML(body)
		resp := map[string]string{"return_code": "SUCCESS", "result_code": "SUCCESS", "transaction_id": "4200000002"}
		resp["sign"] = legacySign(resp, testAPIV2Key)
		_, _ = w.Write(encodeXML(resp))
	}))
	defer server.Close()
	gw := env.gateway(t, server.URL)

	rejected := []payment.Payload{
		{"detail": map[string]interface{}{"goods_id": "1"}},
		{"goods_tag": []string{"a", "b"}},
		{"bad><inject": "1"},
		{"": "1"},
	}
	for _, extra := range rejected {
		if _, err := gw.Pay(context.Background(), "pos", posRequest(), extra); !errors.Is(err, payment.ErrInvalidRequest) {
			t.Fatalf("extra %v: expected invalid request, got %v", extra, err)
		}
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("rejected extras must not reach the gateway")
	}

	extra := payment.Payload{"goods_tag": "VIP", "limit_pay": json.Number("1"), "profit_sharing": false, "device_info": 1001}
	if _, err := gw.Pay(context.Background(), "pos", posRequest(), extra); err != nil {
		t.Fatalf("scalar extras should pass: %v", err)
	}
	if sent["goods_tag"] != "VIP" || sent["limit_pay"] != "1" || sent["profit_sharing"] != "false" || sent["device_info"] != "1001" {
		t.Fatalf("unexpected extra fields sent: %#v", sent)
	}
	if sent["sign"] != legacySign(sent, testAPIV2Key) {
		t.Fatalf("extra fields must be covered by the sign")
	}
}

func TestEncodeXMLSkipsInvalidNames(t *testing.T) {
	got := string(encodeXML(map[string]string{"body": "x", "a b": "1", "c><d": "2"}))
	if got != "<xml><body>x</body></xml>" {
		t.Fatalf("unexpected xml: %s", got)
	}
}

func TestPayAppReSignsForClient(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/pay/transactions/app" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "WECHATPAY2-SHA256-RSA2048") {
			t.Fatalf("expected signed request, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body failed: %v", err)
		}
		if body["appid"] != "wx-app" || body["mchid"] != testMchID {
			t.Fatalf("unexpected appid/mchid: %#v", body)
		}
		if body["time_expire"] != "2026-03-03T05:00:00+08:00" {
			t.Fatalf("unexpected time_expire: %v", body["time_expire"])
		}
		amount, _ := body["amount"].(map[string]interface{})
		if amount["total"] != float64(1999) || amount["currency"] != "CNY" {
			t.Fatalf("unexpected amount: %#v", amount)
		}
		if body["attach"] != `{"order_id":7}` {
			t.Fatalf("unexpected attach: %v", body["attach"])
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"prepay_id": "wx2026030108000012345"})
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	result, err := gw.Pay(context.Background(), "app", &payment.Request{
		OutTradeNo: "T3001",
		Amount:     decimal.RequireFromString("19.99"),
		Attach:     map[string]interface{}{"order_id": 7},
	}, nil)
	if err != nil {
		t.Fatalf("pay app failed: %v", err)
	}
	p := result.Payload
	if p["partnerid"] != testMchID || p["prepayid"] != "wx2026030108000012345" {
		t.Fatalf("unexpected app payload: %#v", p)
	}
	message := "wx-app\n" + p["timestamp"].(string) + "\n" + p["noncestr"].(string) + "\nprepay_id=wx2026030108000012345\n"
	assertSigned(t, &env.merchantKey.PublicKey, message, p["sign"].(string))
	if strings.Contains(p["noncestr"].(string), "-") {
		t.Fatalf("nonce should not contain dashes")
	}
}

func TestPayMiniProgramUsesMiniAppID(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/pay/transactions/jsapi" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		payer, _ := body["payer"].(map[string]interface{})
		if body["appid"] != "wx-mini" || payer["openid"] != "o-openid-1" {
			t.Fatalf("unexpected jsapi body: %#v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"prepay_id": "wx-prepay-2"})
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	result, err := gw.Pay(context.Background(), "miniProgram", &payment.Request{
		OutTradeNo: "T3002",
		Amount:     decimal.RequireFromString("1"),
		BuyerID:    "o-openid-1",
	}, nil)
	if err != nil {
		t.Fatalf("pay miniProgram failed: %v", err)
	}
	p := result.Payload
	if p["appId"] != "wx-mini" || p["signType"] != "RSA" || p["package"] != "prepay_id=wx-prepay-2" {
		t.Fatalf("unexpected jsapi payload: %#v", p)
	}
	message := "wx-mini\n" + p["timeStamp"].(string) + "\n" + p["nonceStr"].(string) + "\nprepay_id=wx-prepay-2\n"
	assertSigned(t, &env.merchantKey.PublicKey, message, p["paySign"].(string))
}

func TestPayScanReturnsCodeURL(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"code_url": "weixin://wxpay/bizpayurl?pr=abc"})
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	result, err := gw.Pay(context.Background(), "scan", &payment.Request{OutTradeNo: "T3003", Amount: decimal.RequireFromString("2.5")}, nil)
	if err != nil {
		t.Fatalf("pay scan failed: %v", err)
	}
	if result.Body != "weixin://wxpay/bizpayurl?pr=abc" {
		t.Fatalf("unexpected code_url: %s", result.Body)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   error
	}{
		{name: "param error", status: http.StatusBadRequest, body: `{"code":"PARAM_ERROR","message":"out_trade_no invalid"}`, kind: payment.ErrBusinessRejected},
		{name: "system error", status: http.StatusInternalServerError, body: `{"code":"SYSTEM_ERROR","message":"busy"}`, kind: payment.ErrTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			gw := env.gateway(t, server.URL)
			_, err := gw.Query(context.Background(), &payment.Request{OutTradeNo: "T1"}, nil)
			if !errors.Is(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
		})
	}
}

func TestQueryAndClose(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v3/pay/transactions/out-trade-no/T1":
			if r.URL.Query().Get("mchid") != testMchID {
				t.Fatalf("expected mchid query, got %s", r.URL.RawQuery)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"out_trade_no": "T1", "trade_state": "SUCCESS"})
		case r.Method == http.MethodPost && r.URL.Path == "/v3/pay/transactions/out-trade-no/T1/close":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	result, err := gw.Query(context.Background(), &payment.Request{OutTradeNo: "T1"}, nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Payload["trade_state"] != "SUCCESS" {
		t.Fatalf("unexpected query payload: %#v", result.Payload)
	}
	if _, err := gw.Close(context.Background(), &payment.Request{OutTradeNo: "T1"}, nil); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestRefundSendsRefundAndTotal(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/refund/domestic/refunds" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		amount, _ := body["amount"].(map[string]interface{})
		if amount["refund"] != float64(300) || amount["total"] != float64(1000) {
			t.Fatalf("unexpected refund amount: %#v", amount)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"refund_id": "50000001", "status": "PROCESSING"})
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	result, err := gw.Refund(context.Background(), &payment.Request{
		OutTradeNo:   "T1",
		OutRefundNo:  "R1",
		Amount:       decimal.RequireFromString("3"),
		RefundAmount: decimal.RequireFromString("3"),
		TotalAmount:  decimal.RequireFromString("10"),
	}, nil)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if result.Payload["status"] != "PROCESSING" {
		t.Fatalf("unexpected refund payload: %#v", result.Payload)
	}
}

func TestPayTransferCreatesBatch(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/transfer/batches" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["out_batch_no"] != "B1" || body["total_amount"] != float64(150) || body["total_num"] != float64(1) {
			t.Fatalf("unexpected batch: %#v", body)
		}
		details, _ := body["transfer_detail_list"].([]interface{})
		if len(details) != 1 {
			t.Fatalf("unexpected details: %#v", body["transfer_detail_list"])
		}
		detail, _ := details[0].(map[string]interface{})
		if detail["openid"] != "o-buyer" || detail["transfer_amount"] != float64(150) {
			t.Fatalf("unexpected detail: %#v", detail)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"out_batch_no": "B1", "batch_id": "131000"})
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	result, err := gw.Pay(context.Background(), "transfer", &payment.Request{
		OutTradeNo: "B1",
		Amount:     decimal.RequireFromString("1.5"),
		Subject:    "payout",
		BuyerID:    "o-buyer",
	}, nil)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if result.Payload["batch_id"] != "131000" || result.Method != "transfer" {
		t.Fatalf("unexpected transfer result: %#v", result)
	}

	if _, err := gw.Pay(context.Background(), "transfer", &payment.Request{OutTradeNo: "B2", Amount: decimal.RequireFromString("1")}, nil); !errors.Is(err, payment.ErrInvalidRequest) {
		t.Fatalf("expected invalid request without openid, got %v", err)
	}
}

func TestCancelUnsupportedWithoutNetwork(t *testing.T) {
	env := newTestEnv(t)
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	gw := env.gateway(t, server.URL)
	_, err := gw.Cancel(context.Background(), &payment.Request{OutTradeNo: "T1"}, nil)
	if !errors.Is(err, payment.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("cancel must not reach the network")
	}
}

func TestNotifyVerification(t *testing.T) {
	env := newTestEnv(t)
	gw := env.gateway(t, "https://api.mch.weixin.qq.com")
	plaintext := `{"out_trade_no":"T1","trade_state":"SUCCESS","amount":{"total":1000}}`

	valid := env.notifyRequest(t, gw, fixedNow, plaintext, false)
	n := gw.Notify(context.Background(), valid)
	if !n.Verified {
		t.Fatalf("expected verified notification, got %v", n.Failure)
	}
	if n.ID != "EV-2026" || n.EventType != "TRANSACTION.SUCCESS" || n.Payload["out_trade_no"] != "T1" {
		t.Fatalf("unexpected notification: %#v", n)
	}

	expired := env.notifyRequest(t, gw, fixedNow.Add(-301*time.Second), plaintext, false)
	if n := gw.Notify(context.Background(), expired); n.Verified || !errors.Is(n.Failure, payment.ErrTimestampExpired) {
		t.Fatalf("expected timestamp expired, got %#v", n)
	}

	badSignature := env.notifyRequest(t, gw, fixedNow, plaintext, false)
	badSignature.Headers.Set(headerSignature, base64.StdEncoding.EncodeToString([]byte("forged")))
	if n := gw.Notify(context.Background(), badSignature); n.Verified || !errors.Is(n.Failure, payment.ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid, got %#v", n)
	}

	corrupted := env.notifyRequest(t, gw, fixedNow, plaintext, true)
	n = gw.Notify(context.Background(), corrupted)
	if n.Verified || !errors.Is(n.Failure, payment.ErrDecryptFailed) {
		t.Fatalf("expected decrypt failure, got %#v", n)
	}
	if errors.Is(n.Failure, payment.ErrSignatureInvalid) {
		t.Fatalf("decrypt failure must be distinct from signature failure")
	}
}

func TestNotifyAck(t *testing.T) {
	env := newTestEnv(t)
	gw := env.gateway(t, "https://api.mch.weixin.qq.com")
	if got := gw.NotifyAck("", ""); got != `{"code":"SUCCESS","message":""}` {
		t.Fatalf("unexpected default ack: %s", got)
	}
	if got := gw.NotifyAck("FAIL", "verify failed"); got != `{"code":"FAIL","message":"verify failed"}` {
		t.Fatalf("unexpected failure ack: %s", got)
	}
}

func posRequest() *payment.Request {
	return &payment.Request{
		OutTradeNo: "T1001",
		Amount:     decimal.RequireFromString("10.00"),
		Subject:    "order",
		AuthCode:   "134567890123456789",
		ClientIP:   "10.0.0.2",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	merchantKey := generateKey(t)
	platformKey := generateKey(t)

	keyDER, err := x509.MarshalPKCS8PrivateKey(merchantKey)
	if err != nil {
		t.Fatalf("marshal merchant key failed: %v", err)
	}
	keyPath := filepath.Join(dir, "apiclient_key.pem")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write merchant key failed: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(0x5157F09EFDC096DE),
		Subject:      pkix.Name{CommonName: "Tenpay.com Root CA", Organization: []string{"paygate test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &platformKey.PublicKey, platformKey)
	if err != nil {
		t.Fatalf("create platform certificate failed: %v", err)
	}
	certPath := filepath.Join(dir, "platform_cert.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0o600); err != nil {
		t.Fatalf("write platform certificate failed: %v", err)
	}

	return &testEnv{
		merchantKey: merchantKey,
		platformKey: platformKey,
		settings: payment.Settings{
			"mch_id":                      testMchID,
			"api_v2_key":                  testAPIV2Key,
			"api_v3_key":                  testAPIV3Key,
			"merchant_private_key_path":   keyPath,
			"merchant_certificate_serial": "MERCHANT-SERIAL-01",
			"platform_certificate_path":   certPath,
			"notify_url":                  "https://example.com/api/v1/payments/wechat/default/notify",
			"mp_app_id":                   "wx-mp",
			"mini_app_id":                 "wx-mini",
			"app_id":                      "wx-app",
		},
	}
}

func (e *testEnv) gateway(t *testing.T, baseURL string) *Gateway {
	t.Helper()
	settings := payment.Settings{}
	for key, value := range e.settings {
		settings[key] = value
	}
	settings["base_url"] = baseURL
	gw, err := New(settings, WithoutResponseValidation(), WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("new gateway failed: %v", err)
	}
	return gw
}

// notifyRequest 构造平台签名的回调；corrupt 为 true 时篡改密文后再签名。
func (e *testEnv) notifyRequest(t *testing.T, gw *Gateway, at time.Time, plaintext string, corrupt bool) *payment.NotifyRequest {
	t.Helper()
	block, err := aes.NewCipher([]byte(testAPIV3Key))
	if err != nil {
		t.Fatalf("new cipher failed: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatalf("new gcm failed: %v", err)
	}
	nonce := "fdasflkja484"
	associatedData := "transaction"
	sealed := gcm.Seal(nil, []byte(nonce), []byte(plaintext), []byte(associatedData))
	if corrupt {
		sealed[0] ^= 0xff
	}
	body, err := json.Marshal(map[string]interface{}{
		"id":            "EV-2026",
		"create_time":   "2026-03-01T08:00:00+08:00",
		"event_type":    "TRANSACTION.SUCCESS",
		"resource_type": "encrypt-resource",
		"summary":       "支付成功",
		"resource": map[string]interface{}{
			"algorithm":       "AEAD_AES_256_GCM",
			"ciphertext":      base64.StdEncoding.EncodeToString(sealed),
			"associated_data": associatedData,
			"nonce":           nonce,
			"original_type":   "transaction",
		},
	})
	if err != nil {
		t.Fatalf("marshal notification failed: %v", err)
	}

	timestamp := strconv.FormatInt(at.Unix(), 10)
	headerNonceValue := "5K8264ILTKCH16CQ2502SI8ZNMTM67VS"
	message := timestamp + "\n" + headerNonceValue + "\n" + string(body) + "\n"
	sum := sha256.Sum256([]byte(message))
	signature, err := rsa.SignPKCS1v15(rand.Reader, e.platformKey, crypto.SHA256, sum[:])
	if err != nil {
		t.Fatalf("sign notification failed: %v", err)
	}
	headers := http.Header{}
	headers.Set(headerTimestamp, timestamp)
	headers.Set(headerNonce, headerNonceValue)
	headers.Set(headerSignature, base64.StdEncoding.EncodeToString(signature))
	headers.Set(headerSerial, gw.PlatformSerial())
	return &payment.NotifyRequest{Headers: headers, Body: body}
}

func assertSigned(t *testing.T, publicKey *rsa.PublicKey, message, signature string) {
	t.Helper()
	signBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		t.Fatalf("decode signature failed: %v", err)
	}
	sum := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, sum[:], signBytes); err != nil {
		t.Fatalf("client signature invalid: %v", err)
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}
	return key
}
