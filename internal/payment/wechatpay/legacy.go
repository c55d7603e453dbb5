package wechatpay

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/shopspring/decimal"
)

const legacyTimeLayout = "20060102150405"

// v2 接口字段名只含字母数字下划线
var legacyFieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// micropay 付款码支付，仍走 v2 的 XML + MD5 协议。
func (g *Gateway) micropay(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if g.cfg.APIV2Key == "" {
		return nil, fmt.Errorf("%w: api_v2_key is required for pos", payment.ErrConfigInvalid)
	}
	if strings.TrimSpace(req.AuthCode) == "" {
		return nil, fmt.Errorf("%w: auth_code is required", payment.ErrInvalidRequest)
	}
	total, err := req.AmountMinor(amountPrecision)
	if err != nil {
		return nil, err
	}
	expireAt, err := req.ExpireAt(g.localNow())
	if err != nil {
		return nil, err
	}
	attach, err := req.AttachJSON()
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"appid":            g.cfg.appIDFor(constants.PayMethodPos),
		"mch_id":           g.cfg.MchID,
		"nonce_str":        newNonce(),
		"body":             buildDescription(req.Subject, req.OutTradeNo),
		"out_trade_no":     strings.TrimSpace(req.OutTradeNo),
		"total_fee":        fmt.Sprintf("%d", total),
		"spbill_create_ip": req.ClientIPOrDefault(),
		"auth_code":        strings.TrimSpace(req.AuthCode),
		"time_expire":      expireAt.In(beijing).Format(legacyTimeLayout),
		"attach":           attach,
	}
	for key, value := range extra {
		if !legacyFieldName.MatchString(key) {
			return nil, fmt.Errorf("%w: invalid extra field name %q", payment.ErrInvalidRequest, key)
		}
		text, ok := legacyFieldValue(value)
		if !ok {
			return nil, fmt.Errorf("%w: extra field %s must be a scalar, got %T", payment.ErrInvalidRequest, key, value)
		}
		fields[key] = text
	}
	fields["sign"] = legacySign(fields, g.cfg.APIV2Key)

	status, respBody, err := g.postXML(ctx, g.cfg.BaseURL+"/pay/micropay", encodeXML(fields))
	if err != nil {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, status, "http request failed", err)
	}
	if status < 200 || status >= 300 {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, status, "unexpected status", nil)
	}
	resp, err := decodeXML(respBody)
	if err != nil {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, status, "decode response failed", err)
	}
	if resp["return_code"] != constants.WechatNotifySuccess {
		return nil, payment.Rejected(constants.DriverWechat, payment.OperationPay, firstNonEmpty(resp["return_code"], constants.WechatNotifyFail), resp["return_msg"])
	}
	if sign := resp["sign"]; sign != "" && !strings.EqualFold(sign, legacySign(resp, g.cfg.APIV2Key)) {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, status, "response sign mismatch", nil)
	}
	if resp["result_code"] != constants.WechatNotifySuccess {
		return nil, payment.Rejected(constants.DriverWechat, payment.OperationPay, firstNonEmpty(resp["err_code"], resp["result_code"]), resp["err_code_des"])
	}

	payload := make(map[string]interface{}, len(resp))
	for key, value := range resp {
		payload[key] = value
	}
	return &payment.Result{Payload: payload}, nil
}

// legacySign 键名升序拼接 k=v，空值与 sign 不参与，末尾追加 key，MD5 后转大写。
func legacySign(fields map[string]string, apiKey string) string {
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if key == "" || key == "sign" || value == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(fields[key])
		b.WriteString("&")
	}
	b.WriteString("key=")
	b.WriteString(apiKey)
	sum := md5.Sum([]byte(b.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// legacyFieldValue 标量转为 v2 字段文本，对象和数组不接受。
func legacyFieldValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	case decimal.Decimal:
		return v.String(), true
	default:
		return "", false
	}
}

// encodeXML 按键名升序输出 <xml>，空值和非法字段名省略。
func encodeXML(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for key, value := range fields {
		if value != "" && legacyFieldName.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	buf.WriteString("<xml>")
	for _, key := range keys {
		buf.WriteString("<" + key + ">")
		_ = xml.EscapeText(&buf, []byte(fields[key]))
		buf.WriteString("</" + key + ">")
	}
	buf.WriteString("</xml>")
	return buf.Bytes()
}

// decodeXML 解析单层 <xml> 应答为键值表。
func decodeXML(data []byte) (map[string]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	fields := make(map[string]string)
	depth := 0
	var current string
	var text strings.Builder
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch tok := token.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				current = tok.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 2 {
				text.Write(tok)
			}
		case xml.EndElement:
			if depth == 2 && current != "" {
				fields[current] = strings.TrimSpace(text.String())
				current = ""
			}
			depth--
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty xml document")
	}
	return fields, nil
}

func (g *Gateway) postXML(ctx context.Context, requestURL string, body []byte) (int, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response failed: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
