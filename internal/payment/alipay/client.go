package alipay

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/go-pay/gopay"
	"github.com/shopspring/decimal"
)

const (
	alipayTimeLayout = "2006-01-02 15:04:05"
	// 金额精确到分
	amountPrecision = 100

	errorResponseKey = "error_response"
)

// 支付宝开放平台时间戳固定使用北京时间
var beijing = time.FixedZone("CST", 8*3600)

// openAPI 公共参数、签名与网关传输，被所有子客户端共享。
type openAPI struct {
	cfg        *Config
	signer     *signer
	httpClient *http.Client
	now        func() time.Time
}

func (a *openAPI) localNow() time.Time {
	return a.now().In(beijing)
}

// signedParams 组装公共参数并签名。
func (a *openAPI) signedParams(method string, biz gopay.BodyMap, notifyURL, returnURL string) (map[string]string, error) {
	params := map[string]string{
		"app_id":      a.cfg.AppID,
		"method":      method,
		"format":      "JSON",
		"charset":     "utf-8",
		"sign_type":   a.cfg.SignType,
		"timestamp":   a.localNow().Format(alipayTimeLayout),
		"version":     "1.0",
		"biz_content": biz.JsonBody(),
	}
	if notifyURL != "" {
		params["notify_url"] = notifyURL
	}
	if returnURL != "" {
		params["return_url"] = returnURL
	}
	if a.signer.appCertSN != "" {
		params["app_cert_sn"] = a.signer.appCertSN
	}
	if a.signer.alipayRootCertSN != "" {
		params["alipay_root_cert_sn"] = a.signer.alipayRootCertSN
	}
	sign, err := a.signer.sign(params)
	if err != nil {
		return nil, err
	}
	params["sign"] = sign
	return params, nil
}

// payContent 下单类接口的公共业务参数。
func (a *openAPI) payContent(req *payment.Request, productCode string) (gopay.BodyMap, error) {
	expireAt, err := req.ExpireAt(a.localNow())
	if err != nil {
		return nil, err
	}
	attach, err := req.AttachJSON()
	if err != nil {
		return nil, err
	}
	totalAmount, err := formatYuan(req.Amount)
	if err != nil {
		return nil, err
	}
	biz := make(gopay.BodyMap)
	biz.Set("out_trade_no", strings.TrimSpace(req.OutTradeNo)).
		Set("total_amount", totalAmount).
		Set("subject", req.SubjectOrDefault()).
		Set("time_expire", expireAt.In(beijing).Format(alipayTimeLayout))
	if productCode != "" {
		biz.Set("product_code", productCode)
	}
	if attach != "" {
		biz.Set("passback_params", url.QueryEscape(attach))
	}
	return biz, nil
}

func (a *openAPI) notifyURL(req *payment.Request) string {
	if value := strings.TrimSpace(req.NotifyURL); value != "" {
		return value
	}
	return a.cfg.NotifyURL
}

func (a *openAPI) returnURL(req *payment.Request) string {
	if value := strings.TrimSpace(req.ReturnURL); value != "" {
		return value
	}
	return a.cfg.ReturnURL
}

// call 发起同步接口调用并按 code 归类结果。
func (a *openAPI) call(ctx context.Context, operation, method string, biz gopay.BodyMap, notifyURL string) (*payment.Result, error) {
	params, err := a.signedParams(method, biz, notifyURL, "")
	if err != nil {
		return nil, err
	}
	status, body, err := a.post(ctx, params)
	if err != nil {
		return nil, payment.TransportFailure(constants.DriverAlipay, operation, status, "http request failed", err)
	}
	logger.Debugw("alipay_gateway_response", "method", method, "status", status)
	if status < 200 || status >= 300 {
		return nil, payment.TransportFailure(constants.DriverAlipay, operation, status, "unexpected status", nil)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, payment.TransportFailure(constants.DriverAlipay, operation, status, "decode response failed", err)
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, payment.TransportFailure(constants.DriverAlipay, operation, status, "decode response failed", err)
	}
	responseKey := strings.ReplaceAll(method, ".", "_") + "_response"
	rawNode, ok := envelope[responseKey]
	if !ok {
		// 网关级错误（如 app_id 无效）只返回 error_response
		rawNode, ok = envelope[errorResponseKey]
	}
	var node map[string]interface{}
	if ok {
		ok = json.Unmarshal(rawNode, &node) == nil && node != nil
	}
	if !ok {
		return nil, payment.TransportFailure(constants.DriverAlipay, operation, status, responseKey+" not found", nil)
	}
	var sign string
	if rawSign, exists := envelope["sign"]; exists {
		_ = json.Unmarshal(rawSign, &sign)
	}

	code := strings.TrimSpace(readString(node, "code"))
	// 成功应答必须验签；失败应答带签名时同样校验，不带签名时按业务失败处理
	if code == constants.AlipaySuccessCode || strings.TrimSpace(sign) != "" {
		if err := a.signer.verifyContent(a.signer.signType, string(rawNode), sign); err != nil {
			logger.Warnw("alipay_response_sign_invalid", "method", method, "code", code, "error", err)
			return nil, payment.TransportFailure(constants.DriverAlipay, operation, status, "response sign verify failed", err)
		}
	}
	if code != constants.AlipaySuccessCode {
		message := strings.TrimSpace(readString(node, "sub_msg"))
		if message == "" {
			message = strings.TrimSpace(readString(node, "msg"))
		}
		return nil, payment.Rejected(constants.DriverAlipay, operation, code, message)
	}
	return &payment.Result{
		Provider:  constants.DriverAlipay,
		Operation: operation,
		Payload:   raw,
	}, nil
}

func (a *openAPI) post(ctx context.Context, params map[string]string) (int, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	form := url.Values{}
	for key, value := range params {
		if key == "" || value == "" {
			continue
		}
		form.Set(key, value)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.GatewayURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response failed: %w", err)
	}
	return resp.StatusCode, body, nil
}

// pageClient 页面跳转类：返回可直接渲染的表单或订单串，不做业务码判断。
type pageClient struct {
	api *openAPI
}

func (c *pageClient) web(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return c.form(req, extra, "alipay.trade.page.pay", "FAST_INSTANT_TRADE_PAY", false)
}

func (c *pageClient) wap(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return c.form(req, extra, "alipay.trade.wap.pay", "QUICK_WAP_WAY", true)
}

func (c *pageClient) app(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	biz, err := c.api.payContent(req, "QUICK_MSECURITY_PAY")
	if err != nil {
		return nil, err
	}
	extra.Merge(biz)
	params, err := c.api.signedParams("alipay.trade.app.pay", biz, c.api.notifyURL(req), "")
	if err != nil {
		return nil, err
	}
	orderString := encodeParams(params)
	return &payment.Result{
		Payload: map[string]interface{}{"order_string": orderString, "out_trade_no": req.OutTradeNo},
		Body:    orderString,
	}, nil
}

func (c *pageClient) form(req *payment.Request, extra payment.Payload, method, productCode string, withQuitURL bool) (*payment.Result, error) {
	biz, err := c.api.payContent(req, productCode)
	if err != nil {
		return nil, err
	}
	returnURL := c.api.returnURL(req)
	if withQuitURL && returnURL != "" {
		biz.Set("quit_url", returnURL)
	}
	extra.Merge(biz)
	params, err := c.api.signedParams(method, biz, c.api.notifyURL(req), returnURL)
	if err != nil {
		return nil, err
	}
	action := c.api.cfg.GatewayURL + "?charset=utf-8"
	return &payment.Result{
		Payload: map[string]interface{}{
			"method":       method,
			"out_trade_no": req.OutTradeNo,
			"pay_url":      c.api.cfg.GatewayURL + "?" + encodeParams(params),
		},
		Body: buildAutoSubmitForm(action, params),
	}, nil
}

// faceToFaceClient 当面付：付款码与扫码。
type faceToFaceClient struct {
	api *openAPI
}

func (c *faceToFaceClient) pos(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if strings.TrimSpace(req.AuthCode) == "" {
		return nil, fmt.Errorf("%w: auth_code is required", payment.ErrInvalidRequest)
	}
	biz, err := c.api.payContent(req, "FACE_TO_FACE_PAYMENT")
	if err != nil {
		return nil, err
	}
	biz.Set("scene", "bar_code").Set("auth_code", strings.TrimSpace(req.AuthCode))
	extra.Merge(biz)
	return c.api.call(ctx, payment.OperationPay, "alipay.trade.pay", biz, c.api.notifyURL(req))
}

func (c *faceToFaceClient) scan(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	biz, err := c.api.payContent(req, "FACE_TO_FACE_PAYMENT")
	if err != nil {
		return nil, err
	}
	extra.Merge(biz)
	method := "alipay.trade.precreate"
	result, err := c.api.call(ctx, payment.OperationPay, method, biz, c.api.notifyURL(req))
	if err != nil {
		return nil, err
	}
	node, _ := result.Payload["alipay_trade_precreate_response"].(map[string]interface{})
	qrCode := strings.TrimSpace(readString(node, "qr_code"))
	if qrCode == "" {
		return nil, payment.TransportFailure(constants.DriverAlipay, payment.OperationPay, http.StatusOK, "qr_code is empty", nil)
	}
	result.Body = qrCode
	return result, nil
}

// commonClient 通用交易接口。
type commonClient struct {
	api *openAPI
}

func (c *commonClient) miniProgram(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if strings.TrimSpace(req.BuyerID) == "" {
		return nil, fmt.Errorf("%w: buyer_id is required", payment.ErrInvalidRequest)
	}
	biz, err := c.api.payContent(req, "JSAPI_PAY")
	if err != nil {
		return nil, err
	}
	biz.Set("buyer_id", strings.TrimSpace(req.BuyerID))
	extra.Merge(biz)
	return c.api.call(ctx, payment.OperationPay, "alipay.trade.create", biz, c.api.notifyURL(req))
}

func (c *commonClient) query(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return c.api.call(ctx, payment.OperationQuery, "alipay.trade.query", tradeContent(req, extra), "")
}

func (c *commonClient) close(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return c.api.call(ctx, payment.OperationClose, "alipay.trade.close", tradeContent(req, extra), "")
}

func (c *commonClient) cancel(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return c.api.call(ctx, payment.OperationCancel, "alipay.trade.cancel", tradeContent(req, extra), "")
}

func (c *commonClient) refund(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	refundAmount, err := formatYuan(req.RefundAmount)
	if err != nil {
		return nil, err
	}
	biz := make(gopay.BodyMap)
	biz.Set("out_trade_no", strings.TrimSpace(req.OutTradeNo)).
		Set("refund_amount", refundAmount)
	if outRefundNo := strings.TrimSpace(req.OutRefundNo); outRefundNo != "" {
		biz.Set("out_request_no", outRefundNo)
	}
	extra.Merge(biz)
	return c.api.call(ctx, payment.OperationRefund, "alipay.trade.refund", biz, "")
}

func (c *commonClient) refundQuery(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	biz := make(gopay.BodyMap)
	biz.Set("out_trade_no", strings.TrimSpace(req.OutTradeNo)).
		Set("out_request_no", strings.TrimSpace(req.OutRefundNo))
	extra.Merge(biz)
	return c.api.call(ctx, payment.OperationRefundQuery, "alipay.trade.fastpay.refund.query", biz, "")
}

// formatYuan 以元为单位保留两位小数，超过分精度的金额直接拒绝而不是四舍五入。
func formatYuan(value decimal.Decimal) (string, error) {
	if _, err := payment.MinorUnits(value, amountPrecision); err != nil {
		return "", err
	}
	return value.StringFixed(2), nil
}

func tradeContent(req *payment.Request, extra payment.Payload) gopay.BodyMap {
	biz := make(gopay.BodyMap)
	biz.Set("out_trade_no", strings.TrimSpace(req.OutTradeNo))
	extra.Merge(biz)
	return biz
}

// transferClient 单笔转账到支付宝账户。
type transferClient struct {
	api *openAPI
}

func (c *transferClient) transfer(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if strings.TrimSpace(req.BuyerID) == "" && !extra.Has("payee_info") {
		return nil, fmt.Errorf("%w: buyer_id is required for transfer", payment.ErrInvalidRequest)
	}
	transAmount, err := formatYuan(req.Amount)
	if err != nil {
		return nil, err
	}
	biz := make(gopay.BodyMap)
	biz.Set("out_biz_no", strings.TrimSpace(req.OutTradeNo)).
		Set("trans_amount", transAmount).
		Set("biz_scene", "DIRECT_TRANSFER").
		Set("product_code", "TRANS_ACCOUNT_NO_PWD").
		Set("order_title", req.SubjectOrDefault()).
		SetBodyMap("payee_info", func(payee gopay.BodyMap) {
			payee.Set("identity", strings.TrimSpace(req.BuyerID)).
				Set("identity_type", "ALIPAY_USER_ID")
		})
	extra.Merge(biz)
	return c.api.call(ctx, payment.OperationPay, "alipay.fund.trans.uni.transfer", biz, "")
}

func encodeParams(params map[string]string) string {
	form := url.Values{}
	for key, value := range params {
		if key == "" || value == "" {
			continue
		}
		form.Set(key, value)
	}
	return form.Encode()
}

func buildAutoSubmitForm(action string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key, value := range params {
		if value != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<form id="alipaysubmit" name="alipaysubmit" action="`)
	b.WriteString(html.EscapeString(action))
	b.WriteString(`" method="POST">`)
	for _, key := range keys {
		b.WriteString(`<input type="hidden" name="`)
		b.WriteString(html.EscapeString(key))
		b.WriteString(`" value="`)
		b.WriteString(html.EscapeString(params[key]))
		b.WriteString(`"/>`)
	}
	b.WriteString(`<input type="submit" value="ok" style="display:none;"></form>`)
	b.WriteString(`<script>document.forms['alipaysubmit'].submit();</script>`)
	return b.String()
}

func readString(raw map[string]interface{}, key string) string {
	if raw == nil {
		return ""
	}
	value, ok := raw[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", value)
}
