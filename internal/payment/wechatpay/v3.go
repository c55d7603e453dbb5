package wechatpay

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

	"github.com/dujiao-next/paygate/internal/constants"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/payment"

	"github.com/google/uuid"
	"github.com/wechatpay-apiv3/wechatpay-go/core"
	"github.com/wechatpay-apiv3/wechatpay-go/utils"
)

const amountPrecision = 100

// prepayBody 下单接口公共请求体。
func (g *Gateway) prepayBody(method string, req *payment.Request, extra payment.Payload) (map[string]interface{}, error) {
	total, err := req.AmountMinor(amountPrecision)
	if err != nil {
		return nil, err
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", payment.ErrInvalidRequest)
	}
	expireAt, err := req.ExpireAt(g.localNow())
	if err != nil {
		return nil, err
	}
	attach, err := req.AttachJSON()
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"appid":        g.cfg.appIDFor(method),
		"mchid":        g.cfg.MchID,
		"description":  buildDescription(req.Subject, req.OutTradeNo),
		"out_trade_no": strings.TrimSpace(req.OutTradeNo),
		"notify_url":   g.notifyURL(req),
		"time_expire":  expireAt.Format(time.RFC3339),
		"amount": map[string]interface{}{
			"total":    total,
			"currency": g.cfg.Currency,
		},
	}
	if attach != "" {
		body["attach"] = attach
	}
	return extra.Merge(body), nil
}

func (g *Gateway) wap(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	body, err := g.prepayBody(constants.PayMethodWap, req, extra)
	if err != nil {
		return nil, err
	}
	if _, ok := body["scene_info"]; !ok {
		body["scene_info"] = map[string]interface{}{
			"payer_client_ip": req.ClientIPOrDefault(),
			"h5_info":         map[string]interface{}{"type": g.cfg.H5Type},
		}
	}
	raw, err := g.postJSON(ctx, payment.OperationPay, "/v3/pay/transactions/h5", body)
	if err != nil {
		return nil, err
	}
	h5URL := readString(raw, "h5_url")
	if h5URL == "" {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, http.StatusOK, "missing h5_url", nil)
	}
	return &payment.Result{Payload: raw, Body: appendRedirectURL(h5URL, g.cfg.H5RedirectURL)}, nil
}

func (g *Gateway) scan(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	body, err := g.prepayBody(constants.PayMethodScan, req, extra)
	if err != nil {
		return nil, err
	}
	raw, err := g.postJSON(ctx, payment.OperationPay, "/v3/pay/transactions/native", body)
	if err != nil {
		return nil, err
	}
	codeURL := readString(raw, "code_url")
	if codeURL == "" {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, http.StatusOK, "missing code_url", nil)
	}
	return &payment.Result{Payload: raw, Body: codeURL}, nil
}

func (g *Gateway) app(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	body, err := g.prepayBody(constants.PayMethodApp, req, extra)
	if err != nil {
		return nil, err
	}
	raw, err := g.postJSON(ctx, payment.OperationPay, "/v3/pay/transactions/app", body)
	if err != nil {
		return nil, err
	}
	prepayID := readString(raw, "prepay_id")
	if prepayID == "" {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, http.StatusOK, "missing prepay_id", nil)
	}
	appID, _ := body["appid"].(string)
	timestamp, nonce, sign, err := g.clientSign(appID, prepayID)
	if err != nil {
		return nil, err
	}
	return clientResult(map[string]interface{}{
		"appid":     appID,
		"partnerid": g.cfg.MchID,
		"prepayid":  prepayID,
		"package":   "Sign=WXPay",
		"noncestr":  nonce,
		"timestamp": timestamp,
		"sign":      sign,
	})
}

func (g *Gateway) officialAccount(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return g.jsapi(ctx, constants.PayMethodOfficialAccount, req, extra)
}

func (g *Gateway) miniProgram(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	return g.jsapi(ctx, constants.PayMethodMiniProgram, req, extra)
}

// jsapi 公众号与小程序共用 jsapi 下单，二次签名使用下单时的 appid。
func (g *Gateway) jsapi(ctx context.Context, method string, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if strings.TrimSpace(req.BuyerID) == "" && !extra.Has("payer.openid") {
		return nil, fmt.Errorf("%w: buyer_id (openid) is required", payment.ErrInvalidRequest)
	}
	body, err := g.prepayBody(method, req, extra)
	if err != nil {
		return nil, err
	}
	if _, ok := body["payer"]; !ok {
		body["payer"] = map[string]interface{}{"openid": strings.TrimSpace(req.BuyerID)}
	}
	raw, err := g.postJSON(ctx, payment.OperationPay, "/v3/pay/transactions/jsapi", body)
	if err != nil {
		return nil, err
	}
	prepayID := readString(raw, "prepay_id")
	if prepayID == "" {
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationPay, http.StatusOK, "missing prepay_id", nil)
	}
	appID, _ := body["appid"].(string)
	timestamp, nonce, sign, err := g.clientSign(appID, prepayID)
	if err != nil {
		return nil, err
	}
	return clientResult(map[string]interface{}{
		"appId":     appID,
		"timeStamp": timestamp,
		"nonceStr":  nonce,
		"package":   "prepay_id=" + prepayID,
		"signType":  "RSA",
		"paySign":   sign,
	})
}

// clientSign 客户端调起支付的二次签名。
func (g *Gateway) clientSign(appID, prepayID string) (string, string, string, error) {
	timestamp := strconv.FormatInt(g.now().Unix(), 10)
	nonce := newNonce()
	message := appID + "\n" + timestamp + "\n" + nonce + "\nprepay_id=" + prepayID + "\n"
	sign, err := utils.SignSHA256WithRSA(message, g.merchantKey)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: client sign failed: %v", payment.ErrConfigInvalid, err)
	}
	return timestamp, nonce, sign, nil
}

func clientResult(payload map[string]interface{}) (*payment.Result, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode client payload failed", payment.ErrInvalidRequest)
	}
	return &payment.Result{Payload: payload, Body: string(encoded)}, nil
}

func (g *Gateway) transfer(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if strings.TrimSpace(req.BuyerID) == "" && !extra.Has("transfer_detail_list") {
		return nil, fmt.Errorf("%w: buyer_id (openid) is required for transfer", payment.ErrInvalidRequest)
	}
	amount, err := req.AmountMinor(amountPrecision)
	if err != nil {
		return nil, err
	}
	outTradeNo := strings.TrimSpace(req.OutTradeNo)
	remark := req.SubjectOrDefault()
	body := extra.Merge(map[string]interface{}{
		"appid":        g.cfg.appIDFor(constants.PayMethodTransfer),
		"out_batch_no": outTradeNo,
		"batch_name":   remark,
		"batch_remark": remark,
		"total_amount": amount,
		"total_num":    1,
		"transfer_detail_list": []map[string]interface{}{{
			"out_detail_no":   outTradeNo,
			"transfer_amount": amount,
			"transfer_remark": remark,
			"openid":          strings.TrimSpace(req.BuyerID),
		}},
	})
	raw, err := g.postJSON(ctx, payment.OperationPay, "/v3/transfer/batches", body)
	if err != nil {
		return nil, err
	}
	return &payment.Result{Payload: raw}, nil
}

// Query 按商户订单号查询。
func (g *Gateway) Query(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationQuery); err != nil {
		return nil, err
	}
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(strings.TrimSpace(req.OutTradeNo)) +
		"?mchid=" + url.QueryEscape(g.cfg.MchID)
	raw, err := g.getJSON(ctx, payment.OperationQuery, path)
	if err != nil {
		return nil, err
	}
	return g.result(payment.OperationQuery, raw), nil
}

// Close 关闭订单，成功时微信返回 204。
func (g *Gateway) Close(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationClose); err != nil {
		return nil, err
	}
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(strings.TrimSpace(req.OutTradeNo)) + "/close"
	body := extra.Merge(map[string]interface{}{"mchid": g.cfg.MchID})
	result, err := g.client.Post(ctx, g.cfg.BaseURL+path, body)
	if err != nil {
		return nil, classifyError(payment.OperationClose, err)
	}
	if result.Response != nil && result.Response.Body != nil {
		defer result.Response.Body.Close()
	}
	if result.Response == nil || result.Response.StatusCode != http.StatusNoContent {
		status := 0
		if result.Response != nil {
			status = result.Response.StatusCode
		}
		return nil, payment.TransportFailure(constants.DriverWechat, payment.OperationClose, status, "unexpected status", nil)
	}
	return g.result(payment.OperationClose, map[string]interface{}{"out_trade_no": req.OutTradeNo}), nil
}

// Refund 申请退款，需同时提供退款金额与原订单金额。
func (g *Gateway) Refund(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationRefund); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OutRefundNo) == "" {
		return nil, fmt.Errorf("%w: out_refund_no is required", payment.ErrInvalidRequest)
	}
	refund, err := req.RefundMinor(amountPrecision)
	if err != nil {
		return nil, err
	}
	total, err := req.TotalMinor(amountPrecision)
	if err != nil {
		return nil, err
	}
	body := extra.Merge(map[string]interface{}{
		"out_trade_no":  strings.TrimSpace(req.OutTradeNo),
		"out_refund_no": strings.TrimSpace(req.OutRefundNo),
		"notify_url":    g.notifyURL(req),
		"amount": map[string]interface{}{
			"refund":   refund,
			"total":    total,
			"currency": g.cfg.Currency,
		},
	})
	raw, err := g.postJSON(ctx, payment.OperationRefund, "/v3/refund/domestic/refunds", body)
	if err != nil {
		return nil, err
	}
	return g.result(payment.OperationRefund, raw), nil
}

// RefundQuery 按商户退款单号查询。
func (g *Gateway) RefundQuery(ctx context.Context, req *payment.Request, extra payment.Payload) (*payment.Result, error) {
	if err := req.Validate(payment.OperationRefundQuery); err != nil {
		return nil, err
	}
	path := "/v3/refund/domestic/refunds/" + url.PathEscape(strings.TrimSpace(req.OutRefundNo))
	raw, err := g.getJSON(ctx, payment.OperationRefundQuery, path)
	if err != nil {
		return nil, err
	}
	return g.result(payment.OperationRefundQuery, raw), nil
}

func (g *Gateway) result(operation string, raw map[string]interface{}) *payment.Result {
	return &payment.Result{Provider: constants.DriverWechat, Operation: operation, Payload: raw}
}

func (g *Gateway) postJSON(ctx context.Context, operation, path string, body map[string]interface{}) (map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := g.client.Post(ctx, g.cfg.BaseURL+path, body)
	if err != nil {
		return nil, classifyError(operation, err)
	}
	return parseAPIResult(operation, result)
}

func (g *Gateway) getJSON(ctx context.Context, operation, path string) (map[string]interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := g.client.Get(ctx, g.cfg.BaseURL+path)
	if err != nil {
		return nil, classifyError(operation, err)
	}
	return parseAPIResult(operation, result)
}

// classifyError 带业务码的 4xx 视为业务拒绝，其余为传输失败。
func classifyError(operation string, err error) error {
	var apiErr *core.APIError
	if errors.As(err, &apiErr) {
		logger.Debugw("wechat_api_error", "operation", operation, "status", apiErr.StatusCode, "code", apiErr.Code)
		if apiErr.Code != "" && apiErr.StatusCode < http.StatusInternalServerError {
			rejected := payment.Rejected(constants.DriverWechat, operation, apiErr.Code, apiErr.Message)
			rejected.HTTPStatus = apiErr.StatusCode
			return rejected
		}
		return payment.TransportFailure(constants.DriverWechat, operation, apiErr.StatusCode, apiErr.Message, err)
	}
	return payment.TransportFailure(constants.DriverWechat, operation, 0, "http request failed", err)
}

func parseAPIResult(operation string, result *core.APIResult) (map[string]interface{}, error) {
	if result == nil || result.Response == nil || result.Response.Body == nil {
		return nil, payment.TransportFailure(constants.DriverWechat, operation, 0, "empty response", nil)
	}
	defer result.Response.Body.Close()

	status := result.Response.StatusCode
	respBody, err := io.ReadAll(result.Response.Body)
	if err != nil {
		return nil, payment.TransportFailure(constants.DriverWechat, operation, status, "read response failed", err)
	}
	if status < 200 || status >= 300 {
		return nil, payment.TransportFailure(constants.DriverWechat, operation, status, strings.TrimSpace(string(respBody)), nil)
	}
	raw := map[string]interface{}{}
	if len(respBody) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, payment.TransportFailure(constants.DriverWechat, operation, status, "decode response failed", err)
	}
	return raw, nil
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func buildDescription(subject string, orderNo string) string {
	subject = strings.TrimSpace(subject)
	if subject != "" {
		return subject
	}
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return "微信支付订单"
	}
	return "订单 " + orderNo
}

func appendRedirectURL(h5URL string, redirectURL string) string {
	if h5URL == "" || redirectURL == "" {
		return h5URL
	}
	parsed, err := url.Parse(h5URL)
	if err != nil {
		return h5URL
	}
	query := parsed.Query()
	query.Set("redirect_url", redirectURL)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func readString(raw map[string]interface{}, keys ...string) string {
	var current interface{} = raw
	for _, key := range keys {
		mapValue, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		next, ok := mapValue[key]
		if !ok {
			return ""
		}
		current = next
	}
	if value, ok := current.(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}
