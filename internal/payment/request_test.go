package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestScaledAmountIsExact(t *testing.T) {
	cases := []struct {
		amount    string
		precision int64
		want      string
	}{
		{amount: "19.99", precision: 100, want: "1999"},
		{amount: "0.01", precision: 100, want: "1"},
		{amount: "10.00", precision: 100, want: "1000"},
		{amount: "12.34", precision: 0, want: "12.34"},
		{amount: "0.1", precision: 1000, want: "100"},
	}
	for _, tc := range cases {
		req := &Request{Amount: decimal.RequireFromString(tc.amount)}
		got := req.ScaledAmount(tc.precision)
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("amount %s x %d want %s got %s", tc.amount, tc.precision, tc.want, got.String())
		}
	}
}

func TestMinorUnits(t *testing.T) {
	got, err := MinorUnits(decimal.RequireFromString("19.99"), 100)
	if err != nil {
		t.Fatalf("minor units failed: %v", err)
	}
	if got != 1999 {
		t.Fatalf("minor units want 1999 got %d", got)
	}
	if _, err := MinorUnits(decimal.RequireFromString("1.005"), 100); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for sub-cent amount, got %v", err)
	}
}

func TestEffectiveTotalDefaultsToAmount(t *testing.T) {
	req := &Request{Amount: decimal.RequireFromString("8.8")}
	total, err := req.TotalMinor(100)
	if err != nil {
		t.Fatalf("total minor failed: %v", err)
	}
	if total != 880 {
		t.Fatalf("total want 880 got %d", total)
	}
}

func TestExpireAtDefaultsTo45Hours(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	got, err := (&Request{}).ExpireAt(now)
	if err != nil {
		t.Fatalf("expire at failed: %v", err)
	}
	if !got.Equal(now.Add(45 * time.Hour)) {
		t.Fatalf("expire want %s got %s", now.Add(45*time.Hour), got)
	}
}

func TestExpireAtParsesGivenValue(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	req := &Request{TimeExpire: "2026-03-02 10:30:00"}
	got, err := req.ExpireAt(now)
	if err != nil {
		t.Fatalf("expire at failed: %v", err)
	}
	want := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expire want %s got %s", want, got)
	}

	req.TimeExpire = "tomorrow"
	if _, err := req.ExpireAt(now); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAttachJSON(t *testing.T) {
	empty, err := (&Request{}).AttachJSON()
	if err != nil || empty != "" {
		t.Fatalf("empty attach want \"\" got %q err %v", empty, err)
	}
	req := &Request{Attach: map[string]interface{}{"redirect": "https://a.test/?x=1&y=<2>"}}
	got, err := req.AttachJSON()
	if err != nil {
		t.Fatalf("attach json failed: %v", err)
	}
	if got != `{"redirect":"https://a.test/?x=1&y=<2>"}` {
		t.Fatalf("unexpected attach json: %s", got)
	}
}

func TestClientIPOrDefault(t *testing.T) {
	cases := map[string]string{
		"":               "127.0.0.1",
		"bad":            "127.0.0.1",
		" 10.0.0.8 ":     "10.0.0.8",
		"192.168.1.2:80": "192.168.1.2",
	}
	for input, want := range cases {
		if got := (&Request{ClientIP: input}).ClientIPOrDefault(); got != want {
			t.Fatalf("client ip %q want %s got %s", input, want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	var nilReq *Request
	if err := nilReq.Validate(OperationQuery); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("nil request should be invalid, got %v", err)
	}
	if err := (&Request{}).Validate(OperationQuery); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing out_trade_no should be invalid, got %v", err)
	}
	negative := &Request{OutTradeNo: "T1", Amount: decimal.NewFromInt(-1)}
	if err := negative.Validate(OperationPay); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("negative amount should be invalid, got %v", err)
	}
	over := &Request{
		OutTradeNo:   "T1",
		Amount:       decimal.NewFromInt(10),
		RefundAmount: decimal.NewFromInt(11),
	}
	if err := over.Validate(OperationRefund); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("refund above total should be invalid, got %v", err)
	}
	lookup := &Request{OutTradeNo: "T1"}
	if err := lookup.Validate(OperationRefundQuery); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("refund query without out_refund_no should be invalid, got %v", err)
	}
	ok := &Request{OutTradeNo: "T1", Amount: decimal.NewFromInt(10), RefundAmount: decimal.NewFromInt(4), OutRefundNo: "R1"}
	for _, op := range []string{OperationPay, OperationQuery, OperationRefund, OperationRefundQuery} {
		if err := ok.Validate(op); err != nil {
			t.Fatalf("%s should be valid, got %v", op, err)
		}
	}
}

func TestPayloadDottedLookup(t *testing.T) {
	extra := Payload{
		"scene_info": map[string]interface{}{
			"store_info": map[string]interface{}{"id": "S01"},
		},
		"remark": " hi ",
	}
	if !extra.Has("scene_info.store_info.id") {
		t.Fatalf("expected nested key to exist")
	}
	if extra.Has("scene_info.missing") {
		t.Fatalf("missing key should not exist")
	}
	if got := extra.Get("scene_info.missing", "fallback"); got != "fallback" {
		t.Fatalf("fallback want fallback got %v", got)
	}
	if got := extra.String("remark"); got != "hi" {
		t.Fatalf("string want hi got %q", got)
	}
	merged := extra.Merge(map[string]interface{}{"remark": "built", "kept": 1})
	if merged["remark"] != " hi " || merged["kept"] != 1 {
		t.Fatalf("unexpected merge result: %#v", merged)
	}
}
