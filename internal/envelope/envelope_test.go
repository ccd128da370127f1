package envelope

import (
	"errors"
	"testing"
)

func TestParseValidEnvelope(t *testing.T) {
	raw := []byte(`{
		"type": "OFFER",
		"sender": "seller-1",
		"request_id": "req-1",
		"idempotency_key": "idem-1",
		"payload": {"seller_id": "seller-1", "price": {"amount": "10.50", "currency": "USDC"}}
	}`)

	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	offer, err := env.DecodeOffer()
	if err != nil {
		t.Fatalf("DecodeOffer 失败: %v", err)
	}
	if offer.Price.Amount != "10.50" || offer.Price.Currency != "USDC" {
		t.Fatalf("报价解析不正确: %+v", offer)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"未知类型", `{"type":"PING","sender":"a","request_id":"r","payload":{}}`},
		{"缺少 sender", `{"type":"REQUEST","request_id":"r","payload":{"task":"x"}}`},
		{"缺少 request_id", `{"type":"REQUEST","sender":"a","payload":{"task":"x"}}`},
		{"缺少 payload", `{"type":"REQUEST","sender":"a","request_id":"r"}`},
		{"非法 JSON", `{"type":`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("应返回 ErrMalformed，实际 %v", err)
			}
		})
	}
}

func TestDecodeRequestFallsBackToSender(t *testing.T) {
	env, err := Parse([]byte(`{
		"type": "REQUEST",
		"sender": "buyer-9",
		"request_id": "req-9",
		"payload": {"task": "summarize report"}
	}`))
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	payload, err := env.DecodeRequest()
	if err != nil {
		t.Fatalf("DecodeRequest 失败: %v", err)
	}
	if payload.BuyerID != "buyer-9" {
		t.Fatalf("buyer_id 应回落到 sender，实际 %q", payload.BuyerID)
	}
}

func TestDecodeTypeMismatch(t *testing.T) {
	env, err := Parse([]byte(`{
		"type": "RESULT",
		"sender": "seller-1",
		"request_id": "req-1",
		"payload": {"status": "ok"}
	}`))
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	if _, err := env.DecodeAccept(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("类型不匹配应返回 ErrMalformed，实际 %v", err)
	}
}

func TestDecodeAcceptRequiresProof(t *testing.T) {
	env, err := Parse([]byte(`{
		"type": "ACCEPT",
		"sender": "buyer-1",
		"request_id": "req-1",
		"payload": {"token": "USDC", "network": "base", "amount": "10.50"}
	}`))
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	if _, err := env.DecodeAccept(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("缺少 tx_hash 应返回 ErrMalformed，实际 %v", err)
	}
}

func TestDecodeErrorPayload(t *testing.T) {
	env, err := Parse([]byte(`{
		"type": "ERROR",
		"sender": "seller-1",
		"request_id": "req-1",
		"payload": {"code": "EXEC_FAILED", "message": "model unavailable"}
	}`))
	if err != nil {
		t.Fatalf("Parse 失败: %v", err)
	}
	payload, err := env.DecodeError()
	if err != nil {
		t.Fatalf("DecodeError 失败: %v", err)
	}
	if payload.Code != "EXEC_FAILED" || payload.Message != "model unavailable" {
		t.Fatalf("ERROR 载荷解析不正确: %+v", payload)
	}
}
