package errors

import (
	stdErrors "errors"
	"testing"
)

func TestRegisterAndAttributesOf(t *testing.T) {
	const code Code = "TEST_TRANSIENT_FAILURE"
	Register(code, Attributes{
		Message:   "transient failure",
		Severity:  SeverityError,
		Retryable: true,
		Alert:     false,
	})

	attrs := AttributesOf(code)
	if attrs.Severity != SeverityError {
		t.Fatalf("注册后严重度应为 %s，实际 %s", SeverityError, attrs.Severity)
	}
	if !attrs.Retryable || attrs.Alert {
		t.Fatalf("注册属性不正确: %+v", attrs)
	}
}

func TestAttributesOfUnknownCode(t *testing.T) {
	attrs := AttributesOf(Code("NEVER_REGISTERED"))
	if attrs.Severity != SeverityCritical {
		t.Fatalf("未注册错误码应回退到 UNKNOWN 属性，实际 %+v", attrs)
	}
}

func TestErrorCarriesRegisteredBehavior(t *testing.T) {
	const code Code = "TEST_ERROR_SEVERITY"
	Register(code, Attributes{
		Message:   "degraded dependency",
		Severity:  SeverityError,
		Retryable: true,
		Alert:     false,
	})

	err := New(code, "依赖暂时不可用")
	if CodeOf(err) != code {
		t.Fatalf("CodeOf 应返回 %s，实际 %s", code, CodeOf(err))
	}
	if SeverityOf(err) != SeverityError {
		t.Fatalf("SeverityOf 应返回 %s，实际 %s", SeverityError, SeverityOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("该错误应可重试")
	}

	wrapped := Wrap(code, stdErrors.New("connection reset"), "外层描述")
	if !stdErrors.Is(wrapped, err) {
		t.Fatalf("同码错误应满足 errors.Is")
	}
}
