package dispatchpool

import "testing"

func TestDispatchPool_Validate(t *testing.T) {
	base := DispatchPool{
		ID:           "p1",
		Code:         "webhooks-default",
		MediatorType: MediatorTypeHTTPWebhook,
		Concurrency:  4,
	}

	if err := base.Validate(); err != nil {
		t.Errorf("expected valid pool, got error: %v", err)
	}

	missingCode := base
	missingCode.Code = ""
	if err := missingCode.Validate(); err == nil {
		t.Error("expected error for missing code")
	}

	badMediator := base
	badMediator.MediatorType = "SMTP"
	if err := badMediator.Validate(); err == nil {
		t.Error("expected error for unsupported mediator type")
	}

	negativeConcurrency := base
	negativeConcurrency.Concurrency = -1
	if err := negativeConcurrency.Validate(); err == nil {
		t.Error("expected error for negative concurrency")
	}

	negativeRateLimit := base
	limit := -5
	negativeRateLimit.RateLimitPerMin = &limit
	if err := negativeRateLimit.Validate(); err == nil {
		t.Error("expected error for negative rate limit")
	}
}

func TestDispatchPool_GetConcurrencyOrDefault(t *testing.T) {
	p := DispatchPool{Concurrency: 0}
	if got := p.GetConcurrencyOrDefault(10); got != 10 {
		t.Errorf("expected default 10, got %d", got)
	}

	p.Concurrency = 3
	if got := p.GetConcurrencyOrDefault(10); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestDispatchPool_IsActive(t *testing.T) {
	p := DispatchPool{Status: DispatchPoolStatusActive}
	if !p.IsActive() {
		t.Error("expected pool to be active")
	}

	p.Status = DispatchPoolStatusSuspended
	if p.IsActive() {
		t.Error("expected pool to not be active")
	}
}
