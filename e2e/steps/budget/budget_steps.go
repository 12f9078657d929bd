package budget

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	GET(path string) error
	AdminPUT(path string, body any) error
	AdminPOST(path string, body any) error
	ScopeID() string
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
}

// RegisterSteps registers budget provisioning and inspection steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &budgetSteps{tc: tc}

	ctx.Step(`^the scope has a budget of (\d+)$`, steps.scopeHasBudget)
	ctx.Step(`^an operator resizes the scope budget to (\d+)$`, steps.resizeBudget)
	ctx.Step(`^an operator refunds (\d+) to the scope$`, steps.refund)
	ctx.Step(`^the scope budget should have (\d+) remaining$`, steps.remainingShouldBe)
}

type budgetSteps struct {
	tc TestContext
}

func (s *budgetSteps) path() string {
	return "/v1/budgets/" + s.tc.ScopeID()
}

func (s *budgetSteps) scopeHasBudget(ctx context.Context, total int) error {
	if err := s.tc.AdminPUT(s.path(), map[string]any{"total": total, "period": "monthly"}); err != nil {
		return err
	}
	return s.expectOK()
}

func (s *budgetSteps) resizeBudget(ctx context.Context, total int) error {
	if err := s.tc.AdminPOST(s.path()+"/resize", map[string]any{"total": total}); err != nil {
		return err
	}
	return s.expectOK()
}

func (s *budgetSteps) refund(ctx context.Context, amount int) error {
	if err := s.tc.AdminPOST(s.path()+"/refund", map[string]any{"amount": amount}); err != nil {
		return err
	}
	return s.expectOK()
}

func (s *budgetSteps) remainingShouldBe(ctx context.Context, expected int) error {
	if err := s.tc.GET(s.path()); err != nil {
		return err
	}
	if err := s.expectOK(); err != nil {
		return err
	}
	remaining, err := s.tc.GetResponseField("remaining")
	if err != nil {
		return err
	}
	if n, ok := remaining.(float64); !ok || int(n) != expected {
		return fmt.Errorf("expected %d remaining, got %v", expected, remaining)
	}
	return nil
}

func (s *budgetSteps) expectOK() error {
	if status := s.tc.GetLastResponseStatus(); status != 200 {
		return fmt.Errorf("expected status 200, got %d: %s", status, s.tc.GetLastResponseBody())
	}
	return nil
}
