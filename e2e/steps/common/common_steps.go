package common

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	GET(path string) error
	AuthenticateAs(identity string) error
	ClearAuthentication()
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
}

// RegisterSteps registers background, authentication and assertion steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &commonSteps{tc: tc}

	ctx.Step(`^the API is running$`, steps.apiIsRunning)
	ctx.Step(`^I am authenticated as "([^"]*)"$`, steps.authenticatedAs)
	ctx.Step(`^I am not authenticated$`, steps.notAuthenticated)

	ctx.Step(`^the response status should be (\d+)$`, steps.responseStatusShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be "([^"]*)"$`, steps.responseFieldShouldBe)
	ctx.Step(`^the response field "([^"]*)" should be (\d+)$`, steps.responseFieldShouldBeNumber)
	ctx.Step(`^the error code should be "([^"]*)"$`, steps.errorCodeShouldBe)
}

type commonSteps struct {
	tc TestContext
}

func (s *commonSteps) apiIsRunning(ctx context.Context) error {
	if err := s.tc.GET("/healthz"); err != nil {
		return err
	}
	return s.responseStatusShouldBe(ctx, 200)
}

func (s *commonSteps) authenticatedAs(ctx context.Context, identity string) error {
	return s.tc.AuthenticateAs(identity)
}

func (s *commonSteps) notAuthenticated(ctx context.Context) error {
	s.tc.ClearAuthentication()
	return nil
}

func (s *commonSteps) responseStatusShouldBe(ctx context.Context, expected int) error {
	if got := s.tc.GetLastResponseStatus(); got != expected {
		return fmt.Errorf("expected status %d, got %d: %s", expected, got, s.tc.GetLastResponseBody())
	}
	return nil
}

func (s *commonSteps) responseFieldShouldBe(ctx context.Context, field, expected string) error {
	value, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	if fmt.Sprint(value) != expected {
		return fmt.Errorf("expected %s=%q, got %v", field, expected, value)
	}
	return nil
}

func (s *commonSteps) responseFieldShouldBeNumber(ctx context.Context, field string, expected int) error {
	value, err := s.tc.GetResponseField(field)
	if err != nil {
		return err
	}
	number, ok := value.(float64)
	if !ok || int(number) != expected {
		return fmt.Errorf("expected %s=%d, got %v", field, expected, value)
	}
	return nil
}

func (s *commonSteps) errorCodeShouldBe(ctx context.Context, code string) error {
	return s.responseFieldShouldBe(ctx, "error", code)
}
