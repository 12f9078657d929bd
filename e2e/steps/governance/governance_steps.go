package governance

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	ScopeID() string
	SetCheckpointID(checkpointID string)
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
}

// RegisterSteps registers action evaluation steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &governanceSteps{tc: tc}

	ctx.Step(`^I request "([^"]*)" costing (\d+)$`, steps.requestAction)
	ctx.Step(`^I request "([^"]*)" costing (\d+) on "([^"]*)"$`, steps.requestActionOnResource)
	ctx.Step(`^the decision should be "([^"]*)"$`, steps.decisionShouldBe)
	ctx.Step(`^the decision should be "([^"]*)" with reason "([^"]*)"$`, steps.decisionWithReason)
	ctx.Step(`^the policy set should list "([^"]*)"$`, steps.policySetShouldList)
	ctx.Step(`^I list the governance policies$`, steps.listPolicies)
}

type governanceSteps struct {
	tc TestContext
}

func (s *governanceSteps) requestAction(ctx context.Context, actionType string, cost int) error {
	return s.requestActionOnResource(ctx, actionType, cost, "")
}

func (s *governanceSteps) requestActionOnResource(ctx context.Context, actionType string, cost int, resourceRef string) error {
	body := map[string]any{
		"action_type":    actionType,
		"estimated_cost": cost,
		"scope_id":       s.tc.ScopeID(),
	}
	if resourceRef != "" {
		body["resource_ref"] = resourceRef
	}
	if err := s.tc.POST("/v1/actions/evaluate", body); err != nil {
		return err
	}
	if s.tc.GetLastResponseStatus() != 200 {
		return nil
	}
	if checkpointID, err := s.tc.GetResponseField("checkpoint_id"); err == nil {
		s.tc.SetCheckpointID(fmt.Sprint(checkpointID))
	}
	return nil
}

func (s *governanceSteps) decisionShouldBe(ctx context.Context, expected string) error {
	decision, err := s.tc.GetResponseField("decision")
	if err != nil {
		return err
	}
	if decision != expected {
		return fmt.Errorf("expected decision %q, got %v", expected, decision)
	}
	return nil
}

func (s *governanceSteps) decisionWithReason(ctx context.Context, expected, reason string) error {
	if err := s.decisionShouldBe(ctx, expected); err != nil {
		return err
	}
	got, err := s.tc.GetResponseField("reason")
	if err != nil {
		return err
	}
	if got != reason {
		return fmt.Errorf("expected reason %q, got %v", reason, got)
	}
	return nil
}

func (s *governanceSteps) listPolicies(ctx context.Context) error {
	return s.tc.GET("/v1/policies")
}

func (s *governanceSteps) policySetShouldList(ctx context.Context, actionType string) error {
	policies, err := s.tc.GetResponseField("policies")
	if err != nil {
		return err
	}
	list, ok := policies.([]any)
	if !ok {
		return fmt.Errorf("policies is not a list: %v", policies)
	}
	for _, p := range list {
		if entry, ok := p.(map[string]any); ok && entry["action_type"] == actionType {
			return nil
		}
	}
	return fmt.Errorf("policy %q not listed", actionType)
}
