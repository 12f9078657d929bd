package checkpoint

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any) error
	GET(path string) error
	CheckpointID() string
	GetResponseField(field string) (any, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
}

// RegisterSteps registers checkpoint resolution steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &checkpointSteps{tc: tc}

	ctx.Step(`^I approve the checkpoint$`, steps.approve)
	ctx.Step(`^I reject the checkpoint with reason "([^"]*)"$`, steps.reject)
	ctx.Step(`^I fetch the checkpoint$`, steps.fetch)
	ctx.Step(`^the checkpoint status should be "([^"]*)"$`, steps.statusShouldBe)
	ctx.Step(`^I should have (\d+) pending checkpoints?$`, steps.pendingCount)
}

type checkpointSteps struct {
	tc TestContext
}

func (s *checkpointSteps) path() (string, error) {
	checkpointID := s.tc.CheckpointID()
	if checkpointID == "" {
		return "", fmt.Errorf("no checkpoint has been created in this scenario")
	}
	return "/v1/checkpoints/" + checkpointID, nil
}

func (s *checkpointSteps) approve(ctx context.Context) error {
	path, err := s.path()
	if err != nil {
		return err
	}
	return s.tc.POST(path+"/approve", nil)
}

func (s *checkpointSteps) reject(ctx context.Context, reason string) error {
	path, err := s.path()
	if err != nil {
		return err
	}
	return s.tc.POST(path+"/reject", map[string]string{"reason": reason})
}

func (s *checkpointSteps) fetch(ctx context.Context) error {
	path, err := s.path()
	if err != nil {
		return err
	}
	return s.tc.GET(path)
}

func (s *checkpointSteps) statusShouldBe(ctx context.Context, expected string) error {
	status, err := s.tc.GetResponseField("status")
	if err != nil {
		return err
	}
	if status != expected {
		return fmt.Errorf("expected checkpoint status %q, got %v", expected, status)
	}
	return nil
}

func (s *checkpointSteps) pendingCount(ctx context.Context, expected int) error {
	if err := s.tc.GET("/v1/checkpoints"); err != nil {
		return err
	}
	if status := s.tc.GetLastResponseStatus(); status != 200 {
		return fmt.Errorf("expected status 200, got %d: %s", status, s.tc.GetLastResponseBody())
	}
	total, err := s.tc.GetResponseField("total")
	if err != nil {
		return err
	}
	if n, ok := total.(float64); !ok || int(n) != expected {
		return fmt.Errorf("expected %d pending checkpoints, got %v", expected, total)
	}
	return nil
}
