package e2e

import (
	"github.com/cucumber/godog"

	"chenu/e2e/steps/budget"
	"chenu/e2e/steps/checkpoint"
	"chenu/e2e/steps/common"
	"chenu/e2e/steps/governance"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	budget.RegisterSteps(ctx, tc)
	governance.RegisterSteps(ctx, tc)
	checkpoint.RegisterSteps(ctx, tc)
}
