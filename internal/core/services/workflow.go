package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/manthysbr/mandos/internal/core/domain"
	"github.com/manthysbr/mandos/internal/core/ports"
)

// BasicWorkflow resolves a sub-job with a single reasoner call: goal,
// context, upstream scratchpads and the current lesson go into one
// prompt and the raw answer comes back as a SUCCESS message.
//
// Richer operator chains satisfy ports.Workflow the same way; the
// kernel wires this one by default.
type BasicWorkflow struct{}

func NewBasicWorkflow() *BasicWorkflow { return &BasicWorkflow{} }

func (w *BasicWorkflow) Execute(ctx context.Context, job *domain.SubJob, reasoner ports.Reasoner, inputs []domain.WorkflowMessage, lesson string) (domain.WorkflowMessage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", job.Goal)
	if job.Context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", job.Context)
	}
	if len(inputs) > 0 {
		b.WriteString("\nResults of the completed upstream jobs:\n")
		for _, in := range inputs {
			fmt.Fprintf(&b, "- %s\n", in.Scratchpad)
		}
	}
	if lesson != "" {
		fmt.Fprintf(&b, "\nLesson learned from previous attempts:\n%s\n", lesson)
	}
	if job.OutputSchema != "" {
		fmt.Fprintf(&b, "\nOutput schema: %s\n", job.OutputSchema)
	}

	answer, err := reasoner.Infer(ctx, b.String())
	if err != nil {
		return domain.WorkflowMessage{}, fmt.Errorf("reasoner inference: %w", err)
	}
	return domain.NewWorkflowMessage(job.ID, domain.WorkflowStatusSuccess, answer, "", ""), nil
}
