package builtin

import (
	"context"
	"fmt"

	"github.com/capstan-dev/capstan/internal/tool"
)

// Questioner submits a question to the human channel and returns the
// created question id.
type Questioner interface {
	RequestAnswer(ctx context.Context, call *tool.Call, question string) (int, error)
}

// RegisterHuman adds human__ask. It is offered to the LLM so the model
// can block on operator input mid-task.
func RegisterHuman(r *tool.Registry, q Questioner) {
	r.MustRegister(&tool.Tool{
		Name:        "human__ask",
		Description: "Ask the human operator a question and wait for the answer.",
		Parameters: objectSchema([]string{"question"}, map[string]any{
			"question": stringProp("question to put to the operator"),
		}),
		Handler: func(ctx context.Context, call *tool.Call) tool.Outcome {
			return askHuman(ctx, call, q)
		},
	})
}

func askHuman(ctx context.Context, call *tool.Call, q Questioner) tool.Outcome {
	if state, ok := call.State.(map[string]any); ok && state["phase"] == PhaseAwaitingAnswer {
		if call.ExternalData["answerReceived"] != true {
			return tool.Running(state)
		}
		answer, _ := call.ExternalData["answer"].(string)
		return tool.Success(map[string]any{"answer": answer})
	}

	question := argString(call, "question")
	if question == "" {
		return tool.Failure("no question given")
	}
	if q == nil {
		return tool.Failure("no question channel available")
	}
	id, err := q.RequestAnswer(ctx, call, question)
	if err != nil {
		return tool.Failure(fmt.Sprintf("submitting question: %v", err))
	}
	return tool.Running(map[string]any{
		"phase":      PhaseAwaitingAnswer,
		"questionId": id,
		"question":   question,
	})
}
