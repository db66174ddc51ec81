package flow

import (
	"context"
	"encoding/json"

	"github.com/BTreeMap/KlarePipe/internal/models"
	"github.com/BTreeMap/KlarePipe/internal/offline"
)

// offlineBackend adapts offline.Responder to ChatBackend. Its answer is always
// structured and its history holds only the current turn.
type offlineBackend struct {
	responder *offline.Responder
}

func (b *offlineBackend) Invoke(ctx context.Context, input string, flow models.FlowType, sessionID string) (*models.BackendResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := b.responder.Respond(input)
	answer, err := json.Marshal(models.StructuredAnswer{Response: reply.Response, Intent: reply.Intent})
	if err != nil {
		return nil, err
	}
	return &models.BackendResponse{
		Answer: string(answer),
		ChatHistory: []models.Message{
			models.HumanMessage(input),
			models.AssistantMessage(reply.Response),
		},
	}, nil
}
