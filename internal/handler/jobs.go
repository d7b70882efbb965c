package handler

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/beatgen/api/internal/model"
	"github.com/beatgen/api/internal/service"
	ws "github.com/beatgen/api/internal/websocket"
	"github.com/beatgen/api/pkg/response"
)

type JobHandler struct {
	resolver *service.StatusResolver
	hub      *ws.Hub
}

func NewJobHandler(resolver *service.StatusResolver, hub *ws.Hub) *JobHandler {
	return &JobHandler{resolver: resolver, hub: hub}
}

// Status handles GET /jobs/:id
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("id")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.resolver.Resolve(c.UserContext(), jobID)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Events handles GET /ws/jobs/:jobId. The current status is sent first so a
// subscriber that connects late still sees a terminal state.
func (h *JobHandler) Events() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")

		var initial *model.JobEvent
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if st, err := h.resolver.Resolve(ctx, jobID); err == nil {
			initial = eventFromStatus(st)
		}
		cancel()
		h.hub.HandleConnection(c, jobID, initial)
	})
}

func eventFromStatus(st *model.JobStatusResponse) *model.JobEvent {
	ev := &model.JobEvent{
		Type:      model.WSMessageTypeStatus,
		JobID:     st.ID,
		Kind:      st.Kind,
		Status:    st.Status,
		ResultURL: st.ResultURL,
		At:        st.UpdatedAt,
	}
	switch st.Status {
	case model.JobStatusCompleted:
		ev.Type = model.WSMessageTypeComplete
	case model.JobStatusFailed:
		ev.Type = model.WSMessageTypeError
		ev.Error = &model.WSError{Code: "EXPORT_FAILED", Message: st.Error}
	}
	return ev
}
