package services

import (
	"time"

	"github.com/labstream/workplan-backend/internal/domain"
)

// OrderPayload is the JSON body posted to a LIMS when an order is
// dispatched. Field names are part of the wire contract with the
// execution systems and must not change casually.
type OrderPayload struct {
	WorkOrder OrderBody `json:"work_order"`
}

type OrderBody struct {
	ID          string  `json:"id"`
	WorkPlanID  string  `json:"work_plan_id"`
	ProcessName string  `json:"process_name"`
	Pipeline    string  `json:"pipeline,omitempty"`
	SetUUID     string  `json:"set_uuid"`
	Priority    string  `json:"priority"`
	Comment     string  `json:"comment,omitempty"`
	CostCode    string  `json:"cost_code"`
	OrderIndex  int     `json:"order_index"`
	SampleCount int     `json:"sample_count"`
	TotalCost   float64 `json:"total_cost"`

	Modules []ModuleBody `json:"modules"`
	Jobs    []JobBody    `json:"jobs"`

	// DesiredCompletionDate is the dispatch date plus the process TAT.
	DesiredCompletionDate string `json:"desired_completion_date,omitempty"`
}

type ModuleBody struct {
	Name          string `json:"name"`
	SelectedValue *int   `json:"selected_value,omitempty"`
}

type JobBody struct {
	ID            string `json:"id"`
	ContainerUUID string `json:"container_uuid"`
	InputSetUUID  string `json:"input_set_uuid"`
}

// SerializeOrder flattens an order, its frozen module choices and its jobs
// into the LIMS wire shape. Module choices must carry their modules.
func SerializeOrder(plan *domain.WorkPlan, order *domain.WorkOrder, process *domain.Process, catalogue *domain.Catalogue, costCode string, sampleCount int, jobs []*domain.Job) OrderPayload {
	body := OrderBody{
		ID:          order.ID.String(),
		WorkPlanID:  plan.ID.String(),
		ProcessName: process.Name,
		Priority:    plan.Priority,
		Comment:     plan.Comment,
		CostCode:    costCode,
		OrderIndex:  order.OrderIndex,
		SampleCount: sampleCount,
	}
	if catalogue != nil {
		body.Pipeline = catalogue.Pipeline
	}
	if order.SetUUID != nil {
		body.SetUUID = order.SetUUID.String()
	}
	if order.TotalCost != nil {
		body.TotalCost = *order.TotalCost
	}
	if order.DispatchDate != nil && process.TAT > 0 {
		due := order.DispatchDate.AddDate(0, 0, process.TAT)
		body.DesiredCompletionDate = due.Format(time.DateOnly)
	}

	for _, mc := range order.ModuleChoices {
		name := ""
		if mc.ProcessModule != nil {
			name = mc.ProcessModule.Name
		}
		body.Modules = append(body.Modules, ModuleBody{
			Name:          name,
			SelectedValue: mc.SelectedValue,
		})
	}

	for _, j := range jobs {
		jb := JobBody{
			ID:            j.ID.String(),
			ContainerUUID: j.ContainerUUID.String(),
		}
		if j.InputSetUUID != nil {
			jb.InputSetUUID = j.InputSetUUID.String()
		}
		body.Jobs = append(body.Jobs, jb)
	}

	return OrderPayload{WorkOrder: body}
}
