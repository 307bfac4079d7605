package handlers

import (
	"time"

	"github.com/donorportal/api/internal/services"
)

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderHistoryResponse struct {
	Items         []orderHistoryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type orderHistoryPayload struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	ActorType string         `json:"actorType,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func buildOrderHistoryPayload(entry services.AuditLogEntry) orderHistoryPayload {
	return orderHistoryPayload{
		ID:        entry.ID,
		Action:    entry.Action,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Severity:  entry.Severity,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		RequestID: entry.RequestID,
		CreatedAt: formatTime(entry.CreatedAt, time.Time{}),
	}
}

type orderSummaryPayload struct {
	ID                   string  `json:"id"`
	OrderNo              string  `json:"orderNo"`
	CustomerID           string  `json:"customerId"`
	Status               string  `json:"status"`
	Currency             string  `json:"currency"`
	Projects             int     `json:"projects"`
	TotalCost            float64 `json:"totalCost"`
	TotalCostSingleMonth float64 `json:"totalCostSingleMonth"`
	CreatedAt            string  `json:"createdAt"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type allocationResponse struct {
	Order     orderPayload `json:"order"`
	Allocated int          `json:"allocated"`
	Shortfall int          `json:"shortfall"`
}

type orderPayload struct {
	ID                   string                `json:"id"`
	OrderNo              string                `json:"orderNo"`
	CustomerID           string                `json:"customerId"`
	Currency             string                `json:"currency"`
	Country              string                `json:"country,omitempty"`
	Status               string                `json:"status"`
	Projects             []orderProjectPayload `json:"projects"`
	TotalCost            float64               `json:"totalCost"`
	TotalCostSingleMonth float64               `json:"totalCostSingleMonth"`
	StatusHistory        []statusChangePayload `json:"statusHistory,omitempty"`
	CreatedBy            string                `json:"createdBy,omitempty"`
	CreatedAt            string                `json:"createdAt"`
	UpdatedAt            string                `json:"updatedAt,omitempty"`
	CalculatedAt         string                `json:"calculatedAt,omitempty"`
}

type orderProjectPayload struct {
	Slug                      string                    `json:"slug"`
	Months                    int                       `json:"months"`
	Entries                   []orderEntryPayload       `json:"entries"`
	TotalCostSingleMonth      float64                   `json:"totalCostSingleMonth"`
	TotalCostAllMonths        float64                   `json:"totalCostAllMonths"`
	TotalCostAllSubscriptions float64                   `json:"totalCostAllSubscriptions"`
	TotalSubscriptionCosts    []subscriptionCostPayload `json:"totalSubscriptionCosts,omitempty"`
}

type orderEntryPayload struct {
	EntryID                   string             `json:"entryId"`
	SelectedSubscriptions     []string           `json:"selectedSubscriptions"`
	TotalCost                 float64            `json:"totalCost"`
	TotalCostAllSubscriptions float64            `json:"totalCostAllSubscriptions"`
	Costs                     []entryCostPayload `json:"costs,omitempty"`
}

type entryCostPayload struct {
	Field          string  `json:"field"`
	NativeCost     float64 `json:"nativeCost"`
	NativeCurrency string  `json:"nativeCurrency"`
	Cost           float64 `json:"cost"`
	Selected       bool    `json:"selected"`
}

type subscriptionCostPayload struct {
	Field                string  `json:"field"`
	Entries              int     `json:"entries"`
	TotalCostSingleMonth float64 `json:"totalCostSingleMonth"`
	TotalCostAllMonths   float64 `json:"totalCostAllMonths"`
}

type statusChangePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Event     string `json:"event"`
	Actor     string `json:"actor,omitempty"`
	Reference string `json:"reference,omitempty"`
	At        string `json:"at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:                   order.ID,
		OrderNo:              order.OrderNo,
		CustomerID:           order.CustomerID,
		Status:               string(order.Status),
		Currency:             order.Currency,
		Projects:             len(order.Projects),
		TotalCost:            order.TotalCost,
		TotalCostSingleMonth: order.TotalCostSingleMonth,
		CreatedAt:            formatTime(order.CreatedAt, time.Time{}),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                   order.ID,
		OrderNo:              order.OrderNo,
		CustomerID:           order.CustomerID,
		Currency:             order.Currency,
		Country:              order.Country,
		Status:               string(order.Status),
		Projects:             make([]orderProjectPayload, 0, len(order.Projects)),
		TotalCost:            order.TotalCost,
		TotalCostSingleMonth: order.TotalCostSingleMonth,
		CreatedBy:            order.CreatedBy,
		CreatedAt:            formatTime(order.CreatedAt, time.Time{}),
		UpdatedAt:            formatTime(order.UpdatedAt, time.Time{}),
	}
	if order.CalculatedAt != nil {
		payload.CalculatedAt = formatTime(*order.CalculatedAt, time.Time{})
	}

	for _, project := range order.Projects {
		pp := orderProjectPayload{
			Slug:                      project.Slug,
			Months:                    project.Months,
			Entries:                   make([]orderEntryPayload, 0, len(project.Entries)),
			TotalCostSingleMonth:      project.TotalCostSingleMonth,
			TotalCostAllMonths:        project.TotalCostAllMonths,
			TotalCostAllSubscriptions: project.TotalCostAllSubscriptions,
		}
		for _, entry := range project.Entries {
			ep := orderEntryPayload{
				EntryID:                   entry.EntryID,
				SelectedSubscriptions:     append([]string{}, entry.SelectedSubscriptions...),
				TotalCost:                 entry.TotalCost,
				TotalCostAllSubscriptions: entry.TotalCostAllSubscriptions,
			}
			for _, cost := range entry.Costs {
				ep.Costs = append(ep.Costs, entryCostPayload(cost))
			}
			pp.Entries = append(pp.Entries, ep)
		}
		for _, sc := range project.TotalSubscriptionCosts {
			pp.TotalSubscriptionCosts = append(pp.TotalSubscriptionCosts, subscriptionCostPayload(sc))
		}
		payload.Projects = append(payload.Projects, pp)
	}

	for _, change := range order.StatusHistory {
		payload.StatusHistory = append(payload.StatusHistory, statusChangePayload{
			From:      string(change.From),
			To:        string(change.To),
			Event:     string(change.Event),
			Actor:     change.Actor,
			Reference: change.Reference,
			At:        formatTime(change.At, time.Time{}),
		})
	}
	return payload
}
